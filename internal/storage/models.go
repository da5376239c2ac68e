package storage

import (
	"time"
)

// SessionRecord is the persisted metadata for one workspace session.
type SessionRecord struct {
	Key       string
	Cwd       string
	Cols      int
	Rows      int
	UpdatedAt time.Time
}
