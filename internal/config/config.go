package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config carries the tunables for the daemon. Defaults match the values the
// relay and supervisor were designed around; override via termmuxd flags.
type Config struct {
	ListenAddr string
	DBPath     string

	// Child process settings.
	HelperCommand   string   // command spawned per workspace key
	HelperArgs      []string // args placed before the positional cols/rows/cwd
	StartupCommands []string // one-time commands for a key's first spawn

	// Session buffer caps.
	MaxBufferBytes  int
	MaxHistoryLines int
	TrimRatio       float64

	// Output relay timings.
	FlushBytes     int
	MaxHold        time.Duration
	CoalesceWindow time.Duration

	// Supervisor timings and backpressure.
	TermGrace     time.Duration // wait after SIGTERM before SIGKILL
	KillGrace     time.Duration // wait after SIGKILL before giving up
	HighWaterMark int           // input queue bytes before backpressure
	InputChunk    int           // paste split size used by the controller
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:7683",
		DBPath:          defaultDBPath(),
		HelperCommand:   "termmux-pty",
		MaxBufferBytes:  1_000_000,
		MaxHistoryLines: 10_000,
		TrimRatio:       0.7,
		FlushBytes:      8192,
		MaxHold:         32 * time.Millisecond,
		CoalesceWindow:  16 * time.Millisecond,
		TermGrace:       1200 * time.Millisecond,
		KillGrace:       500 * time.Millisecond,
		HighWaterMark:   64 * 1024,
		InputChunk:      16 * 1024,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "termmux.db"
	}
	return filepath.Join(home, ".local", "state", "termmux", "termmux.db")
}
