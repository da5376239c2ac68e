package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/termmux/termmux/internal/session"
)

const deliverTimeout = 5 * time.Second

// wsConsumer adapts one WebSocket connection to the session.Consumer
// interface. Delivery failures (connection gone, slow client timing out)
// surface as errors, which the session turns into a disconnect. The id names
// the connection in log output, so a superseded socket's detach can be told
// apart from the live one's.
type wsConsumer struct {
	id   string
	ctx  context.Context
	conn *websocket.Conn
}

func newWSConsumer(ctx context.Context, conn *websocket.Conn) *wsConsumer {
	return &wsConsumer{id: uuid.NewString(), ctx: ctx, conn: conn}
}

func (c *wsConsumer) Deliver(msg session.Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, deliverTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, encodeMessage(msg))
}
