package server

import (
	"fmt"

	"github.com/termmux/termmux/internal/session"
)

// wireMessage is the JSON envelope shared by both directions of the
// consumer contract.
type wireMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// encodeMessage maps a session message onto the wire. The session message
// set is closed, so the switch is exhaustive.
func encodeMessage(msg session.Message) wireMessage {
	switch m := msg.(type) {
	case session.Output:
		return wireMessage{Type: "output", Data: m.Data}
	case session.Clear:
		return wireMessage{Type: "clear"}
	case session.Reset:
		return wireMessage{Type: "reset"}
	default:
		panic(fmt.Sprintf("unhandled session message %T", msg))
	}
}

// ClientMessage is a decoded frontend request. It is a closed set matched
// exhaustively in the read loop; decoding rejects anything outside it
// instead of switching on raw strings downstream.
type ClientMessage interface {
	isClientMessage()
}

// Input carries keystrokes or pasted text for the child process.
type Input struct {
	Data string
}

// Resize carries new terminal geometry.
type Resize struct {
	Cols int
	Rows int
}

// ClearRequest asks for the buffer and view to be wiped.
type ClearRequest struct{}

// ResetRequest asks for a full session restart.
type ResetRequest struct{}

// DetachRequest asks for an orderly detach: the socket closes but the
// process and buffer stay alive for the next attach.
type DetachRequest struct{}

func (Input) isClientMessage()         {}
func (Resize) isClientMessage()        {}
func (ClearRequest) isClientMessage()  {}
func (ResetRequest) isClientMessage()  {}
func (DetachRequest) isClientMessage() {}

// decodeClientMessage validates a raw envelope into a ClientMessage.
func decodeClientMessage(env wireMessage) (ClientMessage, error) {
	switch env.Type {
	case "input":
		return Input{Data: env.Data}, nil
	case "resize":
		if env.Cols <= 0 || env.Rows <= 0 {
			return nil, fmt.Errorf("resize requires positive cols and rows, got %dx%d", env.Cols, env.Rows)
		}
		return Resize{Cols: env.Cols, Rows: env.Rows}, nil
	case "clear":
		return ClearRequest{}, nil
	case "reset":
		return ResetRequest{}, nil
	case "detach":
		return DetachRequest{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
