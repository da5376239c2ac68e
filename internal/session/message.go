package session

// Message is one unit of the consumer contract. It is a closed set: a
// consumer switch over the concrete types below covers every message the
// buffer will ever deliver.
type Message interface {
	isMessage()
}

// Output carries relayed child output. Data is the coalesced byte run,
// in production order.
type Output struct {
	Data string
}

// Clear tells the consumer to wipe its rendered view.
type Clear struct{}

// Reset tells the consumer the session is restarting from scratch.
type Reset struct{}

func (Output) isMessage() {}
func (Clear) isMessage()  {}
func (Reset) isMessage()  {}

// Consumer receives messages for a single session. Deliver is called with
// the session lock held, so implementations must not call back into the
// session and should bound how long a send can block. A non-nil error marks
// the session disconnected; the buffered history is kept for the next
// consumer.
type Consumer interface {
	Deliver(msg Message) error
}
