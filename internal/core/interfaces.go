package core

// Frame is a marshaled wire envelope.
type Frame []byte

// ConnID identifies one transport connection for the process lifetime.
// Reconnects always get a fresh id; there is no resume-in-place.
type ConnID string

// Conn abstracts the outbound half of a client transport.
// Owned by the adapter; the adapter must Close() it.
type Conn interface {
	// TrySend enqueues without blocking. ErrBackpressure from the
	// adapter means the bounded outbound queue is full.
	TrySend(Frame) error
	Close()
}

// ConnState is the per-connection lifecycle:
// Connecting -> Authenticated -> Active -> Closed.
// Closed is terminal and reachable from any state.
type ConnState int8

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// PublishResult reports delivery stats/backpressure to the orchestrator.
type PublishResult struct {
	SentTo  int
	Dropped []ConnID
}
