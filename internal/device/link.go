package device

import (
	"context"
	"time"
)

// State is the connectivity of a link.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// Token identifies a subscription.
type Token uint64

// Handler receives decoded samples. Handlers run on the link's reader
// goroutine and must return before the next sample is delivered.
type Handler func(Sample)

// StateHandler is notified of connectivity transitions.
type StateHandler func(State)

// Link is the live channel to the device.
type Link interface {
	// Subscribe registers a sample handler.
	Subscribe(h Handler) Token

	// WatchState registers a connectivity handler.
	WatchState(h StateHandler) Token

	// Unsubscribe removes a sample or state handler. Unknown tokens are ignored.
	Unsubscribe(t Token)

	// State returns current connectivity.
	State() State

	// Send writes a frame to the device immediately.
	// Returns ErrDisconnected when no connection is up.
	Send(ctx context.Context, f Frame) error

	// Close releases the link. Idempotent.
	Close() error
}

// Backoff controls reconnect pacing.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// Next returns the delay following d.
func (b Backoff) Next(d time.Duration) time.Duration {
	if d <= 0 {
		return b.Initial
	}
	next := time.Duration(float64(d) * b.Factor)
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	return next
}
