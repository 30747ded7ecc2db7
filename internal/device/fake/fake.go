// Package fake provides an in-memory device link for tests.
package fake

import (
	"context"
	"sort"
	"sync"

	"github.com/exo-hmi/hmi/internal/device"
)

// Link implements device.Link without a transport. Tests push samples with
// Emit and inspect frames written with Sent.
type Link struct {
	mu            sync.Mutex
	handlers      map[device.Token]device.Handler
	stateHandlers map[device.Token]device.StateHandler
	nextToken     device.Token
	state         device.State
	sent          []device.Frame
	closeCount    int

	// Error simulation
	sendErr error
}

// Compile-time assertion that Link implements device.Link
var _ device.Link = (*Link)(nil)

// NewLink creates a connected fake link.
func NewLink() *Link {
	return &Link{
		handlers:      make(map[device.Token]device.Handler),
		stateHandlers: make(map[device.Token]device.StateHandler),
		state:         device.StateConnected,
	}
}

// Subscribe registers a sample handler.
func (l *Link) Subscribe(h device.Handler) device.Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextToken++
	l.handlers[l.nextToken] = h
	return l.nextToken
}

// WatchState registers a connectivity handler.
func (l *Link) WatchState(h device.StateHandler) device.Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextToken++
	l.stateHandlers[l.nextToken] = h
	return l.nextToken
}

// Unsubscribe removes a handler.
func (l *Link) Unsubscribe(t device.Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, t)
	delete(l.stateHandlers, t)
}

// State returns the simulated connectivity.
func (l *Link) State() device.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SetState simulates a connectivity transition.
func (l *Link) SetState(s device.State) {
	l.mu.Lock()
	if l.state == s {
		l.mu.Unlock()
		return
	}
	l.state = s
	watchers := make([]device.StateHandler, 0, len(l.stateHandlers))
	for _, h := range l.stateHandlers {
		watchers = append(watchers, h)
	}
	l.mu.Unlock()

	for _, h := range watchers {
		h(s)
	}
}

// Emit delivers a sample synchronously to all handlers in subscription order.
func (l *Link) Emit(s device.Sample) {
	l.mu.Lock()
	tokens := make([]device.Token, 0, len(l.handlers))
	for t := range l.handlers {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	handlers := make([]device.Handler, 0, len(tokens))
	for _, t := range tokens {
		handlers = append(handlers, l.handlers[t])
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(s.Copy())
	}
}

// Send records the frame.
func (l *Link) Send(ctx context.Context, f device.Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == device.StateClosed {
		return device.ErrClosed
	}
	if l.state != device.StateConnected {
		return device.ErrDisconnected
	}
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, f)
	return nil
}

// SetSendError makes subsequent Send calls fail.
func (l *Link) SetSendError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// Sent returns every frame written so far.
func (l *Link) Sent() []device.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]device.Frame(nil), l.sent...)
}

// Subscribers returns the number of live sample handlers.
func (l *Link) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// CloseCount reports how many times Close was called.
func (l *Link) CloseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCount
}

// Close marks the link closed.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closeCount++
	l.mu.Unlock()
	l.SetState(device.StateClosed)
	return nil
}
