package device

import (
	"bufio"
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// maxLineBytes bounds a single telemetry line.
const maxLineBytes = 64 * 1024

// Dialer opens a fresh connection to the device.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// StreamLink implements Link over newline-framed byte streams.
//
// LOCK ORDERING:
// 1. l.mu - handlers, state, conn
// 2. l.writeMu - serialises frame writes
// Handlers are always invoked with no lock held.
type StreamLink struct {
	name    string
	dial    Dialer
	backoff Backoff

	mu            sync.RWMutex
	handlers      map[Token]Handler
	stateHandlers map[Token]StateHandler
	nextToken     Token
	state         State
	conn          io.ReadWriteCloser

	writeMu sync.Mutex

	malformed atomic.Uint64
	received  atomic.Uint64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Compile-time assertion that StreamLink implements Link
var _ Link = (*StreamLink)(nil)

// NewStreamLink creates a link; call Start to begin dialing.
func NewStreamLink(name string, dial Dialer, backoff Backoff) *StreamLink {
	return &StreamLink{
		name:          name,
		dial:          dial,
		backoff:       backoff,
		handlers:      make(map[Token]Handler),
		stateHandlers: make(map[Token]StateHandler),
		state:         StateConnecting,
		done:          make(chan struct{}),
	}
}

// Start launches the connect/read loop.
func (l *StreamLink) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

// run dials, reads until the connection drops, then backs off and redials.
// The backoff only resets once a connection has delivered a sample, so a peer
// that accepts and hangs up is paced like one that refuses.
func (l *StreamLink) run(ctx context.Context) {
	var delay time.Duration
	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := l.dial(ctx)
		if err != nil {
			delay = l.backoff.Next(delay)
			log.Printf("device link %s: dial failed: %v (retry in %v)", l.name, err, delay)
			l.setState(StateDisconnected)
			if !l.wait(ctx, delay) {
				return
			}
			continue
		}

		l.mu.Lock()
		if l.isClosed() {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		l.conn = conn
		l.mu.Unlock()
		l.setState(StateConnected)
		log.Printf("device link %s: connected", l.name)

		before := l.received.Load()
		err = l.readLoop(conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		_ = conn.Close()

		if l.isClosed() {
			return
		}
		if l.received.Load() > before {
			delay = 0
		}
		delay = l.backoff.Next(delay)
		log.Printf("device link %s: connection lost: %v (retry in %v)", l.name, err, delay)
		l.setState(StateDisconnected)
		if !l.wait(ctx, delay) {
			return
		}
	}
}

// wait sleeps for d. It reports false if the link closed or ctx ended first.
func (l *StreamLink) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// readLoop delivers one sample per telemetry object until the stream ends.
func (l *StreamLink) readLoop(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	scanner.Split(ScanSamples)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sample, err := DecodeSample(line, time.Now())
		if err != nil {
			l.malformed.Add(1)
			continue
		}
		l.received.Add(1)
		l.dispatch(sample)
	}

	if err := scanner.Err(); err != nil {
		return NormalizeLinkError(errors.Wrapf(err, "read %s", l.name))
	}
	return NormalizeLinkError(io.EOF)
}

// dispatch invokes handlers in subscription order.
func (l *StreamLink) dispatch(s Sample) {
	l.mu.RLock()
	tokens := make([]Token, 0, len(l.handlers))
	for t := range l.handlers {
		tokens = append(tokens, t)
	}
	handlers := make([]Handler, 0, len(tokens))
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	for _, t := range tokens {
		handlers = append(handlers, l.handlers[t])
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(s.Copy())
	}
}

// Subscribe registers a sample handler.
func (l *StreamLink) Subscribe(h Handler) Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextToken++
	l.handlers[l.nextToken] = h
	return l.nextToken
}

// WatchState registers a connectivity handler.
func (l *StreamLink) WatchState(h StateHandler) Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextToken++
	l.stateHandlers[l.nextToken] = h
	return l.nextToken
}

// Unsubscribe removes a handler.
func (l *StreamLink) Unsubscribe(t Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, t)
	delete(l.stateHandlers, t)
}

// State returns current connectivity.
func (l *StreamLink) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// setState records a transition and notifies watchers.
func (l *StreamLink) setState(s State) {
	l.mu.Lock()
	if l.state == s || l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = s
	watchers := make([]StateHandler, 0, len(l.stateHandlers))
	for _, h := range l.stateHandlers {
		watchers = append(watchers, h)
	}
	l.mu.Unlock()

	for _, h := range watchers {
		h(s)
	}
}

// Send writes a frame to the current connection.
func (l *StreamLink) Send(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	conn := l.conn
	state := l.state
	l.mu.RUnlock()

	if state == StateClosed {
		return ErrClosed
	}
	if conn == nil || state != StateConnected {
		return ErrDisconnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if dl, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if deadline, has := ctx.Deadline(); has {
			_ = dl.SetWriteDeadline(deadline)
			defer func() { _ = dl.SetWriteDeadline(time.Time{}) }()
		}
	}

	if _, err := conn.Write(f.Bytes()); err != nil {
		return NormalizeLinkError(errors.Wrapf(err, "write frame to %s", l.name))
	}
	return nil
}

// Stats returns counts of decoded and dropped lines.
func (l *StreamLink) Stats() (received, malformed uint64) {
	return l.received.Load(), l.malformed.Load()
}

// Close stops the loop and closes the connection.
func (l *StreamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)

		l.mu.Lock()
		if l.cancel != nil {
			l.cancel()
		}
		conn := l.conn
		l.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}
		l.wg.Wait()

		l.mu.Lock()
		l.state = StateClosed
		watchers := make([]StateHandler, 0, len(l.stateHandlers))
		for _, h := range l.stateHandlers {
			watchers = append(watchers, h)
		}
		l.handlers = make(map[Token]Handler)
		l.stateHandlers = make(map[Token]StateHandler)
		l.mu.Unlock()

		for _, h := range watchers {
			h(StateClosed)
		}
	})
	return err
}

func (l *StreamLink) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
