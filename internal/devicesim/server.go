package devicesim

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/exo-hmi/hmi/internal/device"
)

// Server accepts HMI connections and streams telemetry to each of them.
type Server struct {
	config   *Config
	exo      *Exoskeleton
	listener net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
	applied uint64
	dropped uint64
}

// NewServer creates a simulator around exo.
func NewServer(cfg *Config, exo *Exoskeleton) *Server {
	return &Server{
		config: cfg,
		exo:    exo,
		conns:  make(map[net.Conn]struct{}),
		stop:   make(chan struct{}),
	}
}

// Listen binds the configured address. Addr is valid afterwards.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	s.listener = l
	log.Printf("devicesim: listening on %s", l.Addr())
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Listen
	}
	return s.listener.Addr().String()
}

// Serve runs the model clock and accepts connections until ctx ends or
// Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go s.clock(ctx)

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.stop:
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("devicesim: accept failed: %v", err)
			continue
		}

		if !s.track(conn) {
			log.Printf("devicesim: rejected %s (max %d connections)", conn.RemoteAddr(), s.config.MaxConnections)
			conn.Close()
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) clock(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.exo.Tick(now, s.config.Interval)
		}
	}
}

// track registers conn with the wait group. It fails once closed.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.conns) >= s.config.MaxConnections {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// handleConnection writes telemetry on a ticker and applies inbound frames.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	log.Printf("devicesim: client connected: %s", conn.RemoteAddr())
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.readFrames(conn)
	}()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			log.Printf("devicesim: client disconnected: %s", conn.RemoteAddr())
			return
		case <-s.stop:
			return
		case <-ticker.C:
			b, err := s.exo.Snapshot(s.config.NoErrorToken).Encode(s.config.Newline)
			if err != nil {
				log.Printf("devicesim: encode telemetry: %v", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.Interval * 4))
			if _, err := conn.Write(b); err != nil {
				return
			}
		}
	}
}

// readFrames parses "{...;}" frames until the connection closes.
func (s *Server) readFrames(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		raw, err := r.ReadBytes('}')
		if err != nil {
			return
		}
		f, err := device.ParseFrame(raw)
		if err != nil {
			s.count(false)
			log.Printf("devicesim: bad frame %q: %v", raw, err)
			continue
		}
		if err := s.exo.Apply(f); err != nil {
			s.count(false)
			log.Printf("devicesim: frame %s not applied: %v", f, err)
			continue
		}
		s.count(true)
	}
}

func (s *Server) count(applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if applied {
		s.applied++
	} else {
		s.dropped++
	}
}

// Stats returns how many frames were applied and dropped.
func (s *Server) Stats() (applied, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied, s.dropped
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, drops every connection and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}
