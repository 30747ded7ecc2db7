package device

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// defaultSerialReadTimeout lets the reader notice Close on a quiet line.
const defaultSerialReadTimeout = 200 * time.Millisecond

// SerialConfig describes the controller's UART.
type SerialConfig struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
}

// SerialDialer opens the UART on every (re)connect.
func SerialDialer(cfg SerialConfig) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		timeout := cfg.ReadTimeout
		if timeout <= 0 {
			timeout = defaultSerialReadTimeout
		}
		port, err := serial.OpenPort(&serial.Config{
			Name:        cfg.Port,
			Baud:        cfg.Baud,
			ReadTimeout: timeout,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "open serial port %s", cfg.Port)
		}
		return &serialConn{port: port}, nil
	}
}

// serialConn hides read timeouts from the line scanner: a timed-out read
// returns no data and no error, which bufio.Scanner would eventually treat
// as ErrNoProgress.
type serialConn struct {
	port   io.ReadWriteCloser
	closed atomic.Bool
}

func (c *serialConn) Read(p []byte) (int, error) {
	for {
		if c.closed.Load() {
			return 0, ErrClosed
		}
		n, err := c.port.Read(p)
		if n > 0 || err != nil {
			if err == io.EOF && n == 0 {
				// tarm/serial reports a read timeout as EOF on some platforms.
				continue
			}
			return n, err
		}
	}
}

func (c *serialConn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	return c.port.Write(p)
}

func (c *serialConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.port.Close()
}
