package device

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// TCPDialer connects to a serial-over-TCP bridge or the device simulator.
func TCPDialer(addr string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		return conn, nil
	}
}
