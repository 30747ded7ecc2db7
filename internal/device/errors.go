package device

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Normalized link errors.
var (
	ErrDisconnected   = errors.New("DISCONNECTED")
	ErrClosed         = errors.New("LINK_CLOSED")
	ErrMalformedFrame = errors.New("MALFORMED_FRAME")
	ErrFrameTooLarge  = errors.New("FRAME_TOO_LARGE")
	ErrInvalidSection = errors.New("INVALID_SECTION")
)

// LinkError wraps a transport error with its normalized code.
type LinkError struct {
	Code     error
	Original error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%v (transport: %v)", e.Code, e.Original)
}

func (e *LinkError) Unwrap() error {
	return e.Code
}

// NormalizeLinkError maps transport errors onto ErrClosed (the local end
// was closed) or ErrDisconnected (anything else: EOF, reset, unplugged
// cable, I/O errors).
func NormalizeLinkError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrDisconnected) {
		return err
	}

	code := ErrDisconnected
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed") {
		code = ErrClosed
	}

	return &LinkError{Code: code, Original: err}
}
