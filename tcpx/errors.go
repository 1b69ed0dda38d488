package tcpx

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"
)

var (
	ErrDisposed    = errors.New("tcpx: connection disposed")
	ErrGroupClosed = errors.New("tcpx: worker group closed")
	ErrReceiving   = errors.New("tcpx: inbound already receiving")
)

// TimeoutError is returned by the blocking BindNow/DisposeNow entry
// points when the underlying asynchronous operation does not complete
// within the configured duration.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tcpx: %s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) IsTimeout() bool { return true }

// HandshakeError marks a proxy-tunnel or TLS handshake failure. It is
// fatal to the connection attempt and distinguishable from errors
// raised after the connection became active.
type HandshakeError struct {
	Stage string
	Cause error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tcpx: %s handshake failed: %v", e.Stage, e.Cause)
}

func (e *HandshakeError) Unwrap() error { return e.Cause }

// IsConnectionReset reports whether err indicates the peer abruptly
// reset the connection.
func IsConnectionReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "forcibly closed by the remote host")
}
