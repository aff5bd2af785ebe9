package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrTimeout marks the absence of a response within the caller's deadline.
// Scanners treat it as a normal outcome; services may treat it as fatal.
var ErrTimeout = errors.New("timeout")

// ConnectionError means the medium is unreachable or the connection died.
// It is fatal for the run.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FramingError means a PDU could not be segmented or reassembled. It is
// recoverable at the request level.
type FramingError struct {
	Msg string
}

func (e *FramingError) Error() string { return "framing: " + e.Msg }

// UnsupportedSchemeError is a configuration error, fatal at startup.
type UnsupportedSchemeError struct {
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported target scheme %q", e.Scheme)
}

// wrapTimeout maps deadline expiry on a socket operation to ErrTimeout and
// wraps everything else with the operation name.
func wrapTimeout(op string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
