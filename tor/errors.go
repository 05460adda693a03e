package tor

import (
	"errors"
	"fmt"
)

var (
	// errTCNotStarted is used when we want to make sure the tor controller
	// has started.
	errTCNotStarted = errors.New("tor controller must be started")

	// errTCStopped is used when we want to make sure the tor controller
	// has not stopped.
	errTCStopped = errors.New("tor controller must not be stopped")

	// errCodeNotMatch is used when an expected response code is not
	// returned.
	errCodeNotMatch = errors.New("unexpected code")

	// errConnClosed is the cause recorded when the reader sees the control
	// connection go away.
	errConnClosed = errors.New("control connection closed")
)

// ChannelError is returned when the control connection fails: the socket is
// closed, reading hits EOF, or Tor sends a line that cannot be framed. The
// Controller that returned it is unusable and must be replaced.
type ChannelError struct {
	// Op is the operation that failed, e.g. "dial", "read" or "write".
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("control channel %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ChannelError) Unwrap() error {
	return e.Err
}

// AuthError is returned when Tor rejects our credentials, or when no
// supported authentication method is available. Retrying will not help.
type AuthError struct {
	// Method is the authentication method that was attempted.
	Method string

	// Reason is Tor's reply text or a local description.
	Reason string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("tor authentication failed: %s", e.Reason)
	}

	return fmt.Sprintf("tor %s authentication failed: %s", e.Method,
		e.Reason)
}

// ReplyError is returned when Tor answers a command with a non-success
// status code. The connection itself remains usable.
type ReplyError struct {
	// Code is the three digit status code of the final reply line.
	Code int

	// Text is the text of the final reply line.
	Text string
}

// Error implements the error interface.
func (e *ReplyError) Error() string {
	return fmt.Sprintf("%v: %d %s", errCodeNotMatch, e.Code, e.Text)
}

// Unwrap lets callers match ReplyError with errors.Is(err, errCodeNotMatch).
func (e *ReplyError) Unwrap() error {
	return errCodeNotMatch
}
