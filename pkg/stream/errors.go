package stream

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-sightline/pkg/transport"
)

// Sentinel errors for the stream package.
var (
	// ErrNotConnected is returned by Send while no link is established.
	ErrNotConnected = errors.New("stream: not connected")

	// ErrAlreadyConnected is returned by Connect outside Idle or Failed.
	ErrAlreadyConnected = errors.New("stream: already connected or connecting")

	// ErrClosed is returned once the connection has been closed.
	ErrClosed = errors.New("stream: closed")

	// ErrNoEndpoint is returned by Reconnect before any Connect.
	ErrNoEndpoint = errors.New("stream: no endpoint")

	// ErrExhaustedReconnect is the terminal failure surfaced to the UI
	// after the configured number of consecutive connect failures.
	ErrExhaustedReconnect = errors.New("stream: reconnect attempts exhausted")
)

// ConnectError reports that no transport could establish a link.
type ConnectError struct {
	URL     string
	Attempt int
	Err     error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("stream: connect %s (attempt %d): %v", e.URL, e.Attempt, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// DisconnectError reports a mid-session drop of an established link.
type DisconnectError struct {
	Kind transport.Kind
	Err  error
}

// Error implements the error interface.
func (e *DisconnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stream: %s link lost", e.Kind)
	}
	return fmt.Sprintf("stream: %s link lost: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is handled by automatic reconnection.
func IsTransient(err error) bool {
	var ce *ConnectError
	var de *DisconnectError
	return errors.As(err, &ce) || errors.As(err, &de)
}
