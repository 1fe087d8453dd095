// client/errors.go
package client

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect is returned when the broker cannot be reached within
	// TimeoutConfig.ConnectTimeout or refuses the handshake.
	ErrConnect = errors.New("client: connect failed")
	// ErrConnectionLost resolves requests which were pending when the
	// connection dropped or the client was closed.
	ErrConnectionLost = errors.New("client: connection lost")
	// ErrRequestTimeout resolves requests which got no reply within
	// TimeoutConfig.RequestTimeout.
	ErrRequestTimeout = errors.New("client: request timed out")
	// ErrProtocol marks a malformed frame or an unexpected message. It is
	// fatal for the connection it arrived on.
	ErrProtocol = errors.New("client: protocol error")
	// ErrBroker is matched by every *BrokerError.
	ErrBroker = errors.New("client: broker error")
	// ErrDuplicateSubscription is returned when registering a path and kind
	// which are already registered on this client.
	ErrDuplicateSubscription = errors.New("client: duplicate subscription")
	// ErrNotConnected is returned by one-shot operations invoked while the
	// client is not connected.
	ErrNotConnected = errors.New("client: not connected")
	// ErrTooManyPendingRequests is returned when no request id is free.
	ErrTooManyPendingRequests = errors.New("client: too many pending requests")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client: closed")
)

// BrokerError is an error reply from the broker.
type BrokerError struct {
	// Reason is the decoded error payload, usually a string.
	Reason any
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("client: broker error: %v", e.Reason)
}

func (e *BrokerError) Is(target error) bool {
	return target == ErrBroker
}

// ConnectError describes a failed connection attempt.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("client: connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect
}

// ProtocolError wraps a framing or decoding failure.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("client: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}
