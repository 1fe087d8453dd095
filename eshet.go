// eshet.go
package eshet

import (
	"context"

	"github.com/tomjnixon/go-eshet/pkg/client"
	"github.com/tomjnixon/go-eshet/pkg/serial"
	"github.com/tomjnixon/go-eshet/pkg/wire"
)

// Re-export core types
type (
	Client          = client.Client
	Options         = client.Options
	Option          = client.Option
	TimeoutConfig   = client.TimeoutConfig
	BackoffPolicy   = client.BackoffPolicy
	ConnectionState = client.ConnectionState
	Subscription    = client.Subscription
	State           = client.State
	Event           = client.Event
	Value           = wire.StateValue

	StateHandler  = client.StateHandler
	EventHandler  = client.EventHandler
	ActionHandler = client.ActionHandler
	SetHandler    = client.SetHandler
	GetHandler    = client.GetHandler

	BrokerError   = client.BrokerError
	ConnectError  = client.ConnectError
	ProtocolError = client.ProtocolError
)

// Re-export error types
var (
	ErrConnect                = client.ErrConnect
	ErrConnectionLost         = client.ErrConnectionLost
	ErrRequestTimeout         = client.ErrRequestTimeout
	ErrProtocol               = client.ErrProtocol
	ErrBroker                 = client.ErrBroker
	ErrDuplicateSubscription  = client.ErrDuplicateSubscription
	ErrNotConnected           = client.ErrNotConnected
	ErrTooManyPendingRequests = client.ErrTooManyPendingRequests
	ErrClosed                 = client.ErrClosed
)

const (
	Disconnected = client.Disconnected
	Connecting   = client.Connecting
	Connected    = client.Connected
	Closing      = client.Closing

	DispatchSerialPerKey = serial.KindSerialPerKey
	DispatchParallel     = serial.KindParallel
)

// Unknown is the value of a state nobody has published.
var Unknown = wire.Unknown

// Known wraps v as a state value.
func Known(v any) Value {
	return wire.Known(v)
}

// Connect connects to the broker at endpoint; see client.Connect.
func Connect(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	return client.Connect(ctx, endpoint, opts...)
}

// New creates a client which connects in the background; see client.New.
func New(endpoint string, opts ...Option) (*Client, error) {
	return client.New(endpoint, opts...)
}

// DefaultOptions returns default options for ConnectWithOptions.
func DefaultOptions() Options {
	return client.DefaultOptions()
}

func ConnectWithOptions(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	return client.ConnectWithOptions(ctx, endpoint, opts)
}

// DefaultTimeouts returns the default timeout configuration.
func DefaultTimeouts() TimeoutConfig {
	return client.DefaultTimeouts()
}

var (
	WithLogger         = client.WithLogger
	WithBase           = client.WithBase
	WithClientID       = client.WithClientID
	WithTimeouts       = client.WithTimeouts
	WithRequestTimeout = client.WithRequestTimeout
	WithBackoff        = client.WithBackoff
	WithMaxPending     = client.WithMaxPending
	WithDispatch       = client.WithDispatch
	WithStrategy       = client.WithStrategy
	WithMetricSink     = client.WithMetricSink
	WithClock          = client.WithClock
	WithDialer         = client.WithDialer
)
