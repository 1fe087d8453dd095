package client

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/tomjnixon/go-eshet/pkg/clock"
	"github.com/tomjnixon/go-eshet/pkg/serial"
	"github.com/tomjnixon/go-eshet/pkg/transport"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
	defaultBackoffFactor  = 2.0
	defaultBackoffJitter  = 0.25

	// Keepalive values used by ESHET brokers.
	defaultIdlePing      = 15 * time.Second
	defaultServerTimeout = 30 * time.Second
	defaultPingTimeout   = 5 * time.Second

	defaultMaxPending = 4096
	maxRequestIDs     = 1 << 16

	protocolVersion = 1
)

// BackoffPolicy is the delay curve between reconnect attempts: Initial, then
// multiplied by Multiplier after every failed attempt up to Max. Each delay is
// stretched by a random fraction of up to Jitter of itself.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay returns the wait before reconnect attempt number attempt (from 0).
// rnd returns a number in [0, 1).
func (b BackoffPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt && d < float64(b.Max); i++ {
		d *= b.Multiplier
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 && rnd != nil {
		d += d * b.Jitter * rnd()
	}
	return time.Duration(d)
}

// TimeoutConfig governs every timed operation of a Client.
type TimeoutConfig struct {
	// ConnectTimeout bounds dialing and the handshake.
	ConnectTimeout time.Duration
	// RequestTimeout bounds the wait for the reply to any request.
	RequestTimeout time.Duration
	Backoff        BackoffPolicy

	// IdlePing is how long the connection may go without a sent frame before
	// a ping is sent.
	IdlePing time.Duration
	// ServerTimeout is announced to the broker in the handshake; the broker
	// drops the client after this long without a frame.
	ServerTimeout time.Duration
	// PingTimeout bounds the wait for a ping reply.
	PingTimeout time.Duration
}

// DefaultTimeouts returns the library defaults.
func DefaultTimeouts() TimeoutConfig {
	return TimeoutConfig{
		ConnectTimeout: defaultConnectTimeout,
		RequestTimeout: defaultRequestTimeout,
		Backoff: BackoffPolicy{
			Initial:    defaultBackoffInitial,
			Max:        defaultBackoffMax,
			Multiplier: defaultBackoffFactor,
			Jitter:     defaultBackoffJitter,
		},
		IdlePing:      defaultIdlePing,
		ServerTimeout: defaultServerTimeout,
		PingTimeout:   defaultPingTimeout,
	}
}

// Options contains configuration values for ConnectWithOptions.
type Options struct {
	Logger *slog.Logger
	// Base is the path relative paths are resolved against.
	Base string
	// ClientID is sent in the handshake; the broker may assign one, which is
	// then reused on every reconnect.
	ClientID   any
	Timeouts   TimeoutConfig
	MaxPending int
	// Dispatch picks the built-in strategy for running handlers. Strategy,
	// when set, overrides it.
	Dispatch   serial.Kind
	Strategy   serial.Strategy
	MetricSink metrics.MetricSink
	Clock      clock.Clock
	Dialer     transport.Dialer
	// Rand returns a number in [0, 1) for backoff jitter.
	Rand func() float64
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:     slog.Default(),
		Base:       "/",
		Timeouts:   DefaultTimeouts(),
		MaxPending: defaultMaxPending,
		Dispatch:   serial.KindSerialPerKey,
		MetricSink: &metrics.BlackholeSink{},
		Clock:      clock.Real,
		Dialer:     &transport.DefaultDialer{},
		Rand:       rand.Float64,
	}
}

// normalize fills zero values with defaults.
func (o *Options) normalize() {
	def := DefaultOptions()
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	if o.Base == "" {
		o.Base = def.Base
	}
	t := &o.Timeouts
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = def.Timeouts.ConnectTimeout
	}
	if t.RequestTimeout <= 0 {
		t.RequestTimeout = def.Timeouts.RequestTimeout
	}
	if t.Backoff.Initial <= 0 {
		t.Backoff.Initial = def.Timeouts.Backoff.Initial
	}
	if t.Backoff.Max < t.Backoff.Initial {
		t.Backoff.Max = max(def.Timeouts.Backoff.Max, t.Backoff.Initial)
	}
	if t.Backoff.Multiplier < 1 {
		t.Backoff.Multiplier = def.Timeouts.Backoff.Multiplier
	}
	if t.Backoff.Jitter < 0 {
		t.Backoff.Jitter = 0
	}
	if t.IdlePing <= 0 {
		t.IdlePing = def.Timeouts.IdlePing
	}
	if t.ServerTimeout <= 0 {
		t.ServerTimeout = def.Timeouts.ServerTimeout
	}
	if t.PingTimeout <= 0 {
		t.PingTimeout = def.Timeouts.PingTimeout
	}
	if o.MaxPending <= 0 {
		o.MaxPending = def.MaxPending
	}
	if o.MaxPending > maxRequestIDs {
		o.MaxPending = maxRequestIDs
	}
	if o.MetricSink == nil {
		o.MetricSink = def.MetricSink
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	if o.Dialer == nil {
		o.Dialer = def.Dialer
	}
	if o.Rand == nil {
		o.Rand = def.Rand
	}
}

// Option configures a Client.
type Option func(*Options)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithBase sets the path relative paths are resolved against.
func WithBase(base string) Option {
	return func(o *Options) {
		o.Base = base
	}
}

// WithClientID sets the client id announced in the handshake.
func WithClientID(id any) Option {
	return func(o *Options) {
		o.ClientID = id
	}
}

// WithTimeouts replaces the whole timeout configuration. Zero fields take
// their defaults.
func WithTimeouts(t TimeoutConfig) Option {
	return func(o *Options) {
		o.Timeouts = t
	}
}

// WithRequestTimeout sets TimeoutConfig.RequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeouts.RequestTimeout = d
		}
	}
}

// WithBackoff sets the reconnect backoff policy.
func WithBackoff(b BackoffPolicy) Option {
	return func(o *Options) {
		o.Timeouts.Backoff = b
	}
}

// WithMaxPending caps the number of requests awaiting a reply.
func WithMaxPending(n int) Option {
	return func(o *Options) {
		o.MaxPending = n
	}
}

// WithDispatch selects a built-in handler dispatch strategy.
func WithDispatch(kind serial.Kind) Option {
	return func(o *Options) {
		o.Dispatch = kind
	}
}

// WithStrategy installs a custom handler dispatch strategy.
func WithStrategy(s serial.Strategy) Option {
	return func(o *Options) {
		o.Strategy = s
	}
}

// WithMetricSink chooses how the metrics emitted by the client are collected.
// nil discards them.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(o *Options) {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		o.MetricSink = ms
	}
}

// WithClock replaces the clock used for timeouts, keepalive and backoff.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithDialer replaces the transport dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *Options) {
		o.Dialer = d
	}
}
