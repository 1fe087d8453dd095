// Package client implements an ESHET client: one persistent connection to a
// broker carrying state observation, events and remote actions, re-established
// with backoff whenever it drops.
//
// Registrations (observations, listeners, registered states, actions, events
// and properties) outlive connections: they are replayed in registration order
// on every reconnect before any handler is called. One-shot operations (Get,
// StateSet, EventEmit, ActionCall) fail with ErrNotConnected while no
// connection is up.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/tomjnixon/go-eshet/pkg/clock"
	"github.com/tomjnixon/go-eshet/pkg/serial"
	"github.com/tomjnixon/go-eshet/pkg/transport"
	"github.com/tomjnixon/go-eshet/pkg/wire"
)

// Client is a connection to an ESHET broker. It is safe for concurrent use.
type Client struct {
	opts     Options
	endpoint transport.Endpoint
	log      *slog.Logger
	clock    clock.Clock
	msink    metrics.MetricSink
	labels   []metrics.Label

	mux      *mux
	reg      *registry
	strategy serial.Strategy
	watch    *stateWatch

	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	first     chan error
	firstOnce sync.Once
	closeOnce sync.Once

	gen      atomic.Uint64
	lastSend atomic.Int64

	stateMu  sync.Mutex
	state    ConnectionState
	current  *connection
	clientID any
}

// Connect creates a client and waits for its first connection attempt. If
// that attempt fails the client is closed and the error returned; otherwise
// the client keeps itself connected until Close. An empty endpoint is taken
// from the ESHET_SERVER environment variable.
func Connect(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return ConnectWithOptions(ctx, endpoint, o)
}

// ConnectWithOptions is Connect with an Options struct.
func ConnectWithOptions(ctx context.Context, endpoint string, o Options) (*Client, error) {
	c, err := NewWithOptions(endpoint, o)
	if err != nil {
		return nil, err
	}
	select {
	case err := <-c.first:
		if err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// New creates a client which connects in the background. Registrations made
// before the connection is up are sent once it is.
func New(endpoint string, opts ...Option) (*Client, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return NewWithOptions(endpoint, o)
}

// NewWithOptions is New with an Options struct.
func NewWithOptions(endpoint string, o Options) (*Client, error) {
	o.normalize()
	if endpoint == "" {
		endpoint = transport.FromEnv()
	}
	ep, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(o.Base, "/") {
		o.Base = "/" + o.Base
	}

	c := &Client{
		opts:     o,
		endpoint: ep,
		log:      o.Logger.With(LabelEndpoint.L(ep.String())),
		clock:    o.Clock,
		msink:    o.MetricSink,
		labels:   []metrics.Label{LabelEndpoint.M(ep.String())},
		reg:      newRegistry(),
		watch:    newStateWatch(),
		loopDone: make(chan struct{}),
		first:    make(chan error, 1),
		clientID: o.ClientID,
	}
	c.mux = newMux(o.Clock, o.MaxPending, c.log, o.MetricSink, c.labels)
	c.strategy = o.Strategy
	if c.strategy == nil {
		c.strategy = serial.New(o.Dispatch, c.handlerFailed)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.run()
	return c, nil
}

func (c *Client) handlerFailed(path string, err error) {
	c.msink.IncrCounterWithLabels(MetricHandlerErrorCount, 1, append(c.labels, LabelPath.M(path)))
	c.log.Error("handler failed", LabelPath.L(path), LabelError.L(err))
}

func (c *Client) reportFirst(err error) {
	c.firstOnce.Do(func() { c.first <- err })
}

func (c *Client) setState(s ConnectionState) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.setStateLocked(s)
}

// setStateLocked moves to s unless the client is closing.
func (c *Client) setStateLocked(s ConnectionState) bool {
	if c.state == Closing {
		return false
	}
	if c.state != s {
		c.log.Debug("connection state", LabelState.L(s))
		c.state = s
		c.watch.publish(s)
	}
	return true
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Connected reports whether the client is connected and every registration
// has been replayed.
func (c *Client) Connected() bool {
	return c.State() == Connected
}

// ClientID returns the id the broker knows this client by, if any.
func (c *Client) ClientID() any {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.clientID
}

// WatchState returns a channel receiving every connection state transition
// until ctx is done or the client is closed.
func (c *Client) WatchState(ctx context.Context) <-chan ConnectionState {
	return c.watch.watch(ctx)
}

// WaitForConnection blocks until the client is connected.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := c.WatchState(ctx)

	switch c.State() {
	case Connected:
		return nil
	case Closing:
		return ErrClosed
	}
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return ErrClosed
			}
			switch s {
			case Connected:
				return nil
			case Closing:
				return ErrClosed
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops reconnecting and closes the connection. Pending requests fail
// with ErrConnectionLost; handlers already running are left to finish.
func (c *Client) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		err = nil
		c.log.Info("closing client")
		c.setState(Closing)
		c.cancel()
		<-c.loopDone
		c.mux.detach(fmt.Errorf("%w: %v", ErrConnectionLost, ErrClosed))
		if cl, ok := c.strategy.(serial.Closer); ok {
			cl.Close()
		}
		c.watch.shutdown()
	})
	return err
}

// resolvePath makes p absolute against the configured base.
func (c *Client) resolvePath(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return path.Join(c.opts.Base, p)
}

// request sends m with a fresh id and waits for the reply. With a nil cc it
// goes to whichever connection is attached.
func (c *Client) request(ctx context.Context, cc *connection, m wire.Message) (*wire.Message, error) {
	var gen uint64
	if cc != nil {
		gen = cc.gen
	}
	p, err := c.mux.request(gen, func(id uint16) *wire.Message {
		m.ID = id
		return &m
	}, c.opts.Timeouts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return c.mux.wait(ctx, p)
}

// call is request for one-shot operations, which need a live connection.
func (c *Client) call(ctx context.Context, m wire.Message) (*wire.Message, error) {
	switch c.State() {
	case Connected:
	case Closing:
		return nil, ErrClosed
	default:
		return nil, ErrNotConnected
	}
	return c.request(ctx, nil, m)
}

func stateOf(reply *wire.Message) wire.StateValue {
	if reply.Tag == wire.TagReplyState {
		return reply.State
	}
	return wire.Known(reply.Value)
}

// register sends the registration for e on cc. During a replay, a changed
// observed value is dispatched to the observers.
func (c *Client) register(ctx context.Context, cc *connection, e *entry, replay bool) error {
	reply, err := c.request(ctx, cc, wire.Message{Tag: e.kind.tag(), Path: e.path})
	if err != nil {
		return err
	}

	switch e.kind {
	case KindStateObserve:
		v := stateOf(reply)
		c.notifyObservers(cc, e, c.reg.observe(e, v, replay), v)
	case KindStateRegister:
		return c.publish(ctx, cc, e)
	}
	return nil
}

// publish sends the owned value of a registered state. An Unknown value is
// not sent right after registering, since the broker starts there.
func (c *Client) publish(ctx context.Context, cc *connection, e *entry) error {
	v, fresh := c.reg.beginPublish(e, cc.gen)
	val, known := v.Get()
	if !known && fresh {
		return nil
	}
	m := wire.Message{Tag: wire.TagStateUnknown, Path: e.path}
	if known {
		m = wire.Message{Tag: wire.TagStateChanged, Path: e.path, Value: val}
	}
	_, err := c.request(ctx, cc, m)
	return err
}

// add stores a registration and sends it if connected. While disconnected it
// is queued for the next connection. A rejected registration is rolled back.
func (c *Client) add(ctx context.Context, e *entry) (*entry, error) {
	c.stateMu.Lock()
	if c.state == Closing {
		c.stateMu.Unlock()
		return nil, ErrClosed
	}
	got, created, err := c.reg.add(e)
	if err != nil || !created {
		c.stateMu.Unlock()
		return got, err
	}
	cc := c.current
	if cc != nil {
		c.reg.markSent(got, cc.gen)
	}
	c.stateMu.Unlock()

	if cc == nil {
		c.log.Debug("registration queued until connected", LabelPath.L(e.path), "kind", e.kind)
		return got, nil
	}

	err = c.register(ctx, cc, got, false)
	switch {
	case err == nil:
		return got, nil
	case errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected):
		// Replayed on the next connection.
		return got, nil
	default:
		// The broker may hold a registration it was not seen to refuse, so
		// it is withdrawn before the entry can be registered again.
		if !errors.Is(err, ErrTooManyPendingRequests) && (!errors.Is(err, ErrBroker) || got.kind == KindStateRegister) {
			c.withdraw(cc, got)
		}
		c.reg.remove(got)
		c.drain(got.path)
		return nil, err
	}
}

// withdraw sends an unregister for e on cc without waiting for the reply.
func (c *Client) withdraw(cc *connection, e *entry) {
	p, err := c.mux.request(cc.gen, func(id uint16) *wire.Message {
		return &wire.Message{Tag: wire.TagUnregister, ID: id, Registration: e.kind.tag(), Path: e.path}
	}, c.opts.Timeouts.RequestTimeout)
	if err != nil {
		return
	}
	go func() {
		if _, err := c.mux.wait(c.ctx, p); err != nil {
			c.log.Debug("withdrawing abandoned registration failed", LabelPath.L(e.path), LabelError.L(err))
		}
	}()
}

// remove withdraws a registration from the registry and, if it was sent on
// the current connection, from the broker.
func (c *Client) remove(ctx context.Context, e *entry, o *observer) error {
	c.stateMu.Lock()
	if !c.reg.release(e, o) {
		c.stateMu.Unlock()
		return nil
	}
	cc := c.current
	sent := cc != nil && c.reg.sentOn(e, cc.gen)
	c.stateMu.Unlock()

	c.drain(e.path)
	if !sent {
		return nil
	}
	_, err := c.request(ctx, cc, wire.Message{Tag: wire.TagUnregister, Registration: e.kind.tag(), Path: e.path})
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// drain drops queued handler calls for path once nothing is registered there.
func (c *Client) drain(path string) {
	d, ok := c.strategy.(serial.Drainer)
	if !ok || c.reg.hasPath(path) {
		return
	}
	if n := d.Drain(path); n > 0 {
		c.log.Debug("dropped queued handler calls", LabelPath.L(path), "count", n)
	}
}
