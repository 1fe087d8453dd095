// client/api.go
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/tomjnixon/go-eshet/pkg/wire"
)

// Subscription is a registration made through a Client. It is kept across
// reconnects until removed.
type Subscription struct {
	c   *Client
	e   *entry
	obs *observer

	once sync.Once
	err  error
}

// Path is the absolute path of the registration.
func (s *Subscription) Path() string { return s.e.path }

func (s *Subscription) Kind() Kind { return s.e.kind }

// Value is the last observed value of a state observation, or the owned value
// of a registered state. It is Unknown while disconnected.
func (s *Subscription) Value() wire.StateValue {
	return s.c.reg.value(s.e)
}

// Remove withdraws the registration. Handler calls queued for the path but not
// yet started are dropped once nothing else is registered there.
func (s *Subscription) Remove(ctx context.Context) error {
	s.once.Do(func() {
		s.err = s.c.remove(ctx, s.e, s.obs)
	})
	return s.err
}

// State is a state owned by this client.
type State struct {
	*Subscription
}

// Changed publishes a new value. While disconnected the value is kept and
// published after the next reconnect.
func (s *State) Changed(ctx context.Context, v any) error {
	return s.publish(ctx, wire.Known(v))
}

// SetUnknown publishes that the state has no value.
func (s *State) SetUnknown(ctx context.Context) error {
	return s.publish(ctx, wire.Unknown)
}

func (s *State) publish(ctx context.Context, v wire.StateValue) error {
	c := s.c
	c.reg.setValue(s.e, v)

	c.stateMu.Lock()
	cc := c.current
	sent := cc != nil && c.reg.sentOn(s.e, cc.gen)
	c.stateMu.Unlock()
	if !sent {
		return nil
	}

	err := c.publish(ctx, cc, s.e)
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Event is an event registered by this client.
type Event struct {
	*Subscription
}

// Emit sends an event to every listener.
func (e *Event) Emit(ctx context.Context, payload any) error {
	return e.c.EventEmit(ctx, e.e.path, payload)
}

// StateObserve starts observing the state at path. It returns the current
// value; handler is called with every later change. While disconnected the
// observation is queued and the returned value is Unknown.
func (c *Client) StateObserve(ctx context.Context, path string, handler StateHandler) (*Subscription, wire.StateValue, error) {
	o := &observer{h: handler}
	e, err := c.add(ctx, &entry{
		path:      c.resolvePath(path),
		kind:      KindStateObserve,
		observers: []*observer{o},
	})
	if err != nil {
		return nil, wire.Unknown, err
	}
	return &Subscription{c: c, e: e, obs: o}, c.reg.value(e), nil
}

// StateRegister registers a state owned by this client with an initial value,
// which may be Unknown.
func (c *Client) StateRegister(ctx context.Context, path string, initial wire.StateValue) (*State, error) {
	return c.stateRegister(ctx, path, initial, nil)
}

// StateRegisterSetEvent is StateRegister for a state which other clients may
// set through StateSet; onSet is called with each requested value.
func (c *Client) StateRegisterSetEvent(ctx context.Context, path string, initial wire.StateValue, onSet SetHandler) (*State, error) {
	return c.stateRegister(ctx, path, initial, onSet)
}

func (c *Client) stateRegister(ctx context.Context, path string, initial wire.StateValue, onSet SetHandler) (*State, error) {
	e, err := c.add(ctx, &entry{
		path:  c.resolvePath(path),
		kind:  KindStateRegister,
		value: initial,
		onSet: onSet,
	})
	if err != nil {
		return nil, err
	}
	return &State{&Subscription{c: c, e: e}}, nil
}

// StateSet asks the owner of a settable state to change it.
func (c *Client) StateSet(ctx context.Context, path string, v any) error {
	_, err := c.call(ctx, wire.Message{Tag: wire.TagSet, Path: c.resolvePath(path), Value: v})
	return err
}

// Get returns the current value of a state or property.
func (c *Client) Get(ctx context.Context, path string) (wire.StateValue, error) {
	reply, err := c.call(ctx, wire.Message{Tag: wire.TagGet, Path: c.resolvePath(path)})
	if err != nil {
		return wire.Unknown, err
	}
	return stateOf(reply), nil
}

// EventListen calls handler with the payload of every event emitted at path.
func (c *Client) EventListen(ctx context.Context, path string, handler EventHandler) (*Subscription, error) {
	e, err := c.add(ctx, &entry{
		path:    c.resolvePath(path),
		kind:    KindEventListen,
		onEvent: handler,
	})
	if err != nil {
		return nil, err
	}
	return &Subscription{c: c, e: e}, nil
}

// EventEmit emits an event at path.
func (c *Client) EventEmit(ctx context.Context, path string, payload any) error {
	_, err := c.call(ctx, wire.Message{Tag: wire.TagEventEmit, Path: c.resolvePath(path), Value: payload})
	return err
}

// EventRegister claims path as an event emitted by this client.
func (c *Client) EventRegister(ctx context.Context, path string) (*Event, error) {
	e, err := c.add(ctx, &entry{
		path: c.resolvePath(path),
		kind: KindEventRegister,
	})
	if err != nil {
		return nil, err
	}
	return &Event{&Subscription{c: c, e: e}}, nil
}

// ActionRegister serves calls to path with handler. The handler's result, or
// its error, is sent back to the caller.
func (c *Client) ActionRegister(ctx context.Context, path string, handler ActionHandler) (*Subscription, error) {
	e, err := c.add(ctx, &entry{
		path:   c.resolvePath(path),
		kind:   KindActionRegister,
		onCall: handler,
	})
	if err != nil {
		return nil, err
	}
	return &Subscription{c: c, e: e}, nil
}

// ActionCall calls the action at path and returns its result. An error
// returned by the remote handler is a *BrokerError.
func (c *Client) ActionCall(ctx context.Context, path string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	reply, err := c.call(ctx, wire.Message{Tag: wire.TagActionCall, Path: c.resolvePath(path), Value: args})
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// PropRegister serves a property at path: get answers reads and set, which may
// be nil for a read-only property, answers writes.
func (c *Client) PropRegister(ctx context.Context, path string, get GetHandler, set SetHandler) (*Subscription, error) {
	e, err := c.add(ctx, &entry{
		path:  c.resolvePath(path),
		kind:  KindPropRegister,
		onGet: get,
		onSet: set,
	})
	if err != nil {
		return nil, err
	}
	return &Subscription{c: c, e: e}, nil
}
