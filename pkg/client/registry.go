// client/registry.go
package client

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tomjnixon/go-eshet/pkg/wire"
)

// Kind is the kind of a registry entry.
type Kind int

const (
	KindStateObserve Kind = iota
	KindEventListen
	KindStateRegister
	KindActionRegister
	KindEventRegister
	KindPropRegister
)

func (k Kind) String() string {
	switch k {
	case KindStateObserve:
		return "state-observe"
	case KindEventListen:
		return "event-listen"
	case KindStateRegister:
		return "state-register"
	case KindActionRegister:
		return "action-register"
	case KindEventRegister:
		return "event-register"
	case KindPropRegister:
		return "prop-register"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// tag is the message which registers an entry of this kind with the broker.
func (k Kind) tag() wire.Tag {
	switch k {
	case KindStateObserve:
		return wire.TagStateObserve
	case KindEventListen:
		return wire.TagEventListen
	case KindStateRegister:
		return wire.TagStateRegister
	case KindActionRegister:
		return wire.TagActionRegister
	case KindEventRegister:
		return wire.TagEventRegister
	default:
		return wire.TagPropRegister
	}
}

// StateHandler is called with each new value of an observed state.
type StateHandler func(ctx context.Context, v wire.StateValue) error

// EventHandler is called with the payload of each event.
type EventHandler func(ctx context.Context, payload any) error

// ActionHandler answers a call to a registered action. A returned error is
// sent to the caller as an error reply.
type ActionHandler func(ctx context.Context, args []any) (any, error)

// SetHandler answers a request to set a settable state or property.
type SetHandler func(ctx context.Context, v any) error

// GetHandler answers a request for the value of a property.
type GetHandler func(ctx context.Context) (any, error)

type observer struct {
	h StateHandler
}

type regKey struct {
	path string
	kind Kind
}

// entry is one registration. Fields below the key are guarded by
// registry.mu.
type entry struct {
	path string
	kind Kind

	// sentGen is the connection generation the registration was last sent
	// on; zero means never.
	sentGen uint64

	observers []*observer
	onEvent   EventHandler
	onCall    ActionHandler
	onSet     SetHandler
	onGet     GetHandler

	// value is the cached observed value for KindStateObserve and the owned
	// value for KindStateRegister.
	value wire.StateValue
	// seen is the last observed value handed to observers.
	seen wire.StateValue
	// published is the owned value last published on connection pubGen.
	published wire.StateValue
	pubGen    uint64
}

// registry holds every registration in the order it was made, so that it can
// be replayed after a reconnect.
type registry struct {
	mu      sync.Mutex
	entries []*entry
	index   map[regKey]*entry
}

func newRegistry() *registry {
	return &registry{index: make(map[regKey]*entry)}
}

// add stores e. Only state observations may share a path, and they share one
// entry: the existing entry is returned with added false.
func (r *registry) add(e *entry) (*entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := regKey{e.path, e.kind}
	if existing, ok := r.index[key]; ok {
		if e.kind != KindStateObserve {
			return nil, false, fmt.Errorf("%w: %s %s", ErrDuplicateSubscription, e.kind, e.path)
		}
		existing.observers = append(existing.observers, e.observers...)
		return existing, false, nil
	}
	r.index[key] = e
	r.entries = append(r.entries, e)
	return e, true, nil
}

func (r *registry) lookup(path string, kind Kind) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index[regKey{path, kind}]
}

func (r *registry) contains(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index[regKey{e.path, e.kind}] == e
}

// remove drops e, reporting whether it was present.
func (r *registry) remove(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(e)
}

// release detaches o from e, if given, and drops e once it has no observers
// left. It reports whether e was dropped.
func (r *registry) release(e *entry, o *observer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o != nil {
		e.observers = slices.DeleteFunc(e.observers, func(x *observer) bool { return x == o })
		if len(e.observers) > 0 {
			return false
		}
	}
	return r.removeLocked(e)
}

func (r *registry) removeLocked(e *entry) bool {
	key := regKey{e.path, e.kind}
	if r.index[key] != e {
		return false
	}
	delete(r.index, key)
	r.entries = slices.DeleteFunc(r.entries, func(o *entry) bool { return o == e })
	return true
}

// hasPath reports whether any entry for path remains.
func (r *registry) hasPath(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.path == path {
			return true
		}
	}
	return false
}

// unsent returns the entries not yet sent on connection generation gen, and
// owned states whose value changed since they were last published on it.
func (r *registry) unsent(gen uint64) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entry
	for _, e := range r.entries {
		if e.sentGen != gen || e.kind == KindStateRegister && e.stalePublishLocked(gen) {
			out = append(out, e)
		}
	}
	return out
}

func (e *entry) stalePublishLocked(gen uint64) bool {
	return e.pubGen != gen || !e.published.Equal(e.value)
}

// markSent records that e is being sent on gen and reports whether it had
// already been.
func (r *registry) markSent(e *entry, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	already := e.sentGen == gen
	e.sentGen = gen
	return already
}

func (r *registry) sentOn(e *entry, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.sentGen == gen
}

// beginPublish records the owned value of e as published on gen and returns
// it, with fresh set when nothing had been published on gen before.
func (r *registry) beginPublish(e *entry, gen uint64) (wire.StateValue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fresh := e.pubGen != gen
	e.published = e.value
	e.pubGen = gen
	return e.value, fresh
}

// resetObserved forgets every observed value.
func (r *registry) resetObserved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.kind == KindStateObserve {
			e.value = wire.Unknown
		}
	}
}

func (r *registry) value(e *entry) wire.StateValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.value
}

func (r *registry) setValue(e *entry, v wire.StateValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.value = v
}

// observe records v as the current observed value of e. When notify is set
// and v differs from what observers last saw, it returns the observers to
// call.
func (r *registry) observe(e *entry, v wire.StateValue, notify bool) []*observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.value = v
	if !notify {
		e.seen = v
		return nil
	}
	if v.Equal(e.seen) {
		return nil
	}
	e.seen = v
	return slices.Clone(e.observers)
}

// push records a value pushed by the broker and returns the observers to
// call. Every push is delivered, even a repeat.
func (r *registry) push(e *entry, v wire.StateValue) []*observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.value = v
	e.seen = v
	return slices.Clone(e.observers)
}
