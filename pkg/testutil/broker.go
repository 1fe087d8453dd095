// Package testutil provides common test utilities for the go-eshet library.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/tomjnixon/go-eshet/pkg/wire"
	"golang.org/x/sync/errgroup"
)

var (
	// Default logger for tests
	defaultSlogHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	DefaultLogger = slog.New(defaultSlogHandler)
)

// Received is a message the broker got from a client connection.
type Received struct {
	// Conn numbers the connection, starting at 1, in accept order.
	Conn int
	Msg  *wire.Message
}

// Broker is an in-process ESHET broker speaking the real wire protocol over
// loopback TCP (and, on request, websockets). It keeps states, observers,
// listeners and registrations like a real broker, records every message it
// receives, and can drop connections on demand.
type Broker struct {
	T   *testing.T
	log *slog.Logger
	ln  net.Listener
	ws  *httptest.Server

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu        sync.Mutex
	onMessage func(conn int, m *wire.Message) bool
	conns     map[int]*brokerConn
	nextConn  int
	nextID    int
	paused    bool
	received  []Received
	states    map[string]*brokerState
	owners    map[ownerKey]*brokerConn
	observers map[string][]*brokerConn
	listeners map[string][]*brokerConn
	relays    map[relayKey]relay
}

type brokerConn struct {
	n      int
	conn   net.Conn
	w      *wire.Writer
	nextID uint16
}

type brokerState struct {
	owner *brokerConn
	value wire.StateValue
}

type ownerKey struct {
	tag  wire.Tag
	path string
}

type relayKey struct {
	conn int
	id   uint16
}

// relay is a request forwarded to a registering client, waiting for its reply.
type relay struct {
	origin  *brokerConn
	id      uint16
	asState bool
}

// NewBroker starts a broker on a loopback port. It is closed when the test
// finishes.
func NewBroker(t *testing.T) *Broker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("testutil: listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	b := &Broker{
		T:         t,
		log:       DefaultLogger.With("component", "broker"),
		ln:        ln,
		ctx:       ctx,
		cancel:    cancel,
		g:         g,
		conns:     make(map[int]*brokerConn),
		states:    make(map[string]*brokerState),
		owners:    make(map[ownerKey]*brokerConn),
		observers: make(map[string][]*brokerConn),
		listeners: make(map[string][]*brokerConn),
		relays:    make(map[relayKey]relay),
	}

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return nil
			}
			if bc := b.accept(conn); bc != nil {
				b.g.Go(func() error {
					b.readLoop(bc)
					return nil
				})
			}
		}
	})

	t.Cleanup(b.Close)
	return b
}

// Addr is the TCP endpoint of the broker.
func (b *Broker) Addr() string {
	return b.ln.Addr().String()
}

// WSURL starts serving websockets, if not already, and returns the ws:// URL.
func (b *Broker) WSURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ws == nil {
		b.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := websocket.Accept(w, r, nil)
			if err != nil {
				b.log.Warn("websocket accept failed", "error", err)
				return
			}
			c.SetReadLimit(wire.MaxFrameLen)
			if bc := b.accept(websocket.NetConn(b.ctx, c, websocket.MessageBinary)); bc != nil {
				b.readLoop(bc)
			}
		}))
	}
	return "ws" + strings.TrimPrefix(b.ws.URL, "http")
}

// accept registers conn, or closes it if the broker is paused or closed.
func (b *Broker) accept(conn net.Conn) *brokerConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused || b.ctx.Err() != nil {
		conn.Close()
		return nil
	}
	b.nextConn++
	bc := &brokerConn{n: b.nextConn, conn: conn, w: wire.NewWriter(conn), nextID: 1}
	b.conns[bc.n] = bc
	return bc
}

func (b *Broker) readLoop(bc *brokerConn) {
	defer b.disconnect(bc)
	for m, err := range wire.NewReader(bc.conn).All() {
		if err != nil {
			b.log.Debug("read failed", "conn", bc.n, "error", err)
			return
		}
		b.handle(bc, m)
	}
}

func (b *Broker) send(bc *brokerConn, m *wire.Message) {
	if err := bc.w.WriteMessage(m); err != nil {
		b.log.Debug("write failed", "conn", bc.n, "message", m, "error", err)
	}
}

func (b *Broker) handle(bc *brokerConn, m *wire.Message) {
	b.mu.Lock()
	b.received = append(b.received, Received{Conn: bc.n, Msg: m})
	hook := b.onMessage
	b.mu.Unlock()

	b.log.Debug("broker received", "conn", bc.n, "message", m)
	if hook != nil && hook(bc.n, m) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ok := func() { b.send(bc, wire.Reply(m.ID, nil)) }
	fail := func(format string, args ...any) { b.send(bc, wire.ReplyError(m.ID, fmt.Sprintf(format, args...))) }

	switch m.Tag {
	case wire.TagHello:
		b.nextID++
		b.send(bc, &wire.Message{Tag: wire.TagServerHelloID, Value: fmt.Sprintf("client-%d", b.nextID)})
	case wire.TagHelloID:
		b.send(bc, &wire.Message{Tag: wire.TagServerHello})
	case wire.TagPing:
		ok()

	case wire.TagReply, wire.TagReplyState:
		r, found := b.relays[relayKey{bc.n, m.ID}]
		if !found {
			return
		}
		delete(b.relays, relayKey{bc.n, m.ID})
		switch {
		case m.IsError:
			b.send(r.origin, wire.ReplyError(r.id, m.Value))
		case r.asState:
			b.send(r.origin, wire.ReplyState(r.id, wire.Known(m.Value)))
		default:
			b.send(r.origin, wire.Reply(r.id, m.Value))
		}

	case wire.TagStateRegister:
		if s, found := b.states[m.Path]; found && s.owner != nil {
			fail("state %s already registered", m.Path)
			return
		}
		b.states[m.Path] = &brokerState{owner: bc}
		ok()
	case wire.TagStateChanged, wire.TagStateUnknown:
		s, found := b.states[m.Path]
		if !found || s.owner != bc {
			fail("state %s not registered by this client", m.Path)
			return
		}
		v := wire.Unknown
		if m.Tag == wire.TagStateChanged {
			v = wire.Known(m.Value)
		}
		ok()
		b.setStateLocked(m.Path, v)
	case wire.TagStateObserve:
		b.observers[m.Path] = append(b.observers[m.Path], bc)
		b.send(bc, wire.ReplyState(m.ID, b.stateLocked(m.Path)))

	case wire.TagGet:
		if owner, found := b.owners[ownerKey{wire.TagPropRegister, m.Path}]; found {
			b.relayLocked(bc, m.ID, owner, &wire.Message{Tag: wire.TagPropGet, Path: m.Path}, true)
			return
		}
		if _, found := b.states[m.Path]; !found {
			fail("no state at %s", m.Path)
			return
		}
		b.send(bc, wire.ReplyState(m.ID, b.stateLocked(m.Path)))
	case wire.TagSet:
		owner := b.owners[ownerKey{wire.TagPropRegister, m.Path}]
		if s, found := b.states[m.Path]; found && s.owner != nil {
			owner = s.owner
		}
		if owner == nil {
			fail("nothing settable at %s", m.Path)
			return
		}
		b.relayLocked(bc, m.ID, owner, &wire.Message{Tag: wire.TagPropSet, Path: m.Path, Value: m.Value}, false)

	case wire.TagActionRegister, wire.TagPropRegister, wire.TagEventRegister:
		key := ownerKey{m.Tag, m.Path}
		if _, found := b.owners[key]; found {
			fail("%s already registered", m.Path)
			return
		}
		b.owners[key] = bc
		ok()
	case wire.TagActionCall:
		owner, found := b.owners[ownerKey{wire.TagActionRegister, m.Path}]
		if !found {
			fail("no action at %s", m.Path)
			return
		}
		b.relayLocked(bc, m.ID, owner, &wire.Message{Tag: wire.TagActionCall, Path: m.Path, Value: m.Value}, false)

	case wire.TagEventListen:
		b.listeners[m.Path] = append(b.listeners[m.Path], bc)
		ok()
	case wire.TagEventEmit:
		ok()
		b.emitLocked(m.Path, m.Value)

	case wire.TagUnregister:
		switch m.Registration {
		case wire.TagStateObserve:
			b.observers[m.Path] = without(b.observers[m.Path], bc)
		case wire.TagEventListen:
			b.listeners[m.Path] = without(b.listeners[m.Path], bc)
		case wire.TagStateRegister:
			if s, found := b.states[m.Path]; found && s.owner == bc {
				s.owner = nil
				b.setStateLocked(m.Path, wire.Unknown)
			}
		default:
			key := ownerKey{m.Registration, m.Path}
			if b.owners[key] == bc {
				delete(b.owners, key)
			}
		}
		ok()

	default:
		fail("unexpected %s", m.Tag)
	}
}

func (b *Broker) relayLocked(origin *brokerConn, originID uint16, owner *brokerConn, m *wire.Message, asState bool) {
	m.ID = owner.nextID
	owner.nextID++
	b.relays[relayKey{owner.n, m.ID}] = relay{origin: origin, id: originID, asState: asState}
	b.send(owner, m)
}

func (b *Broker) stateLocked(path string) wire.StateValue {
	if s, found := b.states[path]; found {
		return s.value
	}
	return wire.Unknown
}

func (b *Broker) setStateLocked(path string, v wire.StateValue) {
	s, found := b.states[path]
	if !found {
		s = &brokerState{}
		b.states[path] = s
	}
	s.value = v
	for _, o := range b.observers[path] {
		b.send(o, &wire.Message{Tag: wire.TagStatePush, Path: path, State: v})
	}
}

func (b *Broker) emitLocked(path string, payload any) {
	for _, l := range b.listeners[path] {
		b.send(l, &wire.Message{Tag: wire.TagEventNotify, Path: path, Value: payload})
	}
}

// disconnect forgets everything bc registered. States it owned become
// Unknown.
func (b *Broker) disconnect(bc *brokerConn) {
	bc.conn.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, bc.n)
	for path, obs := range b.observers {
		b.observers[path] = without(obs, bc)
	}
	for path, ls := range b.listeners {
		b.listeners[path] = without(ls, bc)
	}
	for key, owner := range b.owners {
		if owner == bc {
			delete(b.owners, key)
		}
	}
	for path, s := range b.states {
		if s.owner == bc {
			s.owner = nil
			b.setStateLocked(path, wire.Unknown)
		}
	}
	for key, r := range b.relays {
		if key.conn == bc.n {
			b.send(r.origin, wire.ReplyError(r.id, "client disconnected"))
			delete(b.relays, key)
		} else if r.origin == bc {
			delete(b.relays, key)
		}
	}
}

func without(conns []*brokerConn, bc *brokerConn) []*brokerConn {
	return slices.DeleteFunc(slices.Clone(conns), func(c *brokerConn) bool { return c == bc })
}

// OnMessage installs a hook which sees every message before the broker does.
// If it returns true the broker ignores the message.
func (b *Broker) OnMessage(hook func(conn int, m *wire.Message) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = hook
}

// SetState sets a state value without an owner and pushes it to observers.
func (b *Broker) SetState(path string, v wire.StateValue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(path, v)
}

// Emit sends an event to every listener of path.
func (b *Broker) Emit(path string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(path, payload)
}

// Send writes a raw message to connection n.
func (b *Broker) Send(n int, m *wire.Message) error {
	b.mu.Lock()
	bc, found := b.conns[n]
	b.mu.Unlock()
	if !found {
		return fmt.Errorf("testutil: no connection %d", n)
	}
	return bc.w.WriteMessage(m)
}

// SendRaw writes raw bytes to connection n.
func (b *Broker) SendRaw(n int, data []byte) error {
	b.mu.Lock()
	bc, found := b.conns[n]
	b.mu.Unlock()
	if !found {
		return fmt.Errorf("testutil: no connection %d", n)
	}
	_, err := bc.conn.Write(data)
	return err
}

// Conns returns the numbers of the open connections in ascending order.
func (b *Broker) Conns() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for n := range b.conns {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// LastConn returns the number of the newest open connection, or 0.
func (b *Broker) LastConn() int {
	conns := b.Conns()
	if len(conns) == 0 {
		return 0
	}
	return conns[len(conns)-1]
}

// Received returns every message received so far.
func (b *Broker) Received() []Received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.received)
}

// ReceivedOn returns the messages received on connection n.
func (b *Broker) ReceivedOn(n int) []*wire.Message {
	var out []*wire.Message
	for _, r := range b.Received() {
		if r.Conn == n {
			out = append(out, r.Msg)
		}
	}
	return out
}

// DropConnections closes every open connection.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for _, bc := range b.conns {
		conns = append(conns, bc)
	}
	b.mu.Unlock()
	for _, bc := range conns {
		bc.conn.Close()
	}
}

// Pause refuses new connections until Resume.
func (b *Broker) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

func (b *Broker) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

// Close stops the broker and closes every connection.
func (b *Broker) Close() {
	b.cancel()
	b.ln.Close()
	b.DropConnections()
	b.mu.Lock()
	ws := b.ws
	b.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	if err := b.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		b.T.Logf("testutil: broker: %v", err)
	}
}
