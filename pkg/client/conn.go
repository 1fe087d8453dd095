// client/conn.go
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/tomjnixon/go-eshet/pkg/clock"
	"github.com/tomjnixon/go-eshet/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// connection is one established transport. live and held are guarded by
// Client.stateMu.
type connection struct {
	gen  uint64
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer

	// live is set once every registration has been replayed; until then
	// dispatches are held back in arrival order.
	live bool
	dead bool
	held []func()
}

// run keeps the client connected until it is closed.
func (c *Client) run() {
	defer close(c.loopDone)

	attempt := 0
	for {
		connected, err := c.connectOnce(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}

		delay := c.opts.Timeouts.Backoff.Delay(attempt, c.opts.Rand)
		attempt++
		c.log.Info("reconnecting", LabelAttempt.L(attempt), LabelDelay.L(delay), LabelError.L(err))
		if err := clock.Sleep(c.ctx, c.clock, delay); err != nil {
			return
		}
	}
}

// connectOnce runs one connection from dial to teardown. It reports whether
// the connection reached Connected and why it ended.
func (c *Client) connectOnce(ctx context.Context) (connected bool, err error) {
	if !c.setState(Connecting) {
		return false, ErrClosed
	}

	cc, err := c.dial(ctx)
	if err != nil {
		c.setState(Disconnected)
		c.msink.IncrCounterWithLabels(MetricConnectErrorCount, 1, c.labels)
		c.log.Warn("connect failed", LabelEndpoint.L(c.endpoint.String()), LabelError.L(err))
		c.reportFirst(err)
		return false, err
	}
	c.log.Info("connected to broker", LabelEndpoint.L(c.endpoint.String()))
	c.msink.IncrCounterWithLabels(MetricConnectCount, 1, c.labels)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { cc.conn.Close() })
	defer stop()

	c.mux.attach(cc.gen, func(m *wire.Message) error { return c.sendOn(cc, m) })

	g.Go(func() error {
		for msg, err := range cc.r.All() {
			if err != nil {
				return &ProtocolError{Err: err}
			}
			c.msink.IncrCounterWithLabels(MetricFramesInCount, 1, c.labels)
			c.log.Debug("received", "message", msg)
			if err := c.handleMessage(cc, msg); err != nil {
				return err
			}
		}
		return fmt.Errorf("%w: closed by broker", ErrConnectionLost)
	})

	g.Go(func() error {
		if err := c.replay(gctx, cc); err != nil {
			return err
		}
		connected = true
		c.reportFirst(nil)
		return c.keepalive(gctx, cc)
	})

	err = g.Wait()
	c.teardown(cc, err)
	if !connected {
		c.reportFirst(&ConnectError{Endpoint: c.endpoint.String(), Err: err})
	}
	return connected, err
}

// dial opens the transport and performs the handshake.
func (c *Client) dial(ctx context.Context) (*connection, error) {
	timeout := c.opts.Timeouts.ConnectTimeout
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.opts.Dialer.Dial(dctx, c.endpoint)
	if err != nil {
		return nil, &ConnectError{Endpoint: c.endpoint.String(), Err: err}
	}
	stop := context.AfterFunc(dctx, func() { conn.Close() })

	cc := &connection{conn: conn, r: wire.NewReader(conn), w: wire.NewWriter(conn)}
	id, err := c.handshake(cc, time.Now().Add(timeout))
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			err = dctx.Err()
		}
		return nil, &ConnectError{Endpoint: c.endpoint.String(), Err: err}
	}

	c.stateMu.Lock()
	if id != nil {
		c.clientID = id
	}
	c.stateMu.Unlock()

	cc.gen = c.gen.Add(1)
	return cc, nil
}

// handshake announces the client and returns the id assigned by the broker,
// if any.
func (c *Client) handshake(cc *connection, deadline time.Time) (any, error) {
	if err := cc.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	c.stateMu.Lock()
	id := c.clientID
	c.stateMu.Unlock()

	hello := &wire.Message{
		Tag:     wire.TagHello,
		Version: protocolVersion,
		Timeout: uint16(c.opts.Timeouts.ServerTimeout / time.Second),
	}
	if id != nil {
		hello.Tag = wire.TagHelloID
		hello.Value = id
	}
	if err := c.sendOn(cc, hello); err != nil {
		return nil, err
	}

	reply, err := cc.r.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading handshake reply: %w", err)
	}
	if err := cc.conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	switch reply.Tag {
	case wire.TagServerHello:
		return nil, nil
	case wire.TagServerHelloID:
		return reply.Value, nil
	default:
		return nil, &ProtocolError{Err: fmt.Errorf("unexpected handshake reply %s", reply)}
	}
}

// replay sends every registration on cc in registry order, then marks the
// connection live and releases the dispatches held back meanwhile.
func (c *Client) replay(ctx context.Context, cc *connection) error {
	for {
		c.stateMu.Lock()
		pending := c.reg.unsent(cc.gen)
		if len(pending) == 0 {
			cc.live = true
			c.current = cc
			c.setStateLocked(Connected)
			held := cc.held
			cc.held = nil
			for _, f := range held {
				f()
			}
			c.stateMu.Unlock()
			return nil
		}
		c.stateMu.Unlock()

		for _, e := range pending {
			if !c.reg.contains(e) {
				continue
			}
			var err error
			if c.reg.markSent(e, cc.gen) {
				err = c.publish(ctx, cc, e)
			} else {
				err = c.register(ctx, cc, e, true)
			}
			switch {
			case err == nil:
			case errors.Is(err, ErrBroker):
				c.log.Warn("broker rejected registration on reconnect",
					LabelPath.L(e.path), "kind", e.kind, LabelError.L(err))
			default:
				return err
			}
		}
	}
}

// keepalive pings the broker whenever nothing has been sent for IdlePing.
func (c *Client) keepalive(ctx context.Context, cc *connection) error {
	t := c.opts.Timeouts
	for {
		idle := c.clock.Now().Sub(time.Unix(0, c.lastSend.Load()))
		if wait := t.IdlePing - idle; wait > 0 {
			if err := clock.Sleep(ctx, c.clock, wait); err != nil {
				return err
			}
			continue
		}

		p, err := c.mux.request(cc.gen, func(id uint16) *wire.Message {
			return &wire.Message{Tag: wire.TagPing, ID: id}
		}, t.PingTimeout)
		if err != nil {
			return fmt.Errorf("%w: ping: %v", ErrConnectionLost, err)
		}
		if _, err := c.mux.wait(ctx, p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: ping: %v", ErrConnectionLost, err)
		}
	}
}

// teardown moves to Disconnected and fails everything pending on cc,
// atomically with respect to dispatch and new requests.
func (c *Client) teardown(cc *connection, cause error) {
	lost := fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	if errors.Is(cause, ErrConnectionLost) {
		lost = cause
	}

	c.stateMu.Lock()
	cc.live = false
	cc.dead = true
	cc.held = nil
	if c.current == cc {
		c.current = nil
	}
	c.setStateLocked(Disconnected)
	c.mux.detach(lost)
	c.reg.resetObserved()
	c.stateMu.Unlock()

	cc.conn.Close()
	if c.ctx.Err() == nil {
		c.msink.IncrCounterWithLabels(MetricConnectionLostCount, 1, c.labels)
		c.log.Warn("connection lost", LabelEndpoint.L(c.endpoint.String()), LabelError.L(cause))
	}
}

func (c *Client) sendOn(cc *connection, m *wire.Message) error {
	c.log.Debug("sending", "message", m)
	if err := cc.w.WriteMessage(m); err != nil {
		return err
	}
	c.lastSend.Store(c.clock.Now().UnixNano())
	c.msink.IncrCounterWithLabels(MetricFramesOutCount, 1, c.labels)
	return nil
}

// reply answers a request from the broker on the connection it came from.
func (c *Client) reply(cc *connection, m *wire.Message) {
	if err := c.sendOn(cc, m); err != nil {
		c.log.Warn("failed to send reply", LabelID.L(m.ID), LabelError.L(err))
	}
}

// handleMessage routes one inbound message. Only a message which makes the
// connection unusable returns an error.
func (c *Client) handleMessage(cc *connection, msg *wire.Message) error {
	switch msg.Tag {
	case wire.TagReply, wire.TagReplyState:
		c.mux.resolve(msg)

	case wire.TagPing:
		go c.reply(cc, wire.Reply(msg.ID, nil))

	case wire.TagEventNotify:
		e := c.reg.lookup(msg.Path, KindEventListen)
		if e == nil {
			c.log.Warn("event for unknown listener", LabelPath.L(msg.Path))
			return nil
		}
		payload := msg.Value
		c.deliver(cc, msg.Path, func() error { return e.onEvent(c.ctx, payload) })

	case wire.TagStatePush:
		e := c.reg.lookup(msg.Path, KindStateObserve)
		if e == nil {
			c.log.Warn("state update for unknown observer", LabelPath.L(msg.Path))
			return nil
		}
		c.notifyObservers(cc, e, c.reg.push(e, msg.State), msg.State)

	case wire.TagActionCall:
		e := c.reg.lookup(msg.Path, KindActionRegister)
		if e == nil {
			go c.reply(cc, wire.ReplyError(msg.ID, fmt.Sprintf("no action registered at %s", msg.Path)))
			return nil
		}
		id, args := msg.ID, callArgs(msg.Value)
		c.deliver(cc, msg.Path, func() error {
			result, err := e.onCall(c.ctx, args)
			if err != nil {
				c.reply(cc, wire.ReplyError(id, err.Error()))
				return err
			}
			c.reply(cc, wire.Reply(id, result))
			return nil
		})

	case wire.TagPropSet:
		e := c.reg.lookup(msg.Path, KindStateRegister)
		if e == nil || e.onSet == nil {
			e = c.reg.lookup(msg.Path, KindPropRegister)
		}
		if e == nil || e.onSet == nil {
			go c.reply(cc, wire.ReplyError(msg.ID, fmt.Sprintf("%s is not settable", msg.Path)))
			return nil
		}
		id, v := msg.ID, msg.Value
		c.deliver(cc, msg.Path, func() error {
			if err := e.onSet(c.ctx, v); err != nil {
				c.reply(cc, wire.ReplyError(id, err.Error()))
				return err
			}
			c.reply(cc, wire.Reply(id, nil))
			return nil
		})

	case wire.TagPropGet:
		e := c.reg.lookup(msg.Path, KindPropRegister)
		if e == nil || e.onGet == nil {
			go c.reply(cc, wire.ReplyError(msg.ID, fmt.Sprintf("no property registered at %s", msg.Path)))
			return nil
		}
		id := msg.ID
		c.deliver(cc, msg.Path, func() error {
			v, err := e.onGet(c.ctx)
			if err != nil {
				c.reply(cc, wire.ReplyError(id, err.Error()))
				return err
			}
			c.reply(cc, wire.Reply(id, v))
			return nil
		})

	default:
		return &ProtocolError{Err: fmt.Errorf("unexpected message from broker: %s", msg)}
	}
	return nil
}

func (c *Client) notifyObservers(cc *connection, e *entry, observers []*observer, v wire.StateValue) {
	for _, o := range observers {
		h := o.h
		c.deliver(cc, e.path, func() error { return h(c.ctx, v) })
	}
}

// deliver schedules a handler keyed by path. Before cc is live the call is
// held back; a handler whose turn comes after cc dropped is skipped, even
// when a newer connection is up by then.
func (c *Client) deliver(cc *connection, path string, f func() error) {
	submit := func() {
		c.strategy.Submit(path, func() error {
			if !c.isCurrent(cc) {
				c.log.Debug("skipping handler from a dropped connection", LabelPath.L(path))
				return nil
			}
			return f()
		})
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	switch {
	case cc.live:
		submit()
	case !cc.dead:
		cc.held = append(cc.held, submit)
	}
}

func (c *Client) isCurrent(cc *connection) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return cc.live && c.current == cc
}

// callArgs unpacks the arguments of an action call.
func callArgs(v any) []any {
	switch args := v.(type) {
	case nil:
		return nil
	case []any:
		return args
	default:
		return []any{args}
	}
}
