package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomjnixon/go-eshet/pkg/clock"
	"github.com/tomjnixon/go-eshet/pkg/wire"
)

type sentLog struct {
	mu   sync.Mutex
	msgs []*wire.Message
	err  error
}

func (s *sentLog) send(m *wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *sentLog) last() *wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[len(s.msgs)-1]
}

func newTestMux(t *testing.T, maxPending int) (*mux, *clock.Fake, *sentLog) {
	t.Helper()
	c := clock.NewFake(time.Unix(1000, 0))
	m := newMux(c, maxPending, slog.Default(), &metrics.BlackholeSink{}, nil)
	log := &sentLog{}
	m.attach(1, log.send)
	return m, c, log
}

func callMsg(id uint16) *wire.Message {
	return &wire.Message{Tag: wire.TagActionCall, ID: id, Path: "/a", Value: []any{}}
}

func resolvedOnce(t *testing.T, p *pendingRequest) (*wire.Message, error) {
	t.Helper()
	select {
	case <-p.done:
		return p.reply, p.err
	default:
		t.Fatal("request not resolved")
		return nil, nil
	}
}

func TestMuxResolvesEachRequestAtMostOnce(t *testing.T) {
	const timeout = time.Second

	t.Run("reply then timeout", func(t *testing.T) {
		m, c, _ := newTestMux(t, 16)
		p, err := m.request(0, callMsg, timeout)
		require.NoError(t, err)

		assert.True(t, m.resolve(wire.Reply(p.id, "ok")))
		c.Advance(2 * timeout)

		reply, err := resolvedOnce(t, p)
		require.NoError(t, err)
		assert.Equal(t, "ok", reply.Value)
		assert.Equal(t, 0, c.Pending(), "timer not stopped")
	})

	t.Run("timeout then reply", func(t *testing.T) {
		m, c, _ := newTestMux(t, 16)
		p, err := m.request(0, callMsg, timeout)
		require.NoError(t, err)

		c.Advance(timeout)
		assert.False(t, m.resolve(wire.Reply(p.id, "late")))

		reply, err := resolvedOnce(t, p)
		assert.ErrorIs(t, err, ErrRequestTimeout)
		assert.Nil(t, reply)
	})

	t.Run("connection lost then reply and timeout", func(t *testing.T) {
		m, c, _ := newTestMux(t, 16)
		p, err := m.request(0, callMsg, timeout)
		require.NoError(t, err)

		m.detach(ErrConnectionLost)
		assert.False(t, m.resolve(wire.Reply(p.id, "late")))
		c.Advance(timeout)

		_, err = resolvedOnce(t, p)
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.Equal(t, 0, m.pendingCount())
	})
}

func TestMuxTimeoutBoundaryIsExclusive(t *testing.T) {
	const timeout = time.Second

	t.Run("one millisecond early succeeds", func(t *testing.T) {
		m, c, _ := newTestMux(t, 16)
		p, err := m.request(0, callMsg, timeout)
		require.NoError(t, err)

		c.Advance(timeout - time.Millisecond)
		assert.True(t, m.resolve(wire.Reply(p.id, 1)))
		_, err = resolvedOnce(t, p)
		assert.NoError(t, err)
	})

	t.Run("exactly at the timeout fails", func(t *testing.T) {
		m, c, _ := newTestMux(t, 16)

		// Scheduled before the request, so it runs first when both are due:
		// the reply arrives at the deadline, before the timer fires.
		var delivered bool
		var p *pendingRequest
		c.AfterFunc(timeout, func() { delivered = m.resolve(wire.Reply(p.id, 1)) })

		p, err := m.request(0, callMsg, timeout)
		require.NoError(t, err)
		c.Advance(timeout)

		assert.False(t, delivered)
		_, err = resolvedOnce(t, p)
		assert.ErrorIs(t, err, ErrRequestTimeout)
	})
}

func TestMuxBrokerError(t *testing.T) {
	m, _, _ := newTestMux(t, 16)
	p, err := m.request(0, callMsg, time.Second)
	require.NoError(t, err)

	m.resolve(wire.ReplyError(p.id, "no such action"))
	_, err = m.wait(context.Background(), p)

	var be *BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "no such action", be.Reason)
	assert.ErrorIs(t, err, ErrBroker)
}

func TestMuxIDsSkipPendingAndWrap(t *testing.T) {
	m, _, log := newTestMux(t, 16)
	m.next = 0xfffe

	var ids []uint16
	for i := 0; i < 3; i++ {
		p, err := m.request(0, callMsg, time.Second)
		require.NoError(t, err)
		ids = append(ids, p.id)
	}
	assert.Equal(t, []uint16{0xfffe, 0xffff, 0}, ids)
	assert.Equal(t, uint16(0), log.last().ID)

	// 0xffff is still pending after the counter comes round again.
	m.resolve(wire.Reply(0xfffe, nil))
	m.next = 0xfffe
	p, err := m.request(0, callMsg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xfffe), p.id)
	p, err = m.request(0, callMsg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), p.id)
}

func TestMuxTooManyPending(t *testing.T) {
	m, _, _ := newTestMux(t, 2)
	for i := 0; i < 2; i++ {
		_, err := m.request(0, callMsg, time.Second)
		require.NoError(t, err)
	}
	_, err := m.request(0, callMsg, time.Second)
	assert.ErrorIs(t, err, ErrTooManyPendingRequests)
}

func TestMuxNotAttached(t *testing.T) {
	m, _, _ := newTestMux(t, 2)
	m.detach(ErrConnectionLost)
	_, err := m.request(0, callMsg, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMuxPinnedToConnection(t *testing.T) {
	m, _, _ := newTestMux(t, 2)
	_, err := m.request(7, callMsg, time.Second)
	assert.ErrorIs(t, err, ErrConnectionLost)
	_, err = m.request(1, callMsg, time.Second)
	assert.NoError(t, err)
}

func TestMuxSendFailure(t *testing.T) {
	m, _, log := newTestMux(t, 2)
	log.err = errors.New("broken pipe")

	p, err := m.request(0, callMsg, time.Second)
	require.NoError(t, err)
	_, err = m.wait(context.Background(), p)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, 0, m.pendingCount())
}

func TestMuxWaitCancelled(t *testing.T) {
	m, _, _ := newTestMux(t, 2)
	p, err := m.request(0, callMsg, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.wait(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, m.resolve(wire.Reply(p.id, nil)))
}
