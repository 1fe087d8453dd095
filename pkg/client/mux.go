// client/mux.go
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/tomjnixon/go-eshet/pkg/clock"
	"github.com/tomjnixon/go-eshet/pkg/wire"
)

// sendFunc writes one message to the current connection.
type sendFunc func(*wire.Message) error

// pendingRequest is owned by the mux until it is finished, after which its
// result fields are read-only.
type pendingRequest struct {
	id       uint16
	tag      wire.Tag
	path     string
	sentAt   time.Time
	deadline time.Time
	timer    clock.Timer
	done     chan struct{}

	reply *wire.Message
	err   error
}

// mux correlates requests with their replies by id.
type mux struct {
	clock  clock.Clock
	max    int
	log    *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	mu      sync.Mutex
	next    uint16
	pending map[uint16]*pendingRequest
	send    sendFunc
	gen     uint64
}

func newMux(c clock.Clock, maxPending int, log *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *mux {
	return &mux{
		clock:   c,
		max:     maxPending,
		log:     log,
		msink:   msink,
		labels:  labels,
		next:    1,
		pending: make(map[uint16]*pendingRequest),
	}
}

// attach routes new requests to send, which writes to connection gen.
func (m *mux) attach(gen uint64, send sendFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.send = send
	m.gen = gen
}

// detach stops accepting requests and finishes every pending one with err.
func (m *mux) detach(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.send = nil
	for _, p := range m.pending {
		m.finishLocked(p, nil, err)
	}
}

// request allocates an id, sends the message built for it and returns the
// pending entry. timeout starts counting when the entry is stored. A non-zero
// gen pins the request to that connection: if another one is attached the
// request fails with ErrConnectionLost.
func (m *mux) request(gen uint64, build func(id uint16) *wire.Message, timeout time.Duration) (*pendingRequest, error) {
	m.mu.Lock()
	if m.send == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	if gen != 0 && gen != m.gen {
		m.mu.Unlock()
		return nil, ErrConnectionLost
	}
	if len(m.pending) >= m.max {
		m.mu.Unlock()
		return nil, ErrTooManyPendingRequests
	}
	id, ok := m.allocLocked()
	if !ok {
		m.mu.Unlock()
		return nil, ErrTooManyPendingRequests
	}

	msg := build(id)
	now := m.clock.Now()
	p := &pendingRequest{
		id:       id,
		tag:      msg.Tag,
		path:     msg.Path,
		sentAt:   now,
		deadline: now.Add(timeout),
		done:     make(chan struct{}),
	}
	p.timer = m.clock.AfterFunc(timeout, func() { m.expire(p) })
	m.pending[id] = p
	send := m.send
	m.gaugeLocked()
	m.mu.Unlock()

	if err := send(msg); err != nil {
		m.finish(p, nil, fmt.Errorf("%w: sending %s: %v", ErrConnectionLost, msg.Tag, err))
	}
	return p, nil
}

// allocLocked picks the next id which is not pending, wrapping at 16 bits.
func (m *mux) allocLocked() (uint16, bool) {
	for i := 0; i < maxRequestIDs; i++ {
		id := m.next
		m.next++
		if _, busy := m.pending[id]; !busy {
			return id, true
		}
	}
	return 0, false
}

// resolve finishes the request msg replies to. It reports false when no such
// request is pending, in which case the reply is dropped.
func (m *mux) resolve(msg *wire.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[msg.ID]
	if !ok {
		m.log.Warn("dropping reply for unknown or finished request", LabelID.L(msg.ID), LabelTag.L(msg.Tag))
		m.msink.IncrCounterWithLabels(MetricLateReplyCount, 1, m.labels)
		return false
	}

	now := m.clock.Now()
	if !now.Before(p.deadline) {
		m.timeoutLocked(p)
		m.msink.IncrCounterWithLabels(MetricLateReplyCount, 1, m.labels)
		return false
	}

	m.msink.AddSampleWithLabels(MetricRequestLatency, float32(now.Sub(p.sentAt).Milliseconds()),
		append(m.labels, LabelTag.M(p.tag.String())))
	if msg.Tag == wire.TagReply && msg.IsError {
		return m.finishLocked(p, nil, &BrokerError{Reason: msg.Value})
	}
	return m.finishLocked(p, msg, nil)
}

func (m *mux) expire(p *pendingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeoutLocked(p)
}

func (m *mux) timeoutLocked(p *pendingRequest) {
	if m.finishLocked(p, nil, fmt.Errorf("%w: %s %s (id %d)", ErrRequestTimeout, p.tag, p.path, p.id)) {
		m.msink.IncrCounterWithLabels(MetricRequestTimeoutCount, 1, append(m.labels, LabelTag.M(p.tag.String())))
	}
}

func (m *mux) finish(p *pendingRequest, reply *wire.Message, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishLocked(p, reply, err)
}

// finishLocked resolves p unless something else already has.
func (m *mux) finishLocked(p *pendingRequest, reply *wire.Message, err error) bool {
	if m.pending[p.id] != p {
		return false
	}
	delete(m.pending, p.id)
	p.timer.Stop()
	p.reply, p.err = reply, err
	close(p.done)
	m.gaugeLocked()
	return true
}

func (m *mux) gaugeLocked() {
	m.msink.SetGaugeWithLabels(MetricPendingRequests, float32(len(m.pending)), m.labels)
}

// wait blocks until p is finished or ctx is done. A request abandoned through
// ctx is removed so that its reply is dropped.
func (m *mux) wait(ctx context.Context, p *pendingRequest) (*wire.Message, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		if m.finish(p, nil, ctx.Err()) {
			return nil, ctx.Err()
		}
		return p.reply, p.err
	}
}

func (m *mux) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
