// Package serial provides strategies for running callbacks keyed by a
// resource name, such as a subscription path.
//
// SerialPerKey runs callbacks for one key strictly one after another, in the
// order they were submitted, while callbacks for different keys run
// concurrently. Parallel runs every callback independently. A failing (or
// panicking) callback is reported to the strategy's ErrorFunc and never stops
// the callbacks queued behind it.
package serial

import (
	"fmt"
	"sync"
)

// Work is a unit of work submitted under a key.
type Work func() error

// ErrorFunc receives the failure of a callback submitted under key.
type ErrorFunc func(key string, err error)

// Strategy decides how submitted work is scheduled.
type Strategy interface {
	Submit(key string, work Work)
}

// Kind selects one of the built-in strategies.
type Kind int

const (
	KindSerialPerKey Kind = iota
	KindParallel
)

func (k Kind) String() string {
	switch k {
	case KindSerialPerKey:
		return "serial-per-key"
	case KindParallel:
		return "parallel"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// New builds the strategy of the given kind. onErr may be nil.
func New(kind Kind, onErr ErrorFunc) Strategy {
	if kind == KindParallel {
		return NewParallel(onErr)
	}
	return NewSerialPerKey(onErr)
}

// Drainer is implemented by strategies which can discard queued work.
type Drainer interface {
	// Drain discards work submitted under key which has not started yet and
	// returns how many callbacks were dropped.
	Drain(key string) int
}

// Closer is implemented by strategies which stop accepting work.
type Closer interface {
	// Close discards queued work and ignores later submissions. Callbacks
	// already running are left to finish.
	Close()
}

func run(key string, work Work, onErr ErrorFunc) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("serial: callback for %q panicked: %v", key, r)
			}
		}()
		err = work()
	}()
	if err != nil && onErr != nil {
		onErr(key, err)
	}
}

// Parallel runs each callback in its own goroutine.
type Parallel struct {
	onErr ErrorFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewParallel(onErr ErrorFunc) *Parallel {
	return &Parallel{onErr: onErr}
}

func (p *Parallel) Submit(key string, work Work) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		run(key, work, p.onErr)
	}()
}

func (p *Parallel) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Wait blocks until every submitted callback has returned.
func (p *Parallel) Wait() {
	p.wg.Wait()
}

// SerialPerKey runs callbacks for the same key one at a time in submission
// order. Each key with pending work has one goroutine working through its
// queue; the goroutine exits when the queue is empty.
type SerialPerKey struct {
	onErr ErrorFunc

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup
}

type queue struct {
	items []Work
}

func NewSerialPerKey(onErr ErrorFunc) *SerialPerKey {
	return &SerialPerKey{
		onErr:  onErr,
		queues: make(map[string]*queue),
	}
}

func (s *SerialPerKey) Submit(key string, work Work) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if q, ok := s.queues[key]; ok {
		q.items = append(q.items, work)
		return
	}
	q := &queue{items: []Work{work}}
	s.queues[key] = q
	s.wg.Add(1)
	go s.worker(key, q)
}

func (s *SerialPerKey) worker(key string, q *queue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.items) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		work := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		s.mu.Unlock()

		run(key, work, s.onErr)
	}
}

func (s *SerialPerKey) Drain(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		return 0
	}
	n := len(q.items)
	q.items = nil
	return n
}

func (s *SerialPerKey) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, q := range s.queues {
		q.items = nil
	}
}

// Wait blocks until every key's queue is empty and its worker has exited.
func (s *SerialPerKey) Wait() {
	s.wg.Wait()
}

var (
	_ Strategy = (*Parallel)(nil)
	_ Strategy = (*SerialPerKey)(nil)
	_ Drainer  = (*SerialPerKey)(nil)
	_ Closer   = (*SerialPerKey)(nil)
	_ Closer   = (*Parallel)(nil)
)
