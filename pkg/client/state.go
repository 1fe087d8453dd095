// client/state.go
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/cskr/pubsub"
)

// ConnectionState is the lifecycle state of a Client.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	// Closing is terminal: the client never leaves it.
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	stateTopic       = "state"
	watchBufferSize  = 16
	pubsubQueueDepth = 4
)

// stateWatch fans ConnectionState transitions out to WatchState callers.
type stateWatch struct {
	mu     sync.Mutex
	bus    *pubsub.PubSub
	closed bool
}

func newStateWatch() *stateWatch {
	return &stateWatch{bus: pubsub.New(pubsubQueueDepth)}
}

func (w *stateWatch) publish(s ConnectionState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.bus.Pub(s, stateTopic)
}

// watch returns a channel of transitions which is closed when ctx is done or
// the watch is shut down. Slow readers miss intermediate states but always
// see the latest one.
func (w *stateWatch) watch(ctx context.Context) <-chan ConnectionState {
	out := make(chan ConnectionState, watchBufferSize)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(out)
		return out
	}
	ch := w.bus.Sub(stateTopic)
	w.mu.Unlock()

	go func() {
		defer close(out)
		done := ctx.Done()
		for {
			select {
			case <-done:
				done = nil
				// The bus may still be delivering to ch, so keep draining
				// until Unsub closes it.
				go w.unsub(ch)
			case v, ok := <-ch:
				if !ok {
					return
				}
				if done == nil {
					continue
				}
				s := v.(ConnectionState)
				select {
				case out <- s:
				default:
					select {
					case <-out:
					default:
					}
					out <- s
				}
			}
		}
	}()
	return out
}

func (w *stateWatch) unsub(ch chan interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.bus.Unsub(ch, stateTopic)
}

// shutdown closes every watch channel.
func (w *stateWatch) shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.bus.Shutdown()
}
