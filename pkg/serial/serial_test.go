package serial

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorLog struct {
	mu   sync.Mutex
	errs map[string][]error
}

func (l *errorLog) record(key string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.errs == nil {
		l.errs = make(map[string][]error)
	}
	l.errs[key] = append(l.errs[key], err)
}

func (l *errorLog) get(key string) []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs[key]...)
}

func TestSerialPerKeyOrderNoOverlap(t *testing.T) {
	s := NewSerialPerKey(nil)

	const n = 200
	var running atomic.Int32
	var overlap atomic.Bool
	var mu sync.Mutex
	var order []int

	for i := 0; i < n; i++ {
		i := i
		s.Submit("/path", func() error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)
			if i%17 == 0 {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	s.Wait()

	assert.False(t, overlap.Load(), "callbacks for one key overlapped")
	require.Len(t, order, n)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestSerialPerKeyDifferentKeysRunConcurrently(t *testing.T) {
	s := NewSerialPerKey(nil)

	bRan := make(chan struct{})
	aDone := make(chan error, 1)

	s.Submit("a", func() error {
		select {
		case <-bRan:
			aDone <- nil
		case <-time.After(2 * time.Second):
			aDone <- errors.New("b never ran while a was blocked")
		}
		return nil
	})
	s.Submit("b", func() error {
		close(bRan)
		return nil
	})

	require.NoError(t, <-aDone)
	s.Wait()
}

func TestSerialPerKeyFailureIsolated(t *testing.T) {
	var log errorLog
	s := NewSerialPerKey(log.record)

	var ran []string
	var mu sync.Mutex
	add := func(name string) {
		mu.Lock()
		ran = append(ran, name)
		mu.Unlock()
	}

	s.Submit("k", func() error { add("first"); return errors.New("boom") })
	s.Submit("k", func() error { add("second"); panic("oops") })
	s.Submit("k", func() error { add("third"); return nil })
	s.Wait()

	assert.Equal(t, []string{"first", "second", "third"}, ran)
	errs := log.get("k")
	require.Len(t, errs, 2)
	assert.EqualError(t, errs[0], "boom")
	assert.Contains(t, errs[1].Error(), "panicked: oops")
}

func TestSerialPerKeyDrain(t *testing.T) {
	s := NewSerialPerKey(nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var count atomic.Int32

	s.Submit("k", func() error {
		close(started)
		<-release
		count.Add(1)
		return nil
	})
	<-started
	for i := 0; i < 5; i++ {
		s.Submit("k", func() error { count.Add(1); return nil })
	}

	assert.Equal(t, 5, s.Drain("k"))
	assert.Equal(t, 0, s.Drain("other"))
	close(release)
	s.Wait()

	// The in-flight callback finished; the queued ones were dropped.
	assert.Equal(t, int32(1), count.Load())
}

func TestSerialPerKeyClose(t *testing.T) {
	s := NewSerialPerKey(nil)
	s.Close()

	var ran atomic.Bool
	s.Submit("k", func() error { ran.Store(true); return nil })
	s.Wait()
	assert.False(t, ran.Load())
}

func TestParallelRunsEverything(t *testing.T) {
	var log errorLog
	p := NewParallel(log.record)

	const n = 50
	var count atomic.Int32
	gate := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		p.Submit("k", func() error {
			<-gate
			count.Add(1)
			if i == 0 {
				return fmt.Errorf("failed %d", i)
			}
			return nil
		})
	}
	close(gate)
	p.Wait()

	assert.Equal(t, int32(n), count.Load())
	assert.Len(t, log.get("k"), 1)

	p.Close()
	p.Submit("k", func() error { count.Add(1); return nil })
	p.Wait()
	assert.Equal(t, int32(n), count.Load())
}

func TestNewSelectsKind(t *testing.T) {
	assert.IsType(t, &SerialPerKey{}, New(KindSerialPerKey, nil))
	assert.IsType(t, &Parallel{}, New(KindParallel, nil))
	assert.Equal(t, "serial-per-key", KindSerialPerKey.String())
	assert.Equal(t, "parallel", KindParallel.String())
}
