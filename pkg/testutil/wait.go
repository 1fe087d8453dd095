package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tomjnixon/go-eshet/pkg/wire"
)

// WaitFor is a generic utility to wait for a condition to be true.
// It returns nil if the condition becomes true within the timeout.
// It returns an error if the condition does not become true within the timeout.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// WaitForWithContext is WaitFor bounded by ctx instead of a timeout.
func WaitForWithContext(ctx context.Context, t *testing.T, description string, condition func() bool) error {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled while waiting for condition '%s': %v", description, ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitForMessage waits until the broker has received a message with the given
// tag and path on any connection, and returns it.
func WaitForMessage(t *testing.T, b *Broker, tag wire.Tag, path string, timeout time.Duration) (Received, error) {
	t.Helper()
	var found Received
	err := WaitFor(t, fmt.Sprintf("%s %s received", tag, path), timeout, func() bool {
		for _, r := range b.Received() {
			if r.Msg.Tag == tag && r.Msg.Path == path {
				found = r
				return true
			}
		}
		return false
	})
	return found, err
}

// WaitForConnections waits until the broker has accepted n connections in
// total and returns the newest one's number.
func WaitForConnections(t *testing.T, b *Broker, n int, timeout time.Duration) (int, error) {
	t.Helper()
	var last int
	err := WaitFor(t, fmt.Sprintf("%d connections", n), timeout, func() bool {
		last = b.LastConn()
		return last >= n
	})
	return last, err
}
