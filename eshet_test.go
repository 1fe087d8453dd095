package eshet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomjnixon/go-eshet/pkg/testutil"
)

func TestValues(t *testing.T) {
	assert.False(t, Unknown.IsKnown())
	v, ok := Known(nil).Get()
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.False(t, Known(nil).Equal(Unknown))
}

func TestConnect(t *testing.T) {
	b := testutil.NewBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, b.Addr(), WithLogger(testutil.DefaultLogger), WithDispatch(DispatchParallel))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, Connected, c.State())

	_, err = c.Get(ctx, "/nothing")
	var be *BrokerError
	assert.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, ErrBroker)
}
