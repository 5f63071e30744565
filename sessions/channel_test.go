package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelPublishSubscribeOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewChannel()

	for _, payload := range []string{"one", "two", "three"} {
		_, err := c.Publish(ctx, []byte(payload))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var got []string
	subCtx, subCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Subscribe(subCtx, "", func(_ context.Context, msgID string, msg []byte) error {
			mu.Lock()
			got = append(got, string(msg))
			n := len(got)
			mu.Unlock()
			if n == 3 {
				subCancel()
			}
			return nil
		})
	}()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not drain retained messages")
	}

	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestChannelReplayFromLastEventID(t *testing.T) {
	ctx := context.Background()
	c := NewChannel()

	firstID, err := c.Publish(ctx, []byte("first"))
	require.NoError(t, err)
	_, err = c.Publish(ctx, []byte("second"))
	require.NoError(t, err)

	subCtx, subCancel := context.WithCancel(ctx)
	var got []string
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Subscribe(subCtx, firstID, func(_ context.Context, _ string, msg []byte) error {
			got = append(got, string(msg))
			subCancel()
			return nil
		})
	}()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not resume")
	}
	assert.Equal(t, []string{"second"}, got)
}

func TestChannelUnknownLastEventID(t *testing.T) {
	c := NewChannel()
	err := c.Subscribe(context.Background(), "nope", func(context.Context, string, []byte) error { return nil })
	require.Error(t, err)
}

func TestChannelCloseWakesSubscriber(t *testing.T) {
	c := NewChannel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Subscribe(context.Background(), "", func(context.Context, string, []byte) error { return nil })
	}()

	// Give the subscriber a moment to park.
	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not observe close")
	}

	_, err := c.Publish(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelOnCloseHooks(t *testing.T) {
	c := NewChannel()

	fired := 0
	c.OnClose(func() { fired++ })
	c.Close()
	c.Close() // idempotent
	assert.Equal(t, 1, fired)

	// Registering after close fires synchronously.
	c.OnClose(func() { fired++ })
	assert.Equal(t, 2, fired)
	assert.True(t, c.Closed())
}
