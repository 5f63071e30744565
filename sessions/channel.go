package sessions

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Channel is the duplex transport binding owned by one session. The server
// pushes messages into it; a connected client consumes them in publish order
// via Subscribe. Messages are retained so a subscriber can resume from a
// last-seen event id.
type Channel struct {
	mu          sync.Mutex
	counter     int64
	messages    []channelMessage
	subscribers map[*channelSubscriber]struct{}
	closed      bool
	closeHooks  []func()
	done        chan struct{}
}

type channelMessage struct {
	id   string
	data []byte
}

type channelSubscriber struct {
	wake chan struct{}
}

// NewChannel constructs an open channel with no retained messages.
func NewChannel() *Channel {
	return &Channel{
		subscribers: make(map[*channelSubscriber]struct{}),
		done:        make(chan struct{}),
	}
}

// Publish appends a message to the channel and wakes subscribers. It returns
// the assigned event id. Publishing to a closed channel fails with
// ErrChannelClosed.
func (c *Channel) Publish(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrChannelClosed
	}
	c.counter++
	evID := strconv.FormatInt(c.counter, 10)
	c.messages = append(c.messages, channelMessage{id: evID, data: append([]byte(nil), data...)})
	for sub := range c.subscribers {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()

	return evID, nil
}

// Subscribe delivers messages after lastEventID (all retained messages when
// empty) in order, then blocks waiting for more. It returns nil when the
// channel closes, ctx.Err() on cancellation, or the handler's error if one
// delivery fails.
func (c *Channel) Subscribe(ctx context.Context, lastEventID string, handler MessageHandlerFunction) error {
	sub := &channelSubscriber{wake: make(chan struct{}, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	next, err := c.indexAfterLocked(lastEventID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.subscribers[sub] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.subscribers, sub)
		c.mu.Unlock()
	}()

	for {
		// Drain anything past our cursor.
		for {
			c.mu.Lock()
			if next >= len(c.messages) {
				c.mu.Unlock()
				break
			}
			msg := c.messages[next]
			next++
			c.mu.Unlock()

			if err := handler(ctx, msg.id, msg.data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-sub.wake:
		}
	}
}

// indexAfterLocked resolves the replay cursor for a last-seen event id.
func (c *Channel) indexAfterLocked(lastEventID string) (int, error) {
	if lastEventID == "" {
		return 0, nil
	}
	for i := range c.messages {
		if c.messages[i].id == lastEventID {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("last event id %s not found", lastEventID)
}

// OnClose registers a hook invoked exactly once when the channel closes. If
// the channel is already closed the hook runs synchronously.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.closeHooks = append(c.closeHooks, fn)
	c.mu.Unlock()
}

// Close closes the channel, wakes subscribers, and fires close hooks.
// Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.closeHooks
	c.closeHooks = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
