package progress

import (
	"context"
	"net/http"
	"sync"
	"time"
)

var keepaliveFrame = []byte(": keepalive\n\n")

// StreamChannel is a Channel backed by a server-sent-events response.
// Events are queued by Send and written in order by Serve.
type StreamChannel struct {
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	keepalive time.Duration
}

// NewStreamChannel creates a channel with the given queue capacity. A zero
// keepalive disables comment frames.
func NewStreamChannel(queueSize int, keepalive time.Duration) *StreamChannel {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &StreamChannel{
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
		keepalive: keepalive,
	}
}

// Send enqueues ev without blocking.
func (c *StreamChannel) Send(ev Event) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case c.queue <- ev:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return ErrChannelFull
	}
}

// Close marks the channel closed. It is safe to call more than once.
func (c *StreamChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done is closed once the channel is closed.
func (c *StreamChannel) Done() <-chan struct{} {
	return c.done
}

// Serve writes queued events to w until ctx ends, the channel is closed or a
// write fails. The channel is closed when Serve returns.
func (c *StreamChannel) Serve(ctx context.Context, w http.ResponseWriter) error {
	defer c.Close()

	rc := http.NewResponseController(w)

	var tick <-chan time.Time
	if c.keepalive > 0 {
		ticker := time.NewTicker(c.keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}

	write := func(frame []byte) error {
		if _, err := w.Write(frame); err != nil {
			return err
		}
		return rc.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case ev := <-c.queue:
			frame, err := ev.Frame()
			if err != nil {
				continue
			}
			if err := write(frame); err != nil {
				return err
			}
		case <-tick:
			if err := write(keepaliveFrame); err != nil {
				return err
			}
		}
	}
}
