package scheduler

import (
	"context"

	"github.com/converge-project/converge/message"
)

// Inbox is the bounded, non-blocking-drain queue the runtime's listener
// pushes into and the main loop polls from. Push may block (or drop, if
// configured) when full; Poll always drains without blocking.
type Inbox struct {
	capacity int
	drop     bool
	ch       chan message.Message
}

// NewInbox builds an Inbox with the given bounded capacity. If
// dropWhenFull is true, Push discards the incoming message instead of
// blocking once the inbox is full; otherwise Push blocks (respecting
// ctx) until space frees up.
func NewInbox(capacity int, dropWhenFull bool) *Inbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Inbox{capacity: capacity, drop: dropWhenFull, ch: make(chan message.Message, capacity)}
}

// Push enqueues msg. If the inbox is full and configured to drop, msg is
// discarded and Push returns immediately; otherwise Push blocks until
// space is available or ctx is cancelled.
func (in *Inbox) Push(ctx context.Context, msg message.Message) {
	if in.drop {
		select {
		case in.ch <- msg:
		default:
		}
		return
	}
	select {
	case in.ch <- msg:
	case <-ctx.Done():
	}
}

// Poll drains up to batchSize messages without blocking. Returns nil if
// the inbox is currently empty.
func (in *Inbox) Poll(batchSize int) []message.Message {
	if batchSize <= 0 {
		batchSize = 10
	}
	var out []message.Message
	for i := 0; i < batchSize; i++ {
		select {
		case msg := <-in.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
	return out
}
