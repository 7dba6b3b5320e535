package bus

import (
	"context"
	"sync"
)

// MessageBus carries observed message events from channels to the engine and
// fans handling outcomes out to subscribers.
type MessageBus struct {
	events   chan MessageEvent
	outcomes chan Outcome
	subs     []func(Outcome)
	mu       sync.RWMutex
	bufSize  int
}

// NewMessageBus creates a new MessageBus with the given buffer size.
// If bufSize is 0, defaults to 100.
func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		events:   make(chan MessageEvent, bufSize),
		outcomes: make(chan Outcome, bufSize),
		bufSize:  bufSize,
	}
}

// PublishEvent sends an observed message event onto the bus, blocking while
// the buffer is full. Returns ctx.Err() if ctx is done first.
func (b *MessageBus) PublishEvent(ctx context.Context, ev MessageEvent) error {
	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeEvent blocks until an event is available or ctx is cancelled.
func (b *MessageBus) ConsumeEvent(ctx context.Context) (MessageEvent, error) {
	select {
	case ev, ok := <-b.events:
		if !ok {
			return MessageEvent{}, context.Canceled
		}
		return ev, nil
	case <-ctx.Done():
		return MessageEvent{}, ctx.Err()
	}
}

// PublishOutcome records the outcome of a handled event. It never blocks the
// caller for longer than the buffer allows; when the buffer is full and no
// dispatcher is draining it, the outcome is dropped.
func (b *MessageBus) PublishOutcome(o Outcome) bool {
	select {
	case b.outcomes <- o:
		return true
	default:
		return false
	}
}

// Subscribe registers fn to receive every dispatched outcome.
func (b *MessageBus) Subscribe(fn func(Outcome)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// DispatchOutcomes runs in a goroutine, delivering outcomes to subscribers.
// Returns when ctx is cancelled or the outcome channel is closed.
func (b *MessageBus) DispatchOutcomes(ctx context.Context) {
	for {
		select {
		case o, ok := <-b.outcomes:
			if !ok {
				return
			}
			b.dispatch(o)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) dispatch(o Outcome) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(o)
	}
}

// Close closes both the event and outcome channels.
func (b *MessageBus) Close() {
	close(b.events)
	close(b.outcomes)
}
