// Package syncbus carries cart sync messages between execution contexts.
// The in-process bus serves contexts sharing one process; the relay client
// extends the same contract across processes over websockets.
package syncbus

import (
	"context"
	"sync"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/schema"
)

// Bus is a best-effort broadcast channel. Delivery may drop under
// backpressure; the durable storage watch is the reconciliation path, so
// losing a bus message never loses state.
type Bus interface {
	Publish(ctx context.Context, msg schema.SyncMessage) error
	Subscribe(ctx context.Context) (<-chan schema.SyncMessage, error)
	Close() error
}

// MemoryBus broadcasts to all in-process subscribers, including the
// publisher's own subscription. Receivers filter self-originated messages
// by origin id.
type MemoryBus struct {
	mu          sync.Mutex
	subscribers []*subscriber
	buffer      int
	closed      bool
	closeOnce   sync.Once
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.SyncMessage
	once   sync.Once
}

// NewMemoryBus creates a bus whose subscriptions buffer up to buffer
// messages each.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 16
	}
	return &MemoryBus{buffer: buffer}
}

// Publish broadcasts msg to every live subscriber without blocking.
func (b *MemoryBus) Publish(ctx context.Context, msg schema.SyncMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if ctx != nil && ctx.Err() != nil {
		return errs.New("syncbus/publish", errs.CodeUnavailable, errs.WithMessage("context done"), errs.WithCause(ctx.Err()))
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.New("syncbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.ctx.Err() == nil {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		deliver(sub, msg)
	}
	return nil
}

// Subscribe registers a receiver. The channel closes when ctx is cancelled
// or the bus shuts down.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan schema.SyncMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.SyncMessage, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, errs.New("syncbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	go b.reap(sub)
	return sub.ch, nil
}

// Close shuts the bus down and closes all subscriptions.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := append([]*subscriber(nil), b.subscribers...)
		b.subscribers = nil
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
	return nil
}

func (b *MemoryBus) reap(sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	for i, candidate := range b.subscribers {
		if candidate == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

func deliver(sub *subscriber, msg schema.SyncMessage) {
	defer func() {
		if r := recover(); r != nil {
			// subscription closed between selection and send; drop.
			_ = r
		}
	}()
	select {
	case <-sub.ctx.Done():
	case sub.ch <- msg:
	default:
		observability.Log().Debug("sync subscriber lagging, message dropped",
			observability.F("type", string(msg.Type)),
			observability.F("origin", msg.OriginID))
	}
}

func (sub *subscriber) close() {
	sub.once.Do(func() {
		sub.cancel()
		close(sub.ch)
	})
}
