// Package syncer keeps cart state convergent across execution contexts. It
// pairs a low-latency broadcast bus with the durable storage watch: the bus
// delivers fast best-effort updates, the watch guarantees reconciliation,
// and last-write-wins resolves every conflict the same way everywhere.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/veldra/storekit/internal/cart"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/schema"
	"github.com/veldra/storekit/internal/storage"
	"github.com/veldra/storekit/internal/syncbus"
)

// Config bounds the syncer's timing behavior.
type Config struct {
	// Debounce coalesces bursts of local mutations into one broadcast.
	Debounce time.Duration
	// Guard suppresses outbound broadcasts briefly after a remote apply,
	// breaking echo loops between contexts.
	Guard time.Duration
}

func (c Config) normalize() Config {
	if c.Debounce <= 0 {
		c.Debounce = 150 * time.Millisecond
	}
	if c.Guard <= 0 {
		c.Guard = 100 * time.Millisecond
	}
	return c
}

// ChangeFunc observes the cart after a remote update lands.
type ChangeFunc func(snapshot cart.Snapshot)

// Syncer wires one cart store into the cross-context mesh.
type Syncer struct {
	store    *cart.Store
	bus      syncbus.Bus
	durable  storage.Store
	cfg      Config
	originID string
	clock    func() time.Time

	mu         sync.Mutex
	pending    *pendingBroadcast
	timer      *time.Timer
	lastRemote time.Time
	onChange   ChangeFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	applied   metric.Int64Counter
	discarded metric.Int64Counter
	published metric.Int64Counter
}

type pendingBroadcast struct {
	msgType schema.SyncType
	record  schema.CartRecord
}

// Option customises syncer construction.
type Option func(*Syncer)

// WithClock injects the time source used for guard-window decisions.
func WithClock(clock func() time.Time) Option {
	return func(s *Syncer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithOriginID overrides the generated context identity.
func WithOriginID(id string) Option {
	return func(s *Syncer) {
		if id != "" {
			s.originID = id
		}
	}
}

// OnChange registers the observer called after each applied remote update.
func OnChange(fn ChangeFunc) Option {
	return func(s *Syncer) { s.onChange = fn }
}

// New wires the syncer and registers it as the store's emitter. Call Start
// to begin receiving.
func New(store *cart.Store, bus syncbus.Bus, durable storage.Store, cfg Config, opts ...Option) *Syncer {
	meter := otel.Meter("storekit/syncer")
	applied, _ := meter.Int64Counter("storekit.sync.remote_applied")
	discarded, _ := meter.Int64Counter("storekit.sync.remote_discarded")
	published, _ := meter.Int64Counter("storekit.sync.published")

	s := &Syncer{
		store:     store,
		bus:       bus,
		durable:   durable,
		cfg:       cfg.normalize(),
		originID:  uuid.NewString(),
		clock:     time.Now,
		applied:   applied,
		discarded: discarded,
		published: published,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	store.SetEmitter(s.enqueue)
	return s
}

// OriginID returns this context's identity on the bus.
func (s *Syncer) OriginID() string { return s.originID }

// Start begins consuming bus messages and durable watch events, then asks
// peers for their current state so a fresh context converges immediately.
func (s *Syncer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	messages, err := s.bus.Subscribe(s.ctx)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go s.consumeBus(messages)

	if s.durable != nil {
		events, err := s.durable.Watch(s.ctx, schema.CartKey)
		if err != nil {
			s.cancel()
			s.wg.Wait()
			return err
		}
		s.wg.Add(1)
		go s.consumeWatch(events)
	}

	s.requestSync()
	return nil
}

// Close flushes any pending broadcast and stops the consumers.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		s.publish(pending.msgType, pending.record)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// enqueue is the store's emitter hook: it coalesces mutations inside the
// debounce window, always keeping only the newest record.
func (s *Syncer) enqueue(msgType schema.SyncType, record schema.CartRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastRemote.IsZero() && s.clock().Sub(s.lastRemote) < s.cfg.Guard {
		// this mutation races a just-applied remote update; peers already
		// have newer-or-equal state, so stay quiet
		return
	}
	s.pending = &pendingBroadcast{msgType: msgType, record: record}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.Debounce, s.flush)
	} else {
		s.timer.Reset(s.cfg.Debounce)
	}
}

func (s *Syncer) flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()
	if pending == nil {
		return
	}
	s.publish(pending.msgType, pending.record)
}

func (s *Syncer) publish(msgType schema.SyncType, record schema.CartRecord) {
	msg, err := schema.NewCartMessage(msgType, record, s.originID)
	if err != nil {
		observability.Log().Error("building sync message failed", observability.F("error", err))
		return
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.bus.Publish(ctx, msg); err != nil {
		observability.Log().Warn("sync publish failed", observability.F("error", err))
		return
	}
	s.published.Add(ctx, 1)
}

// requestSync broadcasts a SYNC_REQUEST so existing contexts push their
// current state to this one.
func (s *Syncer) requestSync() {
	msg := schema.SyncMessage{
		Type:      schema.SyncRequest,
		Timestamp: schema.UnixMillis(s.clock()),
		OriginID:  s.originID,
	}
	if err := s.bus.Publish(s.ctx, msg); err != nil {
		observability.Log().Debug("sync request publish failed", observability.F("error", err))
	}
}

func (s *Syncer) consumeBus(messages <-chan schema.SyncMessage) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.handle(msg)
		}
	}
}

func (s *Syncer) handle(msg schema.SyncMessage) {
	if msg.OriginID == s.originID {
		return
	}
	switch msg.Type {
	case schema.SyncCartUpdated, schema.SyncCartCleared:
		record, err := msg.CartPayload()
		if err != nil {
			observability.Log().Debug("dropping undecodable sync payload", observability.F("error", err))
			return
		}
		s.applyRemote(record)
	case schema.SyncRequest:
		// answer immediately with the authoritative local state
		s.publish(schema.SyncCartUpdated, s.store.Record())
	}
}

func (s *Syncer) consumeWatch(events <-chan storage.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Key != schema.CartKey || event.Deleted {
				continue
			}
			record, err := schema.DecodeCartRecord(event.Value)
			if err != nil {
				observability.Log().Debug("ignoring unreadable cart event", observability.F("error", err))
				continue
			}
			s.applyRemote(record)
		}
	}
}

// applyRemote runs last-write-wins and arms the echo guard on success.
// Discards are silent by design: stale and duplicate messages are normal
// traffic, not errors.
func (s *Syncer) applyRemote(record schema.CartRecord) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.store.ApplyRemote(ctx, record) {
		s.discarded.Add(ctx, 1)
		return
	}
	s.mu.Lock()
	s.lastRemote = s.clock()
	onChange := s.onChange
	s.mu.Unlock()
	s.applied.Add(ctx, 1)

	if onChange != nil {
		onChange(s.store.Snapshot())
	}
}
