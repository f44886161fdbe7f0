package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/observability"
)

// MemoryStore is an in-process implementation of the durable Store. Contexts
// sharing one instance observe each other's writes through Watch, which
// makes it the reference medium for same-process multi-context setups and
// tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string][]byte
	used     int64
	quota    int64
	watchers []*watcher
	closed   bool
}

type watcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	prefix string
	ch     chan Event
	once   sync.Once
}

// NewMemoryStore creates a memory-backed store. A quota of zero or less
// disables capacity enforcement.
func NewMemoryStore(quotaBytes int64) *MemoryStore {
	store := new(MemoryStore)
	store.records = make(map[string][]byte)
	store.quota = quotaBytes
	return store
}

// Get returns the stored value for key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctxErr(ctx, "memory store get"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	value, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New("storage/get", errs.CodeNotFound, errs.WithMessage("key not found"), errs.WithDetail("key", key))
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put stores value under key, enforcing the configured byte quota.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctxErr(ctx, "memory store put"); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.New("storage/put", errs.CodeUnavailable, errs.WithMessage("store closed"))
	}
	delta := int64(len(key) + len(stored))
	if prev, ok := s.records[key]; ok {
		delta -= int64(len(key) + len(prev))
	}
	if s.quota > 0 && s.used+delta > s.quota {
		s.mu.Unlock()
		return errs.New("storage/put", errs.CodeQuota,
			errs.WithMessage("storage quota exceeded"),
			errs.WithDetail("key", key))
	}
	s.records[key] = stored
	s.used += delta
	watchers := s.matchingWatchers(key)
	s.mu.Unlock()

	s.notify(watchers, Event{Key: key, Value: stored, Deleted: false})
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctxErr(ctx, "memory store delete"); err != nil {
		return err
	}
	s.mu.Lock()
	prev, ok := s.records[key]
	if ok {
		delete(s.records, key)
		s.used -= int64(len(key) + len(prev))
	}
	watchers := s.matchingWatchers(key)
	s.mu.Unlock()

	if ok {
		s.notify(watchers, Event{Key: key, Value: nil, Deleted: true})
	}
	return nil
}

// Keys lists stored keys under prefix in lexical order.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctxErr(ctx, "memory store keys"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Watch registers an observer for changes under prefix. The channel closes
// when ctx is cancelled or the store shuts down. Slow observers may miss
// events; consumers reconcile through their own conflict policy.
func (s *MemoryStore) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	w := new(watcher)
	w.ctx = ctx
	w.cancel = cancel
	w.prefix = prefix
	w.ch = make(chan Event, 64)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, errs.New("storage/watch", errs.CodeUnavailable, errs.WithMessage("store closed"))
	}
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	go s.observe(w)
	return w.ch, nil
}

// Close shuts the store down and releases all watchers.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watchers := append([]*watcher(nil), s.watchers...)
	s.watchers = nil
	s.mu.Unlock()

	for _, w := range watchers {
		w.close()
	}
}

// UsedBytes reports the current account of stored bytes.
func (s *MemoryStore) UsedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *MemoryStore) matchingWatchers(key string) []*watcher {
	matched := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		if w != nil && w.ctx.Err() == nil && strings.HasPrefix(key, w.prefix) {
			matched = append(matched, w)
		}
	}
	return matched
}

func (s *MemoryStore) notify(watchers []*watcher, event Event) {
	for _, w := range watchers {
		s.deliver(w, event)
	}
}

func (s *MemoryStore) deliver(w *watcher, event Event) {
	defer func() {
		if r := recover(); r != nil {
			// watcher closed its channel between match and send; drop.
			_ = r
		}
	}()
	select {
	case <-w.ctx.Done():
	case w.ch <- event:
	default:
		observability.Log().Debug("storage watcher lagging, event dropped",
			observability.F("key", event.Key), observability.F("prefix", w.prefix))
	}
}

func (s *MemoryStore) observe(w *watcher) {
	<-w.ctx.Done()
	s.mu.Lock()
	for i, candidate := range s.watchers {
		if candidate == w {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	w.close()
}

func (w *watcher) close() {
	w.once.Do(func() {
		w.cancel()
		close(w.ch)
	})
}

func ctxErr(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s context: %w", op, ctx.Err())
	default:
		return nil
	}
}
