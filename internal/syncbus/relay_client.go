package syncbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/schema"
)

// RelayBus is a Bus backed by a websocket relay. It maintains the
// connection with exponential backoff and fans received messages out to
// local subscribers through an embedded memory bus, so subscription
// semantics are identical to in-process operation.
type RelayBus struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	local  *MemoryBus

	connMu sync.RWMutex
	conn   *websocket.Conn

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// DialRelay connects to the relay at url. It blocks until the first
// connection is up or the timeout elapses; after that the connection is
// maintained in the background for the life of the bus.
func DialRelay(ctx context.Context, url string, buffer int, timeout time.Duration) (*RelayBus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	busCtx, cancel := context.WithCancel(ctx)
	b := &RelayBus{
		url:    url,
		ctx:    busCtx,
		cancel: cancel,
		local:  NewMemoryBus(buffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.maintain()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-b.ready:
		return b, nil
	case <-time.After(timeout):
		_ = b.Close()
		return nil, errs.New("syncbus/relay", errs.CodeUnavailable,
			errs.WithMessage("timeout waiting for relay connection"),
			errs.WithDetail("url", url))
	case <-busCtx.Done():
		_ = b.Close()
		return nil, errs.New("syncbus/relay", errs.CodeUnavailable,
			errs.WithMessage("context done before relay connected"),
			errs.WithCause(busCtx.Err()))
	}
}

// Publish writes msg to the relay. The relay echoes to all peers including
// this connection; receivers drop self-originated messages by origin id.
func (b *RelayBus) Publish(ctx context.Context, msg schema.SyncMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b.connMu.RLock()
	conn := b.conn
	b.connMu.RUnlock()
	if conn == nil {
		return errs.New("syncbus/relay", errs.CodeUnavailable, errs.WithMessage("relay not connected"))
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return errs.New("syncbus/relay", errs.CodeInvalid, errs.WithMessage("encode sync message"), errs.WithCause(err))
	}
	if ctx == nil {
		ctx = b.ctx
	}
	if err := conn.Write(ctx, websocket.MessageText, encoded); err != nil {
		return errs.New("syncbus/relay", errs.CodeNetwork, errs.WithMessage("relay write failed"), errs.WithCause(err))
	}
	return nil
}

// Subscribe registers a receiver for messages arriving from the relay.
func (b *RelayBus) Subscribe(ctx context.Context) (<-chan schema.SyncMessage, error) {
	return b.local.Subscribe(ctx)
}

// Close tears the connection down and closes all subscriptions.
func (b *RelayBus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.connMu.Lock()
		if b.conn != nil {
			_ = b.conn.Close(websocket.StatusNormalClosure, "shutdown")
			b.conn = nil
		}
		b.connMu.Unlock()
		<-b.done
		_ = b.local.Close()
	})
	return nil
}

// maintain keeps the websocket alive, reconnecting with exponential
// backoff and resuming the read loop after each reconnect.
func (b *RelayBus) maintain() {
	defer close(b.done)
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		if b.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(b.ctx, b.url, nil)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			observability.Log().Warn("relay dial failed",
				observability.F("url", b.url), observability.F("error", err))
			if !b.sleep(backoffCfg.NextBackOff()) {
				return
			}
			continue
		}

		b.connMu.Lock()
		b.conn = conn
		b.connMu.Unlock()
		b.readyOnce.Do(func() { close(b.ready) })
		backoffCfg.Reset()

		if err := b.readLoop(conn); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Warn("relay read loop ended", observability.F("error", err))
		}

		b.connMu.Lock()
		b.conn = nil
		b.connMu.Unlock()

		if !b.sleep(backoffCfg.NextBackOff()) {
			return
		}
	}
}

func (b *RelayBus) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("relay read: %w", err)
		}
		var msg schema.SyncMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observability.Log().Debug("dropping malformed relay message", observability.F("error", err))
			continue
		}
		if err := msg.Validate(); err != nil {
			observability.Log().Debug("dropping invalid relay message", observability.F("error", err))
			continue
		}
		if err := b.local.Publish(b.ctx, msg); err != nil {
			return err
		}
	}
}

func (b *RelayBus) sleep(d time.Duration) bool {
	select {
	case <-b.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
