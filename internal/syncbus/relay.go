package syncbus

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/schema"
)

// Relay is the websocket hub that fans sync messages out across
// processes. Every message received from one peer is echoed to all
// connected peers, the sender included; clients dedupe by origin id.
type Relay struct {
	mu    sync.Mutex
	peers map[*relayPeer]struct{}

	received metric.Int64Counter
	dropped  metric.Int64Counter
}

type relayPeer struct {
	conn *websocket.Conn
	ctx  context.Context
	send chan []byte
	once sync.Once
}

// NewRelay constructs an empty hub.
func NewRelay() *Relay {
	meter := otel.Meter("storekit/syncbus")
	received, _ := meter.Int64Counter("storekit.relay.messages_received")
	dropped, _ := meter.Int64Counter("storekit.relay.messages_dropped")
	return &Relay{
		peers:    make(map[*relayPeer]struct{}),
		received: received,
		dropped:  dropped,
	}
}

// ServeHTTP upgrades the request and pumps messages until the peer
// disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		observability.Log().Warn("relay accept failed", observability.F("error", err))
		return
	}

	ctx := req.Context()
	peer := &relayPeer{
		conn: conn,
		ctx:  ctx,
		send: make(chan []byte, 32),
	}
	r.mu.Lock()
	r.peers[peer] = struct{}{}
	total := len(r.peers)
	r.mu.Unlock()
	observability.Log().Info("relay peer connected", observability.F("peers", total))

	go peer.writeLoop()
	r.readLoop(peer)

	r.mu.Lock()
	delete(r.peers, peer)
	total = len(r.peers)
	r.mu.Unlock()
	peer.close()
	observability.Log().Info("relay peer disconnected", observability.F("peers", total))
}

// PeerCount reports the current number of connected peers.
func (r *Relay) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Relay) readLoop(peer *relayPeer) {
	for {
		_, data, err := peer.conn.Read(peer.ctx)
		if err != nil {
			return
		}
		var msg schema.SyncMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observability.Log().Debug("relay dropping malformed message", observability.F("error", err))
			continue
		}
		if err := msg.Validate(); err != nil {
			observability.Log().Debug("relay dropping invalid message", observability.F("error", err))
			continue
		}
		r.received.Add(peer.ctx, 1)
		r.broadcast(peer.ctx, data)
	}
}

func (r *Relay) broadcast(ctx context.Context, data []byte) {
	r.mu.Lock()
	targets := make([]*relayPeer, 0, len(r.peers))
	for peer := range r.peers {
		targets = append(targets, peer)
	}
	r.mu.Unlock()

	for _, peer := range targets {
		r.send(ctx, peer, data)
	}
}

func (r *Relay) send(ctx context.Context, peer *relayPeer, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			// peer closed between snapshot and send; drop.
			_ = rec
		}
	}()
	select {
	case peer.send <- data:
	default:
		// slow consumer; the durable watch will reconcile it
		r.dropped.Add(ctx, 1)
	}
}

func (p *relayPeer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case data, ok := <-p.send:
			if !ok {
				return
			}
			if err := p.conn.Write(p.ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (p *relayPeer) close() {
	p.once.Do(func() {
		close(p.send)
		_ = p.conn.Close(websocket.StatusNormalClosure, "")
	})
}
