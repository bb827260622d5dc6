// Package realtime pushes monitoring events to dashboard clients over
// WebSocket: ledger appends, chain status changes, tamper alarm
// transitions, stream progress and newly detected cycles.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/regshield/internal/logging"
	"github.com/mbd888/regshield/internal/metrics"
)

// EventType names what changed in the session.
type EventType string

const (
	EventTransaction EventType = "transaction"
	EventChainStatus EventType = "chain_status"
	EventAlarm       EventType = "alarm"
	EventStream      EventType = "stream"
	EventCycle       EventType = "cycle"
)

// Event is one pushed message. Seq increases by one per broadcast so a
// client can tell it missed something; snapshot replays carry Seq 0.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// SnapshotFunc returns the current state as events, sent to each peer
// right after it connects so a fresh dashboard does not wait for the next
// change.
type SnapshotFunc func() []Event

// MaxPeers is the maximum number of concurrent WebSocket connections.
const MaxPeers = 1000

// Stats is the /ws/stats payload.
type Stats struct {
	Connected   int   `json:"connectedClients"`
	TotalEvents int64 `json:"totalEvents"`
	TotalPeers  int64 `json:"totalClients"`
	PeakPeers   int64 `json:"peakClients"`
	Dropped     int64 `json:"droppedEvents"`
}

// Hub fans events out to connected peers. All peer-set mutation happens
// on the Run goroutine.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	maxPeers int

	events     chan *Event
	register   chan *peer
	unregister chan *peer
	done       chan struct{} // closed when Run exits

	mu       sync.RWMutex
	peers    map[*peer]struct{}
	snapshot SnapshotFunc

	seq         atomic.Uint64
	totalEvents atomic.Int64
	totalPeers  atomic.Int64
	peakPeers   atomic.Int64
	dropped     atomic.Int64
}

// NewHub creates a hub. allowedOrigins lists browser origins permitted to
// connect in addition to the serving host; "*" allows any.
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	logger = logging.Component(logger, "realtime")
	return &Hub{
		logger:   logger,
		maxPeers: MaxPeers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		events:     make(chan *Event, 256),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		done:       make(chan struct{}),
		peers:      make(map[*peer]struct{}),
	}
}

// WithSnapshot sets the state replayed to new peers.
func (h *Hub) WithSnapshot(fn SnapshotFunc) *Hub {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		if origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Run owns the peer set until ctx is cancelled, then closes every peer.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for p := range h.peers {
				delete(h.peers, p)
				close(p.send)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case p := <-h.register:
			h.add(p)

		case p := <-h.unregister:
			h.remove(p)

		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	snap := h.snapshot
	h.mu.Unlock()

	h.totalPeers.Add(1)
	if int64(n) > h.peakPeers.Load() {
		h.peakPeers.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("peer connected", "peers", n)

	if snap == nil {
		return
	}
	for _, ev := range snap() {
		if !p.filter().Matches(&ev) {
			continue
		}
		select {
		case p.send <- encode(&ev):
		default:
			h.drop("slow_peer")
		}
	}
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.send)
	}
	n := len(h.peers)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("peer disconnected", "peers", n)
}

// fanOut delivers ev to every matching peer. A peer whose buffer is full
// is disconnected rather than allowed to stall the hub.
func (h *Hub) fanOut(ev *Event) {
	h.totalEvents.Add(1)
	payload := encode(ev)

	var slow []*peer
	h.mu.RLock()
	for p := range h.peers {
		if !p.filter().Matches(ev) {
			continue
		}
		select {
		case p.send <- payload:
		default:
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range slow {
		h.drop("slow_peer")
		h.logger.Warn("disconnecting slow websocket peer", "type", ev.Type)
		h.remove(p)
	}
}

func (h *Hub) drop(reason string) {
	h.dropped.Add(1)
	metrics.RealtimeEventsDropped.WithLabelValues(reason).Inc()
}

func encode(ev *Event) []byte {
	data, _ := json.Marshal(ev)
	return data
}

// Publish stamps data with the next sequence number and queues it. It
// never blocks; when the queue is full the event is dropped.
func (h *Hub) Publish(t EventType, data any) {
	ev := &Event{Seq: h.seq.Add(1), Type: t, Timestamp: time.Now().UTC(), Data: data}
	select {
	case h.events <- ev:
	default:
		h.drop("hub_full")
		h.logger.Warn("realtime queue full, dropping event", "type", t, "seq", ev.Seq)
	}
}

// Stats returns connection and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.peers)
	h.mu.RUnlock()
	return Stats{
		Connected:   n,
		TotalEvents: h.totalEvents.Load(),
		TotalPeers:  h.totalPeers.Load(),
		PeakPeers:   h.peakPeers.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a peer.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.peers)
	h.mu.RUnlock()
	if n >= h.maxPeers {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	p := newPeer(h, conn)
	select {
	case h.register <- p:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go p.writeLoop()
	go p.readLoop()
}
