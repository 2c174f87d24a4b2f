package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"overlay-systemv1/internal/model"
)

// DefaultReplaySize is the number of envelopes kept per channel for late joiners.
const DefaultReplaySize = 500

// Hub manages chart WebSocket clients and fans overlay rows out to them.
// Every broadcast gets a global seq and a per-channel seq; the last
// replaySize envelopes of each channel are kept for gap backfill.
type Hub struct {
	log        *zap.Logger
	replaySize int
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64

	replayBufs map[string]*ReplayBuffer
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64 // channel seq
}

// NewHub creates a Hub. replaySize <= 0 selects DefaultReplaySize.
func NewHub(log *zap.Logger, replaySize int) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if replaySize <= 0 {
		replaySize = DefaultReplaySize
	}
	return &Hub{
		log:        log.With(zap.String("component", "gateway")),
		replaySize: replaySize,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
		},
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
	}
}

// BroadcastRow publishes an overlay row on its pub:overlay channel.
func (h *Hub) BroadcastRow(row model.OverlayRow) {
	h.Broadcast(row.PubSubChannel(), row.JSON())
}

// ServeHTTP upgrades the request to a WebSocket and registers the client.
// An optional last_ts query parameter limits the initial state to channels
// updated after that instant.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	conn.EnableWriteCompression(true)

	var cutoff time.Time
	if lastTS := r.URL.Query().Get("last_ts"); lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	client := newClient(h, conn)
	count := h.addClient(client, cutoff)
	h.log.Info("ws client connected", zap.Int("clients", count))

	go client.writePump()
	go client.readPump()
}

// addClient registers c and queues the latest envelope of every channel
// touched after cutoff. Returns the new client count.
func (h *Hub) addClient(c *Client, cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = true
	for channel, entry := range h.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		c.enqueue(initialEnvelope(channel, entry))
	}
	return len(h.clients)
}

// RemoveClient removes a client from the hub and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

// Latest returns the most recent payload published on channel.
func (h *Hub) Latest(channel string) (json.RawMessage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.latest[channel]
	return e.Data, ok
}

// LatestAll returns a snapshot of every channel's latest payload.
func (h *Hub) LatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// Replay returns buffered envelopes for a channel with channel seq in
// [fromSeq, toSeq].
func (h *Hub) Replay(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replayBufs[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// ChannelSeq returns the current sequence number for a channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
