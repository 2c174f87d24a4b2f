package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"overlay-systemv1/internal/model"
)

const (
	sendQueueSize = 256
	pingInterval  = 30 * time.Second
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	maxMessage    = 4096
)

// Client is a single WebSocket peer.
//
// A client without subscriptions receives every channel. Once it sends a
// SUBSCRIBE it only receives the overlay channels it subscribed to.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// guarded by hub.mu
	subs map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		hub:  h,
		subs: make(map[string]bool),
	}
}

// enqueue drops the message when the client is too slow to keep up.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// matchesChannel reports whether a broadcast on channel goes to this client.
// Callers hold hub.mu.
func (c *Client) matchesChannel(channel string) bool {
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[channel]
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		c.hub.log.Info("ws client disconnected", zap.Int("clients", c.hub.ClientCount()))
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage dispatches one client frame.
func (c *Client) handleMessage(msg []byte) {
	var base struct {
		Type string `json:"type"`
		Ping int64  `json:"ping"`
	}
	if json.Unmarshal(msg, &base) != nil {
		return
	}

	switch base.Type {
	case "SUBSCRIBE":
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.sendError("", "invalid SUBSCRIBE: "+err.Error())
			return
		}
		c.handleSubscribe(sub)
	case "UNSUBSCRIBE":
		var unsub UnsubscribeMsg
		if err := json.Unmarshal(msg, &unsub); err != nil {
			return
		}
		c.handleUnsubscribe(unsub)
	default:
		if base.Ping > 0 {
			c.sendJSON(PongResponse{Type: "pong", Ping: base.Ping, ServerTS: time.Now().UnixMilli()})
		}
	}
}

// handleSubscribe adds the instrument's overlay channel and backfills every
// buffered envelope newer than LastSeq.
func (c *Client) handleSubscribe(msg SubscribeMsg) {
	if msg.Symbol == "" || msg.TF <= 0 {
		c.sendError(msg.ReqID, "symbol and tf are required")
		return
	}
	channel := model.OverlayChannel(msg.Symbol, msg.TF)

	h := c.hub
	h.mu.Lock()
	c.subs[channel] = true
	seq := h.channelSeqs[channel]
	var backlog []ReplayEntry
	if rb, ok := h.replayBufs[channel]; ok {
		backlog = rb.After(msg.LastSeq)
	}
	ack, _ := json.Marshal(SubscribedResponse{
		Type:       "SUBSCRIBED",
		ReqID:      msg.ReqID,
		Channel:    channel,
		ChannelSeq: seq,
		Replayed:   len(backlog),
	})
	c.enqueue(ack)
	for _, e := range backlog {
		if !c.enqueue(e.Data) {
			h.log.Warn("replay truncated, client queue full", zap.String("channel", channel))
			break
		}
	}
	h.mu.Unlock()

	h.log.Debug("client subscribed",
		zap.String("channel", channel),
		zap.Int64("last_seq", msg.LastSeq),
		zap.Int("replayed", len(backlog)))
}

func (c *Client) handleUnsubscribe(msg UnsubscribeMsg) {
	channel := model.OverlayChannel(msg.Symbol, msg.TF)
	c.hub.mu.Lock()
	delete(c.subs, channel)
	c.hub.mu.Unlock()
	c.hub.log.Debug("client unsubscribed", zap.String("channel", channel))
}

func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Error("json marshal failed", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.hub.log.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) sendError(reqID, errMsg string) {
	c.sendJSON(ErrorResponse{Type: "ERROR", ReqID: reqID, Error: errMsg})
}
