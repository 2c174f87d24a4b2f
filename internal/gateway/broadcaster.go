package gateway

import (
	"encoding/json"
	"strconv"
	"time"
)

// Broadcast sends data on a channel to every client subscribed to it.
//
// The envelope is hand-crafted (~1μs vs ~25μs for json.Marshal):
//
//	{"channel":"...","data":<data>,"ts":"RFC3339Nano","seq":N,"channel_seq":N}
//
// Sequencing, buffering and fan-out happen under one lock so a client that
// subscribes concurrently sees each envelope exactly once, either from the
// replay buffer or live.
func (h *Hub) Broadcast(channel string, data []byte) {
	now := time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.seq++
	seq := h.seq
	h.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}

	buf := buildEnvelope(channel, data, now, seq, channelSeq)

	rb, ok := h.replayBufs[channel]
	if !ok {
		rb = NewReplayBuffer(h.replaySize)
		h.replayBufs[channel] = rb
	}
	rb.Push(channelSeq, buf)

	for client := range h.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		client.enqueue(buf)
	}
}

func buildEnvelope(channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+160)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}

// initialEnvelope wraps a channel's latest payload for a newly connected client.
func initialEnvelope(channel string, e latestEntry) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"channel":     channel,
		"data":        e.Data,
		"ts":          e.TS.Format(time.RFC3339Nano),
		"channel_seq": e.Seq,
		"initial":     true,
	})
	return b
}
