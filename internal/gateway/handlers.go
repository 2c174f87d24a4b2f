package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes mounts the WebSocket endpoint and the gateway REST routes.
//
//	GET /ws                                          WebSocket
//	GET /api/overlay/latest                          latest row per channel
//	GET /api/overlay/missed?channel=&from=N[&to=M]   buffered envelopes for gap backfill
func RegisterRoutes(mux *http.ServeMux, hub *Hub) {
	mux.Handle("/ws", hub)

	mux.HandleFunc("/api/overlay/latest", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.LatestAll())
	})

	mux.HandleFunc("/api/overlay/missed", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		q := r.URL.Query()
		channel := q.Get("channel")
		from, err := strconv.ParseInt(q.Get("from"), 10, 64)
		if channel == "" || err != nil {
			http.Error(w, "channel and from are required", http.StatusBadRequest)
			return
		}
		to := hub.ChannelSeq(channel)
		if s := q.Get("to"); s != "" {
			if to, err = strconv.ParseInt(s, 10, 64); err != nil {
				http.Error(w, "bad to", http.StatusBadRequest)
				return
			}
		}

		envelopes := hub.Replay(channel, from, to)
		out := make([]json.RawMessage, len(envelopes))
		for i, e := range envelopes {
			out[i] = e
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})
}
