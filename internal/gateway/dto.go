package gateway

// SubscribeMsg asks for one instrument's overlay rows. LastSeq is the last
// channel_seq the client saw; buffered envelopes after it are replayed
// (0 replays the whole buffer).
type SubscribeMsg struct {
	Type    string `json:"type"`
	ReqID   string `json:"req_id,omitempty"`
	Symbol  string `json:"symbol"`
	TF      int    `json:"tf"`
	LastSeq int64  `json:"last_seq,omitempty"`
}

// UnsubscribeMsg drops an instrument subscription.
type UnsubscribeMsg struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	TF     int    `json:"tf"`
}

// SubscribedResponse acknowledges a SUBSCRIBE.
type SubscribedResponse struct {
	Type       string `json:"type"`
	ReqID      string `json:"req_id,omitempty"`
	Channel    string `json:"channel"`
	ChannelSeq int64  `json:"channel_seq"`
	Replayed   int    `json:"replayed"`
}

// ErrorResponse reports a rejected client message.
type ErrorResponse struct {
	Type  string `json:"type"`
	ReqID string `json:"req_id,omitempty"`
	Error string `json:"error"`
}

// PongResponse answers a {"ping":N} frame.
type PongResponse struct {
	Type     string `json:"type"`
	Ping     int64  `json:"ping"`
	ServerTS int64  `json:"server_ts"`
}
