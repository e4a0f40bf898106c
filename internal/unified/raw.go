package unified

// RawEvent is one engine event as it arrived on a channel.
type RawEvent struct {
	Engine    Engine `json:"engine"`
	Channel   string `json:"channel"`
	SessionID string `json:"session_id,omitempty"`
	Payload   []byte `json:"payload"`
}
