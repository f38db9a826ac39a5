package ws

// Frame types exchanged with the relay. Requests carry a correlation ID the
// relay echoes back in its ack; deliveries carry the SubID of the
// subscription they belong to.
const (
	FramePublish             = "publish"
	FrameEnter               = "enter"
	FrameLeave               = "leave"
	FramePresence            = "presence"
	FrameSubscribe           = "subscribe"
	FrameUnsubscribe         = "unsubscribe"
	FramePresenceSubscribe   = "presence_subscribe"
	FramePresenceUnsubscribe = "presence_unsubscribe"
	FrameAck                 = "ack"
	FrameMessage             = "message"
	FramePresenceEvent       = "presence_event"
)

// Frame is the single wire envelope of the relay protocol.
type Frame struct {
	ID       string   `json:"id,omitempty"`
	Type     string   `json:"type"`
	Topic    string   `json:"topic,omitempty"`
	SubID    string   `json:"sub_id,omitempty"`
	Name     string   `json:"name,omitempty"`
	Data     string   `json:"data,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	Action   string   `json:"action,omitempty"`
	Members  []string `json:"members,omitempty"`
	Err      string   `json:"error,omitempty"`
}
