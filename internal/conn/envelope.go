package conn

import "encoding/json"

// Envelope is the wire frame for every websocket message in both
// directions. ID is set only on frames that expect or carry an
// acknowledgement.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Session describes the authenticated user as reported by the server.
type Session struct {
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	SharePosition bool   `json:"sharePosition"`
}

// PresenceUser is one entry of a users_update roster broadcast.
type PresenceUser struct {
	UserID    string  `json:"userId"`
	Username  string  `json:"username"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}

// InboundMessage is a new_message frame. Status is optional; absent means
// the receiving side decides (delivered on arrival).
type InboundMessage struct {
	MessageID   string `json:"messageId"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Body        string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
	Status      string `json:"status,omitempty"`
}

// StatusUpdate is a message_status frame: the server advanced a message
// this client sent.
type StatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// SeenUpdate is a message_seen frame: the recipient read a message this
// client sent.
type SeenUpdate struct {
	MessageID string `json:"messageId"`
}

// CloseInfo is the payload of conn.closed events.
type CloseInfo struct {
	Deliberate bool
	Reason     string
}

type usersUpdatePayload struct {
	Users []PresenceUser `json:"users"`
}

type ackPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type sendMessagePayload struct {
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
	MessageID   string `json:"messageId"`
}

type receiptPayload struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type errMessagePayload struct {
	Message string `json:"message"`
}

type disconnectPayload struct {
	Reason string `json:"reason"`
}
