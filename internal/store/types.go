package store

// MessageStatus is the delivery state of a message. The numeric value is the
// merge rank (failed < sent < delivered < seen): the status stream only ever
// moves a stored message to an equal-or-higher rank.
type MessageStatus int

const (
	StatusFailed MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusSeen
)

// String returns the wire name of the status.
func (s MessageStatus) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusSeen:
		return "seen"
	}
	return "unknown"
}

// ParseStatus maps a wire status name to its rank. Unknown names report false.
func ParseStatus(s string) (MessageStatus, bool) {
	switch s {
	case "failed":
		return StatusFailed, true
	case "sent":
		return StatusSent, true
	case "delivered":
		return StatusDelivered, true
	case "seen":
		return StatusSeen, true
	}
	return StatusSent, false
}

// ConversationID derives the storage key for a pair of user ids. The ids are
// sorted before joining so both sides of a conversation compute the same key.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// Message represents a stored chat message.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	RecipientID    string
	Body           string
	Status         MessageStatus
	SentAt         int64
	CreatedAt      int64
}

// Conversation is the denormalized per-peer summary shown in chat lists.
type Conversation struct {
	PeerID          string
	DisplayName     string
	LastMessageBody string
	LastMessageAt   int64
	UnreadCount     int
	UpdatedAt       int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
