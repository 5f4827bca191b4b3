package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind is a dot-separated name whose leading segment is the namespace, e.g.
// "conn.authenticated", "chat.message", "presence.roster", "message.upserted",
// "session.state_changed". Subscribers filter by namespace prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
