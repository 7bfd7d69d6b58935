package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind is a dot-separated name; the leading segment is the namespace
// subscribers filter on (conn.*, message.*, presence.*, receipt.*,
// window.*).
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
