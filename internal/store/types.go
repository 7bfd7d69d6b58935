package store

// Message statuses, forward-only: sent < delivered < read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
	KindAudio = "audio"
	KindVideo = "video"
)

// statusRankExpr maps a status column to its ordering rank in SQL, so the
// forward-only invariant holds inside the write itself rather than in
// read-modify-write Go code. Unknown statuses rank below sent and can
// never win a merge.
const statusRankExpr = `CASE %s WHEN 'sent' THEN 0 WHEN 'delivered' THEN 1 WHEN 'read' THEN 2 ELSE -1 END`

// Message is a stored chat message. ID is assigned by the sender and is
// globally unique per conversation; re-inserting an existing ID merges
// instead of duplicating.
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Body      string
	Kind      string
	Image     string
	Audio     string
	Video     string
	Duration  float64
	Status    string
	Timestamp int64 // unix millis, the conversation sort key
	IsLocal   bool
}

// PendingReceipt is a delivery acknowledgment awaiting transmission,
// owned exclusively by the receipt coordinator. Event is the outbound
// event name to emit (messageDelivered, or notificationReceived for
// silent receipts).
type PendingReceipt struct {
	MessageID string
	Recipient string
	Sender    string
	Event     string
}

// StatusRank returns the ordering rank of a status, -1 for unknown.
func StatusRank(status string) int {
	switch status {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}
