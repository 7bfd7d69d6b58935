package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/easci/sohbet/internal/store"
	"github.com/easci/sohbet/internal/transport"
)

// parseNewMessage validates and normalizes an inbound newMessage payload
// into a store record. Payloads without the identifying fields are
// rejected; everything else gets defaults.
func parseNewMessage(data json.RawMessage) (*store.Message, error) {
	var nm transport.NewMessage
	if err := json.Unmarshal(data, &nm); err != nil {
		return nil, fmt.Errorf("decode newMessage: %w", err)
	}
	if nm.ID == "" || nm.From == "" {
		return nil, fmt.Errorf("newMessage missing id or from")
	}

	status := nm.Status
	if store.StatusRank(status) < 0 {
		status = store.StatusSent
	}

	return &store.Message{
		ID:        nm.ID,
		Sender:    nm.From,
		Recipient: nm.To,
		Body:      nm.Message,
		Kind:      detectKind(&nm),
		Image:     nm.Image,
		Audio:     nm.Audio,
		Video:     nm.Video,
		Duration:  nm.Duration,
		Status:    status,
		Timestamp: parseTimestamp(nm.Timestamp),
	}, nil
}

// parseMessageStatus validates an inbound messageStatus payload.
func parseMessageStatus(data json.RawMessage) (*transport.MessageStatus, error) {
	var ms transport.MessageStatus
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("decode messageStatus: %w", err)
	}
	if ms.MessageID == "" {
		return nil, fmt.Errorf("messageStatus missing messageId")
	}
	if store.StatusRank(ms.Status) < 0 {
		return nil, fmt.Errorf("messageStatus unknown status %q", ms.Status)
	}
	return &ms, nil
}

// parseUserList decodes an inbound presence snapshot.
func parseUserList(data json.RawMessage) ([]transport.UserEntry, error) {
	var users []transport.UserEntry
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("decode userList: %w", err)
	}
	return users, nil
}

func detectKind(nm *transport.NewMessage) string {
	switch nm.Type {
	case store.KindText, store.KindImage, store.KindAudio, store.KindVideo:
		return nm.Type
	}
	switch {
	case nm.Image != "":
		return store.KindImage
	case nm.Audio != "":
		return store.KindAudio
	case nm.Video != "":
		return store.KindVideo
	default:
		return store.KindText
	}
}

// parseTimestamp converts the sender's RFC 3339 creation time to the
// store's millisecond sort key. An unparseable or absent timestamp falls
// back to arrival time; ordering then degrades to arrival order, which
// the forward-only status rule was designed to survive.
func parseTimestamp(s string) int64 {
	if s == "" {
		return time.Now().UnixMilli()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli()
	}
	return time.Now().UnixMilli()
}
