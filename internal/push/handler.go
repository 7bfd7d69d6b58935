// Package push turns host push notifications into synchronized, durable,
// acknowledged messages. The host hands us the raw notification payload
// and a completion callback; we persist the message, open a bounded
// execution window, and push the delivery receipt to the backend before
// signalling completion.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/easci/sohbet/internal/bus"
	"github.com/easci/sohbet/internal/store"
)

// TypeSilentReceipt marks a payload that carries no displayable message;
// the backend only wants to know the notification arrived.
const TypeSilentReceipt = "silent_receipt"

// Payload is the parsed form of a push notification's user info.
type Payload struct {
	MessageID  string
	Username   string // local recipient identity
	SenderName string
	Type       string
	Message    string
	Image      string
	Audio      string
	Video      string
	Duration   float64
}

// ParsePayload extracts a Payload from the opaque notification map.
// messageId, username and senderName are required; everything else is
// optional.
func ParsePayload(raw map[string]any) (*Payload, error) {
	p := &Payload{
		MessageID:  str(raw, "messageId"),
		Username:   str(raw, "username"),
		SenderName: str(raw, "senderName"),
		Type:       str(raw, "type"),
		Message:    str(raw, "message"),
		Image:      str(raw, "image"),
		Audio:      str(raw, "audio"),
		Video:      str(raw, "video"),
	}
	if p.MessageID == "" {
		return nil, fmt.Errorf("push payload missing messageId")
	}
	if p.Username == "" {
		return nil, fmt.Errorf("push payload missing username")
	}
	if p.SenderName == "" {
		return nil, fmt.Errorf("push payload missing senderName")
	}
	p.Duration = num(raw, "duration")
	return p, nil
}

// str reads a string field; non-string values are ignored.
func str(raw map[string]any, key string) string {
	if s, ok := raw[key].(string); ok {
		return s
	}
	return ""
}

// num reads a numeric field. Push transports frequently stringify
// numbers, so string and json.Number forms are accepted too.
func num(raw map[string]any, key string) float64 {
	switch v := raw[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func (p *Payload) kind() string {
	switch p.Type {
	case store.KindText, store.KindImage, store.KindAudio, store.KindVideo:
		return p.Type
	}
	switch {
	case p.Image != "":
		return store.KindImage
	case p.Audio != "":
		return store.KindAudio
	case p.Video != "":
		return store.KindVideo
	}
	return store.KindText
}

// Windower is the slice of the window manager the handler drives.
type Windower interface {
	BeginWork(done func(error)) error
	Complete(err error)
}

// Acknowledger is the slice of the receipt coordinator the handler
// drives.
type Acknowledger interface {
	Acknowledge(ctx context.Context, messageID, recipient, sender string) error
	AcknowledgeSilent(ctx context.Context, messageID, recipient, sender string) error
}

// TokenRegistrar forwards push tokens to the connection controller.
type TokenRegistrar interface {
	SetPushToken(token string)
}

// Handler is the push-triggered delivery pipeline.
type Handler struct {
	db       *store.DB
	windows  Windower
	receipts Acknowledger
	tokens   TokenRegistrar
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewHandler creates a push handler.
func NewHandler(db *store.DB, windows Windower, receipts Acknowledger, tokens TokenRegistrar, b *bus.Bus, logger *zap.Logger) *Handler {
	return &Handler{
		db:       db,
		windows:  windows,
		receipts: receipts,
		tokens:   tokens,
		bus:      b,
		logger:   logger,
	}
}

// Handle processes one push notification. completion is invoked exactly
// once: nil when the receipt made it out (or the payload was malformed
// and there is nothing to do), an error when the execution window
// expired or the acknowledgment could not be delivered.
//
// The message is persisted before any network activity, so it survives
// even if the window expires mid-acknowledgment; the queued receipt goes
// out on the next connect.
func (h *Handler) Handle(ctx context.Context, raw map[string]any, completion func(error)) {
	p, err := ParsePayload(raw)
	if err != nil {
		h.logger.Warn("dropping malformed push payload", zap.Error(err))
		completion(nil)
		return
	}

	if p.Type != TypeSilentReceipt {
		msg := &store.Message{
			ID:        p.MessageID,
			Sender:    p.SenderName,
			Recipient: p.Username,
			Body:      p.Message,
			Kind:      p.kind(),
			Image:     p.Image,
			Audio:     p.Audio,
			Video:     p.Video,
			Duration:  p.Duration,
			Status:    store.StatusDelivered,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := h.db.UpsertMessage(msg, false); err != nil {
			h.logger.Error("failed to persist pushed message", zap.Error(err), zap.String("message_id", p.MessageID))
		} else {
			h.bus.Publish(bus.Event{Kind: "message.upserted", Timestamp: time.Now(), Payload: msg})
		}
	}

	if err := h.windows.BeginWork(completion); err != nil {
		h.logger.Error("failed to open execution window", zap.Error(err))
		completion(err)
		return
	}

	h.logger.Info("push accepted",
		zap.String("message_id", p.MessageID),
		zap.String("sender", p.SenderName),
		zap.Bool("silent", p.Type == TypeSilentReceipt))

	go func() {
		var ackErr error
		if p.Type == TypeSilentReceipt {
			ackErr = h.receipts.AcknowledgeSilent(ctx, p.MessageID, p.Username, p.SenderName)
		} else {
			ackErr = h.receipts.Acknowledge(ctx, p.MessageID, p.Username, p.SenderName)
		}
		h.windows.Complete(ackErr)
	}()
}

// RegisterToken forwards a push token obtained by the host app; the
// controller registers it now if connected and after every reconnect.
func (h *Handler) RegisterToken(token string) {
	h.tokens.SetPushToken(token)
	h.logger.Info("push token registered")
}
