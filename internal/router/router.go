package router

import (
	"time"

	"go.uber.org/zap"

	"github.com/easci/sohbet/internal/bus"
	"github.com/easci/sohbet/internal/store"
	"github.com/easci/sohbet/internal/transport"
)

// Emitter sends named events back over the live connection.
type Emitter interface {
	Emit(event string, payload any) error
}

// Focus reports the locally-focused conversation partner, empty when no
// conversation is open.
type Focus interface {
	Focused() string
}

// Router demultiplexes inbound transport frames into store writes and
// published state changes. It holds no state of its own; everything it
// learns is pushed into the store or onto the bus.
type Router struct {
	db       *store.DB
	emitter  Emitter
	focus    Focus
	bus      *bus.Bus
	logger   *zap.Logger
	username string
}

// New creates a router for the given local identity.
func New(db *store.DB, emitter Emitter, focus Focus, b *bus.Bus, username string, logger *zap.Logger) *Router {
	return &Router{
		db:       db,
		emitter:  emitter,
		focus:    focus,
		bus:      b,
		logger:   logger,
		username: username,
	}
}

// HandleFrame is registered as the transport's inbound frame handler.
// Malformed payloads are logged and dropped; the router never escalates
// them.
func (r *Router) HandleFrame(f transport.Frame) {
	switch f.Event {
	case transport.EventNewMessage:
		r.handleNewMessage(f)
	case transport.EventMessageStatus:
		r.handleMessageStatus(f)
	case transport.EventUserList:
		r.handleUserList(f)
	default:
		r.logger.Debug("ignoring unknown event", zap.String("event", f.Event))
	}
}

func (r *Router) handleNewMessage(f transport.Frame) {
	msg, err := parseNewMessage(f.Data)
	if err != nil {
		r.logger.Warn("dropping malformed newMessage", zap.Error(err))
		return
	}

	if err := r.db.UpsertMessage(msg, msg.Sender == r.username); err != nil {
		r.logger.Error("failed to store inbound message", zap.Error(err), zap.String("message_id", msg.ID))
		return
	}

	r.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"message_id": msg.ID, "sender": msg.Sender},
	})

	// A message from the open conversation is read the moment it lands.
	if msg.Sender != r.username && msg.Sender == r.focus.Focused() {
		if err := r.emitter.Emit(transport.EventMessageRead, transport.MessageRead{MessageID: msg.ID}); err != nil {
			r.logger.Warn("read receipt emit failed", zap.Error(err), zap.String("message_id", msg.ID))
		}
	}
}

func (r *Router) handleMessageStatus(f transport.Frame) {
	ms, err := parseMessageStatus(f.Data)
	if err != nil {
		r.logger.Warn("dropping malformed messageStatus", zap.Error(err))
		return
	}

	if err := r.db.UpdateStatus(ms.MessageID, ms.Status); err != nil {
		r.logger.Error("failed to update message status", zap.Error(err), zap.String("message_id", ms.MessageID))
		return
	}

	r.bus.Publish(bus.Event{
		Kind:      "message.status_changed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"message_id": ms.MessageID, "status": ms.Status},
	})
}

func (r *Router) handleUserList(f transport.Frame) {
	users, err := parseUserList(f.Data)
	if err != nil {
		r.logger.Warn("dropping malformed userList", zap.Error(err))
		return
	}

	// The local identity never appears in its own presence list.
	online := make([]string, 0, len(users))
	for _, u := range users {
		if u.Username == r.username || !u.IsOnline {
			continue
		}
		online = append(online, u.Username)
	}

	r.bus.Publish(bus.Event{
		Kind:      "presence.updated",
		Timestamp: time.Now(),
		Payload:   online,
	})
}
