// Package chat implements the local user's message operations: composing,
// conversation focus, history and deletion. Everything writes through the
// store first; the transport is best-effort on top.
package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/easci/sohbet/internal/bus"
	"github.com/easci/sohbet/internal/status"
	"github.com/easci/sohbet/internal/store"
	"github.com/easci/sohbet/internal/transport"
)

// Connection is the slice of the connection controller the service uses.
type Connection interface {
	State() status.State
	Emit(event string, payload any) error
}

// Service owns sends and the focused conversation. It satisfies the
// router's Focus dependency.
type Service struct {
	db       *store.DB
	conn     Connection
	bus      *bus.Bus
	logger   *zap.Logger
	username string

	mu      sync.Mutex
	focused string
}

// New creates a chat service for the local identity.
func New(db *store.DB, conn Connection, b *bus.Bus, username string, logger *zap.Logger) *Service {
	return &Service{
		db:       db,
		conn:     conn,
		bus:      b,
		logger:   logger,
		username: username,
	}
}

// Send composes a text message to another user. The message is stored
// locally with status sent before any transmission; if the connection is
// down or the emit fails, the status simply stays sent until the backend
// confirms delivery through a messageStatus event.
func (s *Service) Send(to, body string) (*store.Message, error) {
	return s.send(&store.Message{
		ID:        uuid.New().String(),
		Sender:    s.username,
		Recipient: to,
		Body:      body,
		Kind:      store.KindText,
		Status:    store.StatusSent,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendMedia composes a media message. kind selects which slot the blob
// fills; duration only applies to audio and video.
func (s *Service) SendMedia(to, kind, blob string, duration float64) (*store.Message, error) {
	m := &store.Message{
		ID:        uuid.New().String(),
		Sender:    s.username,
		Recipient: to,
		Kind:      kind,
		Duration:  duration,
		Status:    store.StatusSent,
		Timestamp: time.Now().UnixMilli(),
	}
	switch kind {
	case store.KindImage:
		m.Image = blob
	case store.KindAudio:
		m.Audio = blob
	case store.KindVideo:
		m.Video = blob
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
	return s.send(m)
}

func (s *Service) send(m *store.Message) (*store.Message, error) {
	if err := s.db.UpsertMessage(m, true); err != nil {
		return nil, fmt.Errorf("store outgoing message: %w", err)
	}
	s.bus.Publish(bus.Event{Kind: "message.upserted", Timestamp: time.Now(), Payload: m})

	if s.conn.State() != status.Connected {
		s.logger.Info("offline, message held as sent", zap.String("message_id", m.ID))
		return m, nil
	}

	err := s.conn.Emit(transport.EventPrivateMessage, transport.PrivateMessage{
		To:       m.Recipient,
		Message:  m.Body,
		Type:     m.Kind,
		Image:    m.Image,
		Audio:    m.Audio,
		Video:    m.Video,
		Duration: m.Duration,
	})
	if err != nil {
		// Not fatal: the message stays sent and visible locally.
		s.logger.Warn("send emit failed", zap.Error(err), zap.String("message_id", m.ID))
	}
	return m, nil
}

// Focus selects the conversation partner. Incoming messages from the
// focused partner are read-acknowledged on arrival by the router. An
// empty username clears the focus.
func (s *Service) Focus(username string) {
	s.mu.Lock()
	s.focused = username
	s.mu.Unlock()

	if username != "" && s.conn.State() == status.Connected {
		if err := s.conn.Emit(transport.EventSelectUser, transport.SelectUser{Username: username}); err != nil {
			s.logger.Warn("selectUser emit failed", zap.Error(err))
		}
	}
	s.bus.Publish(bus.Event{Kind: "chat.focus_changed", Timestamp: time.Now(), Payload: username})
}

// Focused returns the currently focused conversation partner, or "".
func (s *Service) Focused() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// History returns the full conversation with another user, oldest first.
func (s *Service) History(other string) ([]store.Message, error) {
	return s.db.Conversation(s.username, other)
}

// DeleteMessage removes a single message locally.
func (s *Service) DeleteMessage(id string) error {
	if err := s.db.DeleteMessage(id); err != nil {
		return err
	}
	s.bus.Publish(bus.Event{Kind: "message.deleted", Timestamp: time.Now(), Payload: id})
	return nil
}

// ClearHistory removes every stored message.
func (s *Service) ClearHistory() error {
	if err := s.db.Clear(); err != nil {
		return err
	}
	s.bus.Publish(bus.Event{Kind: "message.cleared", Timestamp: time.Now()})
	return nil
}
