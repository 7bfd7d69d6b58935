package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Emit when no transport session is up.
var ErrNotConnected = errors.New("transport: not connected")

// Handler consumes an inbound frame.
type Handler func(Frame)

// Client is the seam to the external message broker: a persistent
// bidirectional channel carrying named events. The engine never sees the
// broker's handshake details behind it.
type Client interface {
	// Dial establishes a session. The ctx bounds the handshake only.
	Dial(ctx context.Context) error
	// Close tears the session down. Caller-initiated; the disconnect
	// handler is not invoked for it.
	Close() error
	// Emit sends one named event.
	Emit(event string, payload any) error
	// OnFrame registers the inbound frame handler. Must be set before Dial.
	OnFrame(Handler)
	// OnDisconnect registers a callback for transport drops that were not
	// caller-initiated.
	OnDisconnect(func(error))
}

// Socket is the websocket Client implementation.
type Socket struct {
	url    string
	logger *zap.Logger

	mu           sync.Mutex
	ws           *websocket.Conn
	closing      bool
	handler      Handler
	onDisconnect func(error)
}

// NewSocket creates a websocket transport client for the given ws:// URL.
func NewSocket(url string, logger *zap.Logger) *Socket {
	return &Socket{url: url, logger: logger}
}

// Dial connects and starts the read loop.
func (s *Socket) Dial(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	if s.ws != nil {
		s.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "duplicate dial")
		return fmt.Errorf("transport: already connected")
	}
	s.ws = ws
	s.closing = false
	s.mu.Unlock()

	go s.readLoop(ws)
	return nil
}

// Close tears down the current session, suppressing the disconnect
// callback for this drop.
func (s *Socket) Close() error {
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.closing = true
	s.mu.Unlock()

	if ws == nil {
		return nil
	}
	return ws.Close(websocket.StatusNormalClosure, "client closing")
}

// Emit sends one named event over the current session.
func (s *Socket) Emit(event string, payload any) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	b, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	if err := ws.Write(context.Background(), websocket.MessageText, b); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// OnFrame registers the inbound frame handler.
func (s *Socket) OnFrame(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// OnDisconnect registers the unexpected-drop callback.
func (s *Socket) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

func (s *Socket) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			callerClosed := s.closing || s.ws != ws
			if s.ws == ws {
				s.ws = nil
			}
			onDisconnect := s.onDisconnect
			s.mu.Unlock()

			if !callerClosed && onDisconnect != nil {
				onDisconnect(err)
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}
