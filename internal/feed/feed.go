// Package feed maintains read-only snapshots for a UI layer: the focused
// conversation's messages, the online user set and the connection state.
// It listens on the event bus and re-reads the store, so every snapshot
// reflects durable state, never an in-flight event.
package feed

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/easci/sohbet/internal/bus"
	"github.com/easci/sohbet/internal/status"
	"github.com/easci/sohbet/internal/store"
)

// Feed is the observable view of the engine's state.
type Feed struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	username string
	cancel   context.CancelFunc

	mu       sync.RWMutex
	focused  string
	messages []store.Message
	online   []string
	state    status.State
}

// New creates a feed for the local identity.
func New(db *store.DB, b *bus.Bus, username string, logger *zap.Logger) *Feed {
	return &Feed{
		db:       db,
		bus:      b,
		logger:   logger,
		username: username,
		state:    status.Disconnected,
	}
}

// Start begins consuming bus events. The subscription is wide: message
// mutations refresh the conversation snapshot, presence and connection
// events replace their snapshots directly.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	ch, unsub := f.bus.Subscribe("", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				f.apply(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the feed.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Feed) apply(evt bus.Event) {
	switch evt.Kind {
	case "chat.focus_changed":
		user, _ := evt.Payload.(string)
		f.mu.Lock()
		f.focused = user
		f.mu.Unlock()
		f.reload()
	case "message.upserted", "message.status_changed", "message.deleted", "message.cleared":
		f.reload()
	case "presence.updated":
		users, _ := evt.Payload.([]string)
		sorted := append([]string(nil), users...)
		sort.Strings(sorted)
		f.mu.Lock()
		f.online = sorted
		f.mu.Unlock()
	case "conn.state_changed":
		if change, ok := evt.Payload.(status.Change); ok {
			f.mu.Lock()
			f.state = change.To
			f.mu.Unlock()
		}
	}
}

func (f *Feed) reload() {
	f.mu.RLock()
	focused := f.focused
	f.mu.RUnlock()

	if focused == "" {
		f.mu.Lock()
		f.messages = nil
		f.mu.Unlock()
		return
	}

	msgs, err := f.db.Conversation(f.username, focused)
	if err != nil {
		f.logger.Error("failed to reload conversation", zap.Error(err), zap.String("partner", focused))
		return
	}
	f.mu.Lock()
	f.messages = msgs
	f.mu.Unlock()
}

// Messages returns the focused conversation, oldest first. The slice is
// a snapshot; callers may retain it.
func (f *Feed) Messages() []store.Message {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]store.Message(nil), f.messages...)
}

// OnlineUsers returns the currently online users, sorted.
func (f *Feed) OnlineUsers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.online...)
}

// ConnectionState returns the last observed connection state.
func (f *Feed) ConnectionState() status.State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

