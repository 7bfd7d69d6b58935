package bgwindow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/easci/sohbet/internal/bus"
)

// ErrDeadlineExpired is reported to every caller of an expired window: the
// OS budget ran out before the work completed.
var ErrDeadlineExpired = errors.New("bgwindow: deadline expired")

// Token identifies one acquired execution grant.
type Token int

// Grant abstracts the host OS bounded-runtime handle (the platform's
// begin/end background task pair). Begin may fail when the host refuses
// additional runtime.
type Grant interface {
	Begin(name string) (Token, error)
	End(Token)
}

// ProcessGrant is the default Grant for hosts without a runtime budget
// API. It only bookkeeps, which keeps the leak and double-release
// invariants observable.
type ProcessGrant struct {
	mu     sync.Mutex
	next   Token
	active map[Token]bool
}

// NewProcessGrant creates an empty ProcessGrant.
func NewProcessGrant() *ProcessGrant {
	return &ProcessGrant{active: make(map[Token]bool)}
}

// Begin acquires a new token.
func (g *ProcessGrant) Begin(string) (Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	g.active[g.next] = true
	return g.next, nil
}

// End releases a token. Releasing an unknown or already-released token
// panics: that is a programming error the manager must never make.
func (g *ProcessGrant) End(t Token) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active[t] {
		panic(fmt.Sprintf("bgwindow: double release of token %d", t))
	}
	delete(g.active, t)
}

// ActiveCount returns the number of unreleased tokens.
func (g *ProcessGrant) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Disconnector is the slice of the connection controller the manager
// forces down on expiry and on idle.
type Disconnector interface {
	Disconnect()
}

// Manager supervises the bounded-lifetime execution window that work
// triggered while the app is backgrounded runs inside. At most one window
// is active; further work while one is active extends the deadline
// instead of acquiring a second grant.
type Manager struct {
	grant    Grant
	conn     Disconnector
	bus      *bus.Bus
	logger   *zap.Logger
	deadline time.Duration
	grace    time.Duration

	mu        sync.Mutex
	win       *window
	idleTimer *time.Timer
}

type window struct {
	token Token
	timer *time.Timer
	done  []func(error)
}

// NewManager creates a window manager.
func NewManager(grant Grant, conn Disconnector, b *bus.Bus, deadline, grace time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		grant:    grant,
		conn:     conn,
		bus:      b,
		logger:   logger,
		deadline: deadline,
		grace:    grace,
	}
}

// BeginWork opens (or extends) the execution window. done is invoked
// exactly once — with nil on completion, ErrDeadlineExpired on expiry, or
// the completion error the finisher reported.
func (m *Manager) BeginWork(done func(error)) error {
	m.mu.Lock()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}

	if m.win != nil {
		// Coalesce: restart the deadline and absorb the caller.
		m.win.timer.Reset(m.deadline)
		m.win.done = append(m.win.done, done)
		m.mu.Unlock()
		m.logger.Info("background window extended")
		return nil
	}

	token, err := m.grant.Begin("message-delivery")
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("acquire execution grant: %w", err)
	}

	win := &window{token: token, done: []func(error){done}}
	win.timer = time.AfterFunc(m.deadline, func() { m.expire(win) })
	m.win = win
	m.mu.Unlock()

	m.logger.Info("background window opened", zap.Duration("deadline", m.deadline))
	m.bus.Publish(bus.Event{Kind: "window.opened", Timestamp: time.Now()})
	return nil
}

// Active reports whether a window is open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.win != nil
}

// Complete closes the active window: the grant is released once, every
// absorbed caller is signalled with err, and the connection is allowed to
// idle-disconnect after the grace period if no further work starts.
func (m *Manager) Complete(err error) {
	m.mu.Lock()
	win := m.win
	if win == nil {
		m.mu.Unlock()
		return
	}
	m.win = nil
	win.timer.Stop()
	m.grant.End(win.token)
	callbacks := win.done
	m.idleTimer = time.AfterFunc(m.grace, m.idleDisconnect)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
	m.logger.Info("background window completed", zap.Error(err))
	m.bus.Publish(bus.Event{Kind: "window.completed", Timestamp: time.Now(), Payload: err})
}

// expire fires when the deadline passes before completion. Cleanup is
// deterministic: tear the connection down (which also cancels a reconnect
// cycle serving this window), release the grant, fail every caller once.
func (m *Manager) expire(win *window) {
	m.mu.Lock()
	if m.win != win {
		// Completed concurrently; the timer lost the race.
		m.mu.Unlock()
		return
	}
	m.win = nil
	m.grant.End(win.token)
	callbacks := win.done
	m.mu.Unlock()

	m.logger.Warn("background window expired", zap.Duration("deadline", m.deadline))
	m.conn.Disconnect()
	for _, cb := range callbacks {
		cb(ErrDeadlineExpired)
	}
	m.bus.Publish(bus.Event{Kind: "window.expired", Timestamp: time.Now()})
}

func (m *Manager) idleDisconnect() {
	m.mu.Lock()
	if m.win != nil {
		// New work arrived during the grace period.
		m.mu.Unlock()
		return
	}
	m.idleTimer = nil
	m.mu.Unlock()

	m.logger.Info("idle grace elapsed, disconnecting")
	m.conn.Disconnect()
	m.bus.Publish(bus.Event{Kind: "window.idle_disconnect", Timestamp: time.Now()})
}
