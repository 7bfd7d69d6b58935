package conn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/easci/sohbet/internal/bus"
	"github.com/easci/sohbet/internal/retry"
	"github.com/easci/sohbet/internal/status"
	"github.com/easci/sohbet/internal/transport"
)

// Controller owns the one logical connection to the messaging backend.
// It is the only component that mutates the connection state machine;
// everyone else observes conn.state_changed events.
type Controller struct {
	client  transport.Client
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	username       string
	reconnectDelay time.Duration

	mu         sync.Mutex
	cancelDial context.CancelFunc
	pushToken  string
}

// New creates a controller. The transport client's disconnect callback is
// claimed here; register frame handlers on the client before Connect.
func New(client transport.Client, machine *status.Machine, b *bus.Bus, username string, reconnectDelay time.Duration, logger *zap.Logger) *Controller {
	c := &Controller{
		client:         client,
		machine:        machine,
		bus:            b,
		logger:         logger,
		username:       username,
		reconnectDelay: reconnectDelay,
	}
	client.OnDisconnect(c.handleDrop)
	return c
}

// Connect starts connecting. Idempotent: a call while connecting or
// connected is a no-op. Dialing happens in the background and is retried
// until it succeeds or Disconnect cancels it.
func (c *Controller) Connect() {
	c.mu.Lock()
	if c.machine.Current() != status.Disconnected {
		c.mu.Unlock()
		return
	}
	_ = c.machine.Transition(status.Connecting)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.mu.Unlock()

	go c.dialLoop(ctx, 0)
}

// Disconnect tears the connection down. Caller-initiated, so the
// automatic reconnect is suppressed and any dial in flight is cancelled.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.mu.Unlock()

	if err := c.client.Close(); err != nil {
		c.logger.Warn("transport close failed", zap.Error(err))
	}
	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
}

// Emit sends one named event over the live connection.
func (c *Controller) Emit(event string, payload any) error {
	return c.client.Emit(event, payload)
}

// State returns the current connection state.
func (c *Controller) State() status.State {
	return c.machine.Current()
}

// SetPushToken stores the push token for replay after every identity join
// and registers it immediately when a connection is already up.
func (c *Controller) SetPushToken(token string) {
	c.mu.Lock()
	c.pushToken = token
	c.mu.Unlock()

	if c.machine.Current() == status.Connected {
		c.registerPushToken(token)
	}
}

// AwaitConnected blocks until the connection reaches Connected or ctx is
// done.
func (c *Controller) AwaitConnected(ctx context.Context) error {
	// Subscribe before the current-state check so a transition between
	// the two cannot be missed.
	ch, unsub := c.bus.Subscribe("conn.state_changed", 16)
	defer unsub()

	if c.machine.Current() == status.Connected {
		return nil
	}
	for {
		select {
		case evt := <-ch:
			if change, ok := evt.Payload.(status.Change); ok && change.To == status.Connected {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dialLoop dials until success or cancellation, waiting initialWait
// before the first attempt (used on the reconnect path).
func (c *Controller) dialLoop(ctx context.Context, initialWait time.Duration) {
	if initialWait > 0 {
		select {
		case <-time.After(initialWait):
		case <-ctx.Done():
			return
		}
	}

	b := retry.New(retry.Fixed(c.reconnectDelay))
	err := b.Retry(ctx, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.client.Dial(dialCtx); err != nil {
			c.logger.Warn("dial failed, will retry", zap.Error(err), zap.Duration("delay", c.reconnectDelay))
			return err
		}
		return nil
	})
	if err != nil {
		// Cancelled by Disconnect; the machine was already moved.
		return
	}

	c.mu.Lock()
	c.cancelDial = nil
	token := c.pushToken
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	c.logger.Info("connected", zap.String("username", c.username))

	// Replay the identity join for this session. The state change
	// published above triggers the receipt coordinator's flush.
	if err := c.client.Emit(transport.EventUserJoined, transport.UserJoined{Username: c.username}); err != nil {
		c.logger.Warn("identity join failed", zap.Error(err))
	}
	if token != "" {
		c.registerPushToken(token)
	}
}

// handleDrop runs on unexpected transport drops and schedules the
// indefinite reconnect: message delivery correctness depends on
// eventually reaching Connected again.
func (c *Controller) handleDrop(cause error) {
	c.logger.Warn("transport dropped", zap.Error(cause))

	c.mu.Lock()
	if c.machine.Current() == status.Connected {
		_ = c.machine.Transition(status.Disconnected)
	}
	if c.machine.Current() != status.Disconnected {
		// An explicit Disconnect or a concurrent Connect got here first.
		c.mu.Unlock()
		return
	}
	_ = c.machine.Transition(status.Connecting)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.mu.Unlock()

	go c.dialLoop(ctx, c.reconnectDelay)
}

func (c *Controller) registerPushToken(token string) {
	err := c.client.Emit(transport.EventRegisterFCMToken, transport.RegisterFCMToken{
		Username: c.username,
		Token:    token,
	})
	if err != nil {
		c.logger.Warn("push token registration failed", zap.Error(err))
	}
}
