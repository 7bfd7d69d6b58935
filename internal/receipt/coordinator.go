package receipt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/easci/sohbet/internal/bus"
	"github.com/easci/sohbet/internal/status"
	"github.com/easci/sohbet/internal/store"
	"github.com/easci/sohbet/internal/transport"
)

// ErrConnectTimeout is returned when a connect-for-acknowledgment attempt
// does not reach Connected within the ack timeout. The caller (the window
// manager) cleans up; long-term retry relies on the next inbound event.
var ErrConnectTimeout = errors.New("receipt: connect timed out")

// Connection is the slice of the connection controller the coordinator
// uses.
type Connection interface {
	State() status.State
	Connect()
	Disconnect()
	Emit(event string, payload any) error
	AwaitConnected(ctx context.Context) error
}

// Coordinator queues outbound delivery acknowledgments and guarantees
// each is emitted at least once after the connection is established. The
// pending queue lives in the store, so it survives process suspension.
type Coordinator struct {
	db         *store.DB
	conn       Connection
	bus        *bus.Bus
	logger     *zap.Logger
	ackTimeout time.Duration
	cancel     context.CancelFunc

	flushMu sync.Mutex
	flushCh chan struct{}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(db *store.DB, conn Connection, b *bus.Bus, ackTimeout time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db:         db,
		conn:       conn,
		bus:        b,
		logger:     logger,
		ackTimeout: ackTimeout,
		flushCh:    make(chan struct{}, 1),
	}
}

// Start subscribes to connection state changes and flushes the pending
// queue every time the connection comes up. Flushes run on one goroutine,
// so queue order is preserved and emits never interleave.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("conn.state_changed", 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.Change); ok && change.To == status.Connected {
					c.requestFlush()
				}
			case <-c.flushCh:
				c.flush()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the coordinator.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Acknowledge emits (or queues) the delivery receipt for a message.
//
// Connected: the receipt goes out immediately and local status advances
// to delivered. Otherwise the receipt is persisted (deduplicated by
// message id), a connect is requested, and the call waits up to the ack
// timeout for the flush; on timeout it disconnects and returns
// ErrConnectTimeout.
func (c *Coordinator) Acknowledge(ctx context.Context, messageID, recipient, sender string) error {
	return c.acknowledge(ctx, &store.PendingReceipt{
		MessageID: messageID,
		Recipient: recipient,
		Sender:    sender,
		Event:     transport.EventMessageDelivered,
	})
}

// AcknowledgeSilent is Acknowledge for silent receipts: the backend is
// told the notification arrived (notificationReceived) but no message
// status changes locally.
func (c *Coordinator) AcknowledgeSilent(ctx context.Context, messageID, recipient, sender string) error {
	return c.acknowledge(ctx, &store.PendingReceipt{
		MessageID: messageID,
		Recipient: recipient,
		Sender:    sender,
		Event:     transport.EventNotificationReceived,
	})
}

func (c *Coordinator) acknowledge(ctx context.Context, r *store.PendingReceipt) error {
	if c.conn.State() == status.Connected {
		if err := c.emit(r); err == nil {
			return nil
		}
		// Emit raced a transport drop; fall through to the queued path.
	}

	if err := c.db.EnqueueReceipt(r); err != nil {
		return fmt.Errorf("queue receipt: %w", err)
	}
	c.conn.Connect()

	waitCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	if err := c.conn.AwaitConnected(waitCtx); err != nil {
		c.logger.Warn("acknowledgment connect timed out",
			zap.String("message_id", r.MessageID),
			zap.Duration("ack_timeout", c.ackTimeout))
		c.conn.Disconnect()
		return ErrConnectTimeout
	}

	// Connected. Flush synchronously so this receipt is on the wire when
	// the call returns; the state-change-driven flush may have run before
	// our enqueue landed.
	c.flush()
	return nil
}

func (c *Coordinator) requestFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

// flush emits the entire pending queue in insertion order, removing each
// entry once its acknowledgment is on the wire. A re-emit after a crash
// between emit and delete is tolerated by the backend.
func (c *Coordinator) flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	pending, err := c.db.PendingReceipts()
	if err != nil {
		c.logger.Error("failed to read pending receipts", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	flushed := 0
	for i := range pending {
		if err := c.emit(&pending[i]); err != nil {
			// Connection went away mid-flush; the rest stays queued for
			// the next Connected transition.
			c.logger.Warn("flush interrupted", zap.Error(err), zap.Int("flushed", flushed), zap.Int("pending", len(pending)-flushed))
			break
		}
		flushed++
	}

	if flushed > 0 {
		c.bus.Publish(bus.Event{
			Kind:      "receipt.flushed",
			Timestamp: time.Now(),
			Payload:   map[string]int{"count": flushed},
		})
	}
}

func (c *Coordinator) emit(r *store.PendingReceipt) error {
	err := c.conn.Emit(r.Event, transport.MessageDelivered{
		MessageID:  r.MessageID,
		Username:   r.Recipient,
		SenderName: r.Sender,
	})
	if err != nil {
		return err
	}

	if r.Event == transport.EventMessageDelivered {
		if err := c.db.UpdateStatus(r.MessageID, store.StatusDelivered); err != nil {
			c.logger.Error("failed to advance status after receipt", zap.Error(err), zap.String("message_id", r.MessageID))
		}
	}
	if err := c.db.DeleteReceipt(r.MessageID); err != nil {
		c.logger.Error("failed to remove flushed receipt", zap.Error(err), zap.String("message_id", r.MessageID))
	}

	c.bus.Publish(bus.Event{
		Kind:      "receipt.acknowledged",
		Timestamp: time.Now(),
		Payload:   map[string]string{"message_id": r.MessageID},
	})
	return nil
}
