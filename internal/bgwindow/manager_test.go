package bgwindow

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/easci/sohbet/internal/bus"
)

type fakeDisconnector struct {
	calls atomic.Int32
}

func (f *fakeDisconnector) Disconnect() { f.calls.Add(1) }

func newTestManager(deadline, grace time.Duration) (*Manager, *ProcessGrant, *fakeDisconnector) {
	grant := NewProcessGrant()
	conn := &fakeDisconnector{}
	m := NewManager(grant, conn, bus.New(), deadline, grace, zap.NewNop())
	return m, grant, conn
}

func TestCompleteReleasesGrantAndSignalsOnce(t *testing.T) {
	m, grant, _ := newTestManager(time.Second, 10*time.Millisecond)

	var calls atomic.Int32
	var got error = errors.New("sentinel")
	if err := m.BeginWork(func(err error) { calls.Add(1); got = err }); err != nil {
		t.Fatal(err)
	}
	if grant.ActiveCount() != 1 {
		t.Fatalf("active grants = %d, want 1", grant.ActiveCount())
	}

	m.Complete(nil)

	if calls.Load() != 1 {
		t.Errorf("done calls = %d, want 1", calls.Load())
	}
	if got != nil {
		t.Errorf("done err = %v, want nil", got)
	}
	if grant.ActiveCount() != 0 {
		t.Errorf("active grants = %d, want 0 (released)", grant.ActiveCount())
	}

	// A second Complete must be a harmless no-op, never a double release.
	m.Complete(nil)
	if calls.Load() != 1 {
		t.Errorf("done calls after second Complete = %d, want 1", calls.Load())
	}
}

// TestDeadlineExpiry drives the no-completion path: after the deadline the
// connection is force-disconnected and the caller receives the failure
// exactly once.
func TestDeadlineExpiry(t *testing.T) {
	m, grant, conn := newTestManager(50*time.Millisecond, 10*time.Millisecond)

	var calls atomic.Int32
	errCh := make(chan error, 2)
	if err := m.BeginWork(func(err error) { calls.Add(1); errCh <- err }); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDeadlineExpired) {
			t.Errorf("done err = %v, want ErrDeadlineExpired", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("done calls = %d, want exactly 1", calls.Load())
	}
	if conn.calls.Load() == 0 {
		t.Error("connection was not force-disconnected on expiry")
	}
	if grant.ActiveCount() != 0 {
		t.Errorf("active grants = %d, want 0", grant.ActiveCount())
	}
	if m.Active() {
		t.Error("window still active after expiry")
	}
}

func TestCoalescingSharesOneWindow(t *testing.T) {
	m, grant, _ := newTestManager(time.Second, 10*time.Millisecond)

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		if err := m.BeginWork(func(error) { calls.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}

	if grant.ActiveCount() != 1 {
		t.Fatalf("active grants = %d, want 1 (coalesced)", grant.ActiveCount())
	}

	m.Complete(nil)

	if calls.Load() != 3 {
		t.Errorf("done calls = %d, want all 3 absorbed callers signalled", calls.Load())
	}
	if grant.ActiveCount() != 0 {
		t.Errorf("active grants = %d, want 0 released exactly once", grant.ActiveCount())
	}
}

func TestCoalescingExtendsDeadline(t *testing.T) {
	m, _, _ := newTestManager(80*time.Millisecond, 10*time.Millisecond)

	expired := make(chan error, 2)
	if err := m.BeginWork(func(err error) { expired <- err }); err != nil {
		t.Fatal(err)
	}

	// Just before expiry, more work arrives and restarts the clock.
	time.Sleep(50 * time.Millisecond)
	if err := m.BeginWork(func(err error) { expired <- err }); err != nil {
		t.Fatal(err)
	}

	// Past the original deadline but inside the extended one.
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-expired:
		t.Fatalf("window expired despite extension: %v", err)
	default:
	}

	// Let the extended deadline pass.
	time.Sleep(80 * time.Millisecond)
	select {
	case err := <-expired:
		if !errors.Is(err, ErrDeadlineExpired) {
			t.Errorf("err = %v, want ErrDeadlineExpired", err)
		}
	case <-time.After(time.Second):
		t.Fatal("extended deadline never fired")
	}
}

func TestIdleDisconnectAfterGrace(t *testing.T) {
	m, _, conn := newTestManager(time.Second, 30*time.Millisecond)

	if err := m.BeginWork(func(error) {}); err != nil {
		t.Fatal(err)
	}
	m.Complete(nil)

	if n := conn.calls.Load(); n != 0 {
		t.Fatalf("disconnected before grace elapsed (%d calls)", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.calls.Load() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle disconnect never happened")
}

func TestNewWorkDuringGraceCancelsIdleDisconnect(t *testing.T) {
	m, grant, conn := newTestManager(time.Second, 40*time.Millisecond)

	if err := m.BeginWork(func(error) {}); err != nil {
		t.Fatal(err)
	}
	m.Complete(nil)

	// New work arrives inside the grace period.
	time.Sleep(10 * time.Millisecond)
	if err := m.BeginWork(func(error) {}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := conn.calls.Load(); n != 0 {
		t.Errorf("idle disconnect fired despite new work (%d calls)", n)
	}
	if grant.ActiveCount() != 1 {
		t.Errorf("active grants = %d, want 1", grant.ActiveCount())
	}
	m.Complete(nil)
}

// TestExpiryCompleteRace hammers the timer/completion race: whatever
// interleaving occurs, the grant balance must end at zero and each caller
// must be signalled exactly once.
func TestExpiryCompleteRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		m, grant, _ := newTestManager(5*time.Millisecond, time.Millisecond)

		var calls atomic.Int32
		var wg sync.WaitGroup
		if err := m.BeginWork(func(error) { calls.Add(1) }); err != nil {
			t.Fatal(err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			m.Complete(nil)
		}()
		wg.Wait()

		time.Sleep(20 * time.Millisecond)
		if calls.Load() != 1 {
			t.Fatalf("iteration %d: done calls = %d, want 1", i, calls.Load())
		}
		if grant.ActiveCount() != 0 {
			t.Fatalf("iteration %d: grant balance = %d, want 0", i, grant.ActiveCount())
		}
	}
}
