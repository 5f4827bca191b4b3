package presence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/conn"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type mockPusher struct {
	mu     sync.Mutex
	authed bool
	pushes []Position
	stops  int
}

func (p *mockPusher) PushLocation(latitude, longitude float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, Position{Latitude: latitude, Longitude: longitude})
	return nil
}

func (p *mockPusher) StopLocationSharing() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *mockPusher) IsAuthenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authed
}

func (p *mockPusher) setAuthed(v bool) {
	p.mu.Lock()
	p.authed = v
	p.mu.Unlock()
}

func (p *mockPusher) pushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

func (p *mockPusher) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func staticProvider(latitude, longitude float64) Provider {
	return func(ctx context.Context) (*Position, error) {
		return &Position{Latitude: latitude, Longitude: longitude}, nil
	}
}

func newTestLoop(t *testing.T, interval time.Duration) (*Loop, *store.DB, *bus.Bus, *mockPusher) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	pusher := &mockPusher{authed: true}
	l := NewLoop(db, pusher, b, zap.NewNop())
	l.interval = interval
	l.Start(context.Background())
	t.Cleanup(l.Stop)
	return l, db, b, pusher
}

func publish(b *bus.Bus, kind string, payload any) {
	b.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEnableStartsTicking(t *testing.T) {
	l, db, _, pusher := newTestLoop(t, 20*time.Millisecond)
	l.SetProvider(staticProvider(42.88, -8.54))

	l.Enable()

	waitUntil(t, 2*time.Second, func() bool { return pusher.pushCount() >= 2 }, "loop never pushed twice")

	st := l.Status()
	if !st.Enabled || !st.Active {
		t.Errorf("status = %+v, want enabled and active", st)
	}
	if st.LastPushAt.IsZero() {
		t.Error("LastPushAt not recorded")
	}
	if v, _ := db.GetState("share_position"); v != "true" {
		t.Errorf("persisted preference = %q, want true", v)
	}
}

func TestEnableDeferredUntilAuthenticated(t *testing.T) {
	l, _, b, pusher := newTestLoop(t, 20*time.Millisecond)
	l.SetProvider(staticProvider(42.88, -8.54))
	pusher.setAuthed(false)

	l.Enable()

	time.Sleep(80 * time.Millisecond)
	if n := pusher.pushCount(); n != 0 {
		t.Fatalf("pushed %d times before authentication", n)
	}
	if st := l.Status(); st.Active {
		t.Error("ticker armed before authentication")
	}

	pusher.setAuthed(true)
	publish(b, "conn.authenticated", conn.Session{UserID: "7"})

	waitUntil(t, 2*time.Second, func() bool { return pusher.pushCount() >= 1 }, "loop never pushed after authentication")
}

func TestPreferenceRestoredAcrossRestart(t *testing.T) {
	db := testDB(t)
	if err := db.SetState("share_position", "true"); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	pusher := &mockPusher{authed: true}
	l := NewLoop(db, pusher, b, zap.NewNop())
	l.interval = 20 * time.Millisecond
	l.SetProvider(staticProvider(42.88, -8.54))
	l.Start(context.Background())
	t.Cleanup(l.Stop)

	if st := l.Status(); !st.Enabled {
		t.Fatal("persisted preference not restored on start")
	}

	publish(b, "conn.authenticated", conn.Session{UserID: "7"})
	waitUntil(t, 2*time.Second, func() bool { return pusher.pushCount() >= 1 }, "restored loop never pushed")
}

func TestDisableStopsAndNotifies(t *testing.T) {
	l, db, _, pusher := newTestLoop(t, 20*time.Millisecond)
	l.SetProvider(staticProvider(42.88, -8.54))

	l.Enable()
	waitUntil(t, 2*time.Second, func() bool { return pusher.pushCount() >= 1 }, "loop never pushed")

	l.Disable()

	if st := l.Status(); st.Enabled || st.Active {
		t.Errorf("status after disable = %+v", st)
	}
	if pusher.stopCount() != 1 {
		t.Errorf("stop notices = %d, want 1", pusher.stopCount())
	}
	if v, _ := db.GetState("share_position"); v != "false" {
		t.Errorf("persisted preference = %q, want false", v)
	}

	// Any in-flight tick settles, then the count must hold still.
	time.Sleep(40 * time.Millisecond)
	before := pusher.pushCount()
	time.Sleep(80 * time.Millisecond)
	if after := pusher.pushCount(); after != before {
		t.Errorf("pushes continued after disable: %d -> %d", before, after)
	}
}

// TestSingleTimerInvariant hammers every activation path and then
// checks the push rate matches one timer, not several stacked ones.
func TestSingleTimerInvariant(t *testing.T) {
	l, _, b, pusher := newTestLoop(t, 50*time.Millisecond)
	l.SetProvider(staticProvider(42.88, -8.54))

	l.Enable()
	l.Enable()
	if !l.ForceRestart() {
		t.Fatal("ForceRestart failed with provider and auth in place")
	}
	publish(b, "conn.authenticated", conn.Session{UserID: "7"})
	time.Sleep(20 * time.Millisecond)

	start := pusher.pushCount()
	time.Sleep(275 * time.Millisecond)
	got := pusher.pushCount() - start

	// One 50ms timer yields about 5 pushes in the window; duplicated
	// timers would multiply that.
	if got > 11 {
		t.Errorf("got %d pushes in window, suggests duplicate timers", got)
	}
	if got == 0 {
		t.Error("loop not ticking at all")
	}
}

func TestDisableDuringSampleSuppressesPush(t *testing.T) {
	l, _, _, pusher := newTestLoop(t, 20*time.Millisecond)

	entered := make(chan struct{}, 16)
	release := make(chan struct{})
	l.SetProvider(func(ctx context.Context) (*Position, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return &Position{Latitude: 42.88, Longitude: -8.54}, nil
	})

	l.Enable()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("provider never sampled")
	}

	l.Disable()
	close(release)

	time.Sleep(60 * time.Millisecond)
	if n := pusher.pushCount(); n != 0 {
		t.Errorf("%d pushes leaked past disable", n)
	}
}

func TestForceTick(t *testing.T) {
	// An hour-long interval keeps the timer out of the way.
	l, _, _, pusher := newTestLoop(t, time.Hour)

	if l.ForceTick(context.Background()) {
		t.Error("ForceTick pushed without a provider")
	}

	l.SetProvider(staticProvider(42.88, -8.54))
	if l.ForceTick(context.Background()) {
		t.Error("ForceTick pushed while disabled")
	}

	l.Enable()
	if !l.ForceTick(context.Background()) {
		t.Fatal("ForceTick did not push")
	}
	if pusher.pushCount() != 1 {
		t.Errorf("pushes = %d, want 1", pusher.pushCount())
	}
	if pusher.pushes[0].Latitude != 42.88 {
		t.Errorf("pushed latitude = %v", pusher.pushes[0].Latitude)
	}
}

func TestForceRestartPreconditions(t *testing.T) {
	l, _, _, pusher := newTestLoop(t, time.Hour)

	if l.ForceRestart() {
		t.Error("ForceRestart succeeded without a provider")
	}

	l.SetProvider(staticProvider(42.88, -8.54))
	pusher.setAuthed(false)
	if l.ForceRestart() {
		t.Error("ForceRestart succeeded while unauthenticated")
	}

	pusher.setAuthed(true)
	if !l.ForceRestart() {
		t.Fatal("ForceRestart failed with provider and auth in place")
	}
	if st := l.Status(); !st.Active {
		t.Error("ticker not active after ForceRestart")
	}
}

func TestSkippedTicks(t *testing.T) {
	t.Run("no fix", func(t *testing.T) {
		l, _, _, pusher := newTestLoop(t, 20*time.Millisecond)
		l.SetProvider(func(ctx context.Context) (*Position, error) { return nil, nil })
		l.Enable()

		waitUntil(t, 2*time.Second, func() bool { return l.Status().TickCount >= 2 }, "loop not ticking")
		if n := pusher.pushCount(); n != 0 {
			t.Errorf("pushed %d times without a fix", n)
		}
		if !l.Status().LastPushAt.IsZero() {
			t.Error("LastPushAt set without a push")
		}
	})

	t.Run("provider error", func(t *testing.T) {
		l, _, _, pusher := newTestLoop(t, 20*time.Millisecond)
		l.SetProvider(func(ctx context.Context) (*Position, error) { return nil, errors.New("gps off") })
		l.Enable()

		waitUntil(t, 2*time.Second, func() bool { return l.Status().TickCount >= 2 }, "loop not ticking")
		if n := pusher.pushCount(); n != 0 {
			t.Errorf("pushed %d times despite provider errors", n)
		}
	})
}

func TestConnectionLossStopsTicker(t *testing.T) {
	l, _, b, pusher := newTestLoop(t, 20*time.Millisecond)
	l.SetProvider(staticProvider(42.88, -8.54))

	l.Enable()
	waitUntil(t, 2*time.Second, func() bool { return pusher.pushCount() >= 1 }, "loop never pushed")

	pusher.setAuthed(false)
	publish(b, "conn.closed", conn.CloseInfo{Deliberate: false, Reason: "read error"})

	waitUntil(t, 2*time.Second, func() bool { return !l.Status().Active }, "ticker still active after close")
	if st := l.Status(); !st.Enabled {
		t.Error("enabled flag lost on connection close")
	}

	// Re-authentication re-arms without a fresh Enable.
	pusher.setAuthed(true)
	before := pusher.pushCount()
	publish(b, "conn.authenticated", conn.Session{UserID: "7"})
	waitUntil(t, 2*time.Second, func() bool { return pusher.pushCount() > before }, "loop did not resume after re-auth")
}
