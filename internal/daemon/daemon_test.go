package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/chat"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/conn"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/lock"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/presence"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/session"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/status"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/store"
)

type fakeDialer struct {
	mu     sync.Mutex
	err    error
	calls  int
	tokens []string
}

func (d *fakeDialer) Connect(ctx context.Context, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tokens = append(d.tokens, token)
	return d.err
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func staticTokens(token string) func() (string, error) {
	return func() (string, error) { return token, nil }
}

func newTestSupervisor(t *testing.T, dialer Dialer, tokens func() (string, error)) (*Supervisor, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := NewSupervisor(dialer, tokens, b, zap.NewNop())
	s.baseDelay = 10 * time.Millisecond
	s.maxDelay = 50 * time.Millisecond
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, b
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

func TestSupervisorRedialsOnUnexpectedClose(t *testing.T) {
	dialer := &fakeDialer{}
	_, b := newTestSupervisor(t, dialer, staticTokens("tok"))

	publish(b, "conn.closed", conn.CloseInfo{Deliberate: false, Reason: "read error"})

	waitUntil(t, 2*time.Second, func() bool { return dialer.callCount() >= 1 }, "supervisor never redialed")
}

func TestSupervisorIgnoresDeliberateClose(t *testing.T) {
	dialer := &fakeDialer{}
	_, b := newTestSupervisor(t, dialer, staticTokens("tok"))

	publish(b, "conn.closed", conn.CloseInfo{Deliberate: true, Reason: "client disconnect"})

	time.Sleep(150 * time.Millisecond)
	if n := dialer.callCount(); n != 0 {
		t.Errorf("supervisor dialed %d times after a deliberate close", n)
	}
}

func TestSupervisorChainsFailedAttempts(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	sup, _ := newTestSupervisor(t, dialer, staticTokens("tok"))

	sup.ConnectNow()

	waitUntil(t, 2*time.Second, func() bool { return dialer.callCount() >= 3 }, "failed attempts did not chain into backoff")
}

func TestSupervisorStandsDownOnGiveUp(t *testing.T) {
	dialer := &fakeDialer{}
	sup, b := newTestSupervisor(t, dialer, staticTokens("tok"))

	publish(b, "conn.give_up", 5)
	waitUntil(t, 2*time.Second, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return !sup.armed
	}, "give_up did not disarm the supervisor")

	publish(b, "conn.closed", conn.CloseInfo{Deliberate: false, Reason: "read error"})
	time.Sleep(150 * time.Millisecond)
	if n := dialer.callCount(); n != 0 {
		t.Fatalf("disarmed supervisor dialed %d times", n)
	}

	// A successful connect re-arms it.
	publish(b, "conn.connected", nil)
	waitUntil(t, 2*time.Second, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return sup.armed
	}, "conn.connected did not re-arm the supervisor")

	publish(b, "conn.closed", conn.CloseInfo{Deliberate: false, Reason: "read error"})
	waitUntil(t, 2*time.Second, func() bool { return dialer.callCount() >= 1 }, "re-armed supervisor never redialed")
}

func TestSupervisorBackoffResetsOnConnected(t *testing.T) {
	dialer := &fakeDialer{}
	sup, b := newTestSupervisor(t, dialer, staticTokens("tok"))

	sup.mu.Lock()
	sup.attempt = 4
	sup.mu.Unlock()

	publish(b, "conn.connected", nil)

	waitUntil(t, 2*time.Second, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return sup.attempt == 0
	}, "backoff attempt counter not reset on connect")
}

// TestSupervisorStopsWhenTokenCleared pins the invalidated-credential
// path: once the cache is empty, the chain ends instead of hammering
// the server with doomed dials.
func TestSupervisorStopsWhenTokenCleared(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	var mu sync.Mutex
	token := "tok"
	sup, _ := newTestSupervisor(t, dialer, func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		return token, nil
	})

	sup.ConnectNow()
	waitUntil(t, 2*time.Second, func() bool { return dialer.callCount() >= 1 }, "first attempt never ran")

	mu.Lock()
	token = ""
	mu.Unlock()

	settled := dialer.callCount()
	time.Sleep(200 * time.Millisecond)
	after := dialer.callCount()
	// One scheduled redial may already be in flight when the token
	// clears; beyond that the chain must be dead.
	if after > settled+1 {
		t.Errorf("supervisor kept dialing without a token: %d -> %d", settled, after)
	}
}

func TestSupervisorNeverDialsWithoutToken(t *testing.T) {
	dialer := &fakeDialer{}
	sup, _ := newTestSupervisor(t, dialer, staticTokens(""))

	sup.ConnectNow()

	time.Sleep(150 * time.Millisecond)
	if n := dialer.callCount(); n != 0 {
		t.Errorf("supervisor dialed %d times with no cached token", n)
	}
}

// TestModuleGraphResolves verifies the fx dependency graph is complete
// without running any constructor. Regression guard for provider
// signatures drifting apart from their consumers.
func TestModuleGraphResolves(t *testing.T) {
	p := Params{Profile: "graphcheck", ServerURL: "ws://127.0.0.1:9/ws"}
	if err := fx.ValidateApp(Module(p)); err != nil {
		t.Fatalf("fx graph does not resolve: %v", err)
	}
}

// TestDaemonLifecycle assembles the full component set by hand against
// a temp profile, the way the fx providers do, and checks a clean
// start/stop cycle releases the profile lock.
func TestDaemonLifecycle(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "peregrind-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}

	db, err := store.Open(filepath.Join(tmpDir, "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	creds := session.NewCredentials(filepath.Join(tmpDir, "credentials.json"))
	manager := conn.NewManager("ws://127.0.0.1:9/ws", machine, b, creds, logger)
	engine := chat.NewEngine(db, manager, b, logger)
	loop := presence.NewLoop(db, manager, b, logger)
	roster := presence.NewRoster(b, logger)
	sup := NewSupervisor(manager, creds.Token, b, logger)

	engine.Start(context.Background())
	roster.Start(context.Background())
	loop.Start(context.Background())
	sup.Start(context.Background())

	// No cached credentials: the first dial is skipped and the daemon
	// idles awaiting authentication.
	sup.ConnectNow()
	time.Sleep(100 * time.Millisecond)

	if machine.Current() != status.Idle {
		t.Errorf("state = %v, want Idle while unauthenticated", machine.Current())
	}
	if manager.IsConnected() {
		t.Error("manager reports connected with no server")
	}

	sup.Stop()
	loop.Stop()
	roster.Stop()
	engine.Stop()
	manager.Disconnect()
	if err := db.Close(); err != nil {
		t.Errorf("store close: %v", err)
	}
	if err := lk.Release(); err != nil {
		t.Fatalf("lock release: %v", err)
	}

	// The lock must be free for the next process.
	lk2, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatalf("lock not released cleanly: %v", err)
	}
	_ = lk2.Release()
}
