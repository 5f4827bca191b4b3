package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/store"
)

// DefaultInterval is how often the loop pushes a position sample.
const DefaultInterval = 10 * time.Second

// Position is one GPS sample.
type Position struct {
	Latitude  float64
	Longitude float64
}

// Provider returns the current position. Returning a nil position with
// a nil error means no fix is available yet and the tick is skipped.
type Provider func(ctx context.Context) (*Position, error)

// Pusher is the slice of the connection manager the loop pushes through.
type Pusher interface {
	PushLocation(latitude, longitude float64) error
	StopLocationSharing() error
	IsAuthenticated() bool
}

// IntervalStatus is a point-in-time snapshot of the push loop for
// diagnostics.
type IntervalStatus struct {
	Enabled    bool
	Active     bool
	EnabledAt  time.Time
	LastPushAt time.Time
	TickCount  int64
}

// Loop pushes the user's position to the server on a fixed interval
// while sharing is enabled and the connection is authenticated. The
// enabled flag persists in the store so it survives restarts; arming
// the ticker is deferred to the next authentication when sharing is
// enabled while offline.
type Loop struct {
	db       *store.DB
	pusher   Pusher
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
	interval time.Duration

	mu        sync.Mutex
	provider  Provider
	enabled   bool
	stop      chan struct{}
	runCtx    context.Context
	enabledAt time.Time
	lastPush  time.Time
	ticks     int64
}

// NewLoop creates a new location push loop.
func NewLoop(db *store.DB, pusher Pusher, b *bus.Bus, logger *zap.Logger) *Loop {
	return &Loop{
		db:       db,
		pusher:   pusher,
		bus:      b,
		logger:   logger,
		interval: DefaultInterval,
	}
}

// Start restores the persisted sharing preference and subscribes to
// connection events. The ticker itself arms on authentication.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	l.mu.Lock()
	l.runCtx = ctx
	l.mu.Unlock()

	if v, err := l.db.GetState("share_position"); err != nil {
		l.logger.Warn("failed to read sharing preference", zap.Error(err))
	} else if v == "true" {
		l.mu.Lock()
		l.enabled = true
		l.enabledAt = time.Now()
		l.mu.Unlock()
	}

	ch, unsub := l.bus.Subscribe("conn.", 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				l.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopTickerLocked()
	l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

// SetProvider injects the position source. It can be swapped at any
// time without restarting the loop.
func (l *Loop) SetProvider(p Provider) {
	l.mu.Lock()
	l.provider = p
	l.mu.Unlock()
}

// Enable turns sharing on and persists the preference. The ticker arms
// immediately when the connection is already authenticated, otherwise
// the next authentication event arms it.
func (l *Loop) Enable() {
	l.mu.Lock()
	l.enabled = true
	l.enabledAt = time.Now()
	if l.pusher.IsAuthenticated() {
		l.restartLocked()
	}
	l.mu.Unlock()

	if err := l.db.SetState("share_position", "true"); err != nil {
		l.logger.Warn("failed to persist sharing preference", zap.Error(err))
	}
}

// Disable stops pushes, persists the preference, and tells the server
// to drop us from the roster. The wire notice is best effort.
func (l *Loop) Disable() {
	l.mu.Lock()
	l.enabled = false
	l.stopTickerLocked()
	l.mu.Unlock()

	if err := l.db.SetState("share_position", "false"); err != nil {
		l.logger.Warn("failed to persist sharing preference", zap.Error(err))
	}
	if err := l.pusher.StopLocationSharing(); err != nil {
		l.logger.Warn("stop sharing notice not sent", zap.Error(err))
	}
}

// ForceRestart tears down and recreates the ticking loop. It reports
// false when the loop cannot run: no provider, or not authenticated.
func (l *Loop) ForceRestart() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.provider == nil || !l.pusher.IsAuthenticated() {
		return false
	}
	l.restartLocked()
	return true
}

// ForceTick runs one push cycle immediately, bypassing the timer. It
// reports whether a position was pushed.
func (l *Loop) ForceTick(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	return l.tick(ctx, nil)
}

// Status returns a snapshot of the loop state.
func (l *Loop) Status() IntervalStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return IntervalStatus{
		Enabled:    l.enabled,
		Active:     l.stop != nil,
		EnabledAt:  l.enabledAt,
		LastPushAt: l.lastPush,
		TickCount:  l.ticks,
	}
}

func (l *Loop) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "conn.authenticated":
		l.mu.Lock()
		if l.enabled {
			l.restartLocked()
		}
		l.mu.Unlock()
	case "conn.closed", "conn.give_up":
		l.mu.Lock()
		l.stopTickerLocked()
		l.mu.Unlock()
	}
}

// restartLocked tears down any running ticker and starts a fresh one.
// Every activation path funnels through here, so at most one ticker
// exists at any time. Callers hold l.mu.
func (l *Loop) restartLocked() {
	l.stopTickerLocked()
	ctx := l.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	stop := make(chan struct{})
	l.stop = stop
	go l.run(ctx, stop, l.interval)
}

// stopTickerLocked closes the running ticker, if any. Callers hold l.mu.
func (l *Loop) stopTickerLocked() {
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
}

func (l *Loop) run(ctx context.Context, stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Ticks never queue; a slow sample may overlap the next tick.
			go l.tick(ctx, stop)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one push cycle. The stop channel keeps a sample that
// resolves after a Disable or restart from leaking a stale push; a nil
// stop (forced ticks) relies on the enabled re-check alone.
func (l *Loop) tick(ctx context.Context, stop <-chan struct{}) bool {
	l.mu.Lock()
	l.ticks++
	provider := l.provider
	enabled := l.enabled
	l.mu.Unlock()

	if !enabled || provider == nil || !l.pusher.IsAuthenticated() {
		return false
	}

	pos, err := provider(ctx)
	if err != nil {
		l.logger.Warn("position sample failed", zap.Error(err))
		return false
	}
	if pos == nil {
		// No fix yet.
		return false
	}

	// Re-check after the fetch so a toggle that landed while the sample
	// resolved does not push.
	select {
	case <-stop:
		return false
	default:
	}
	l.mu.Lock()
	enabled = l.enabled
	l.mu.Unlock()
	if !enabled || !l.pusher.IsAuthenticated() {
		return false
	}

	if err := l.pusher.PushLocation(pos.Latitude, pos.Longitude); err != nil {
		l.logger.Warn("location push failed", zap.Error(err))
		return false
	}

	l.mu.Lock()
	l.lastPush = time.Now()
	l.mu.Unlock()
	return true
}
