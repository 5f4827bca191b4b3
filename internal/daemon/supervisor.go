package daemon

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/conn"
)

// Dialer is the slice of the connection manager the supervisor drives.
type Dialer interface {
	Connect(ctx context.Context, token string) error
}

// Supervisor owns the reconnection policy. The connection manager never
// redials on its own; the supervisor redials with exponential backoff
// when a live connection drops, chains failed attempts, and stands down
// when the manager gives up after repeated failures. A later successful
// connect re-arms it.
type Supervisor struct {
	dialer    Dialer
	tokens    func() (string, error)
	bus       *bus.Bus
	logger    *zap.Logger
	cancel    context.CancelFunc
	baseDelay time.Duration
	maxDelay  time.Duration

	mu      sync.Mutex
	armed   bool
	attempt int
	runCtx  context.Context
}

// NewSupervisor creates a supervisor that reads the token from tokens on
// every attempt, so a credential cleared mid-run stops the redial chain.
func NewSupervisor(dialer Dialer, tokens func() (string, error), b *bus.Bus, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		dialer:    dialer,
		tokens:    tokens,
		bus:       b,
		logger:    logger,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
	}
}

// Start arms the supervisor and subscribes to connection events.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	s.armed = true
	s.attempt = 0
	s.runCtx = ctx
	s.mu.Unlock()

	ch, unsub := s.bus.Subscribe("conn.", 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				s.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the supervisor. Scheduled redials are abandoned.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// ConnectNow dials immediately, outside the backoff schedule. A failed
// attempt chains into backoff like any other.
func (s *Supervisor) ConnectNow() {
	go s.attemptConnect()
}

func (s *Supervisor) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "conn.connected":
		s.mu.Lock()
		s.armed = true
		s.attempt = 0
		s.mu.Unlock()
	case "conn.give_up":
		s.mu.Lock()
		s.armed = false
		s.mu.Unlock()
		s.logger.Warn("standing down after repeated connection failures")
	case "conn.closed":
		info, ok := evt.Payload.(conn.CloseInfo)
		if !ok || info.Deliberate {
			return
		}
		s.scheduleRedial()
	}
}

func (s *Supervisor) scheduleRedial() {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return
	}
	delay := s.nextDelayLocked()
	ctx := s.runCtx
	s.mu.Unlock()

	s.logger.Info("scheduling reconnect", zap.Duration("delay", delay))
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		s.attemptConnect()
	}()
}

// nextDelayLocked returns the next backoff delay. Callers hold s.mu.
func (s *Supervisor) nextDelayLocked() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(s.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(s.baseDelay)*math.Pow(2, float64(s.attempt))+float64(jitter),
		float64(s.maxDelay),
	))
	s.attempt++
	return delay
}

func (s *Supervisor) attemptConnect() {
	s.mu.Lock()
	armed := s.armed
	ctx := s.runCtx
	s.mu.Unlock()
	if !armed {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	token, err := s.tokens()
	if err != nil {
		s.logger.Warn("failed to read cached credentials", zap.Error(err))
		return
	}
	if token == "" {
		s.logger.Info("no cached credentials, authentication required")
		return
	}

	if err := s.dialer.Connect(ctx, token); err != nil {
		s.logger.Warn("connect attempt failed", zap.Error(err))
		s.scheduleRedial()
	}
}
