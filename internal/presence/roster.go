package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/conn"
)

// Entry is one fellow pilgrim currently sharing their position.
type Entry struct {
	UserID    string
	Username  string
	Latitude  float64
	Longitude float64
	Timestamp int64
}

// Roster mirrors the server's sharing-users broadcast. Each broadcast
// replaces the whole roster, except that a broadcast with nobody left
// after filtering is ignored: a stale or partial frame must not blank
// a map the user is looking at. The snapshot timestamp exposes how old
// the kept state is.
type Roster struct {
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	selfID  string
	entries []Entry
	asOf    time.Time
}

// NewRoster creates a new presence roster.
func NewRoster(b *bus.Bus, logger *zap.Logger) *Roster {
	return &Roster{
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to connection events.
func (r *Roster) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("conn.", 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the roster.
func (r *Roster) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Snapshot returns a copy of the roster and when it was last replaced.
func (r *Roster) Snapshot() ([]Entry, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out, r.asOf
}

func (r *Roster) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "conn.authenticated":
		sess, ok := evt.Payload.(conn.Session)
		if !ok {
			return
		}
		r.mu.Lock()
		r.selfID = sess.UserID
		r.mu.Unlock()
	case "conn.roster":
		users, ok := evt.Payload.([]conn.PresenceUser)
		if !ok {
			return
		}
		r.apply(users)
	}
}

func (r *Roster) apply(users []conn.PresenceUser) {
	r.mu.Lock()
	self := r.selfID
	r.mu.Unlock()

	// De-duplicate by user id, keeping the freshest sample.
	byID := make(map[string]Entry, len(users))
	for _, u := range users {
		if u.UserID == "" || u.UserID == self {
			continue
		}
		if prev, ok := byID[u.UserID]; ok && prev.Timestamp >= u.Timestamp {
			continue
		}
		byID[u.UserID] = Entry{
			UserID:    u.UserID,
			Username:  u.Username,
			Latitude:  u.Latitude,
			Longitude: u.Longitude,
			Timestamp: u.Timestamp,
		}
	}

	if len(byID) == 0 {
		r.logger.Debug("ignoring roster broadcast with no other users")
		return
	}

	entries := make([]Entry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })

	r.mu.Lock()
	r.entries = entries
	r.asOf = time.Now()
	r.mu.Unlock()

	published := make([]Entry, len(entries))
	copy(published, entries)
	r.bus.Publish(bus.Event{
		Kind:      "roster.updated",
		Timestamp: time.Now(),
		Payload:   published,
	})
}
