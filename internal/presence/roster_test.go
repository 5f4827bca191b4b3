package presence

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/conn"
)

func newTestRoster(t *testing.T) (*Roster, *bus.Bus) {
	t.Helper()
	b := bus.New()
	r := NewRoster(b, zap.NewNop())
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	publish(b, "conn.authenticated", conn.Session{UserID: "7", Username: "me"})
	waitUntil(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.selfID == "7"
	}, "self id not recorded")
	return r, b
}

func rosterIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
	}
	return ids
}

func TestRosterReplacesWholesale(t *testing.T) {
	r, b := newTestRoster(t)

	publish(b, "conn.roster", []conn.PresenceUser{
		{UserID: "9", Username: "ana", Latitude: 42.9, Longitude: -8.5, Timestamp: 100},
		{UserID: "12", Username: "joao", Latitude: 42.8, Longitude: -8.6, Timestamp: 100},
	})
	waitUntil(t, 2*time.Second, func() bool {
		entries, _ := r.Snapshot()
		return len(entries) == 2
	}, "first broadcast not applied")

	entries, _ := r.Snapshot()
	if got := rosterIDs(entries); got[0] != "12" || got[1] != "9" {
		t.Errorf("roster order = %v, want sorted by user id", got)
	}

	publish(b, "conn.roster", []conn.PresenceUser{
		{UserID: "12", Username: "joao", Latitude: 42.7, Longitude: -8.7, Timestamp: 200},
	})
	waitUntil(t, 2*time.Second, func() bool {
		entries, _ := r.Snapshot()
		return len(entries) == 1
	}, "second broadcast did not replace the roster")

	entries, _ = r.Snapshot()
	if entries[0].UserID != "12" || entries[0].Latitude != 42.7 {
		t.Errorf("kept entry = %+v", entries[0])
	}
}

func TestRosterFiltersSelf(t *testing.T) {
	r, b := newTestRoster(t)

	publish(b, "conn.roster", []conn.PresenceUser{
		{UserID: "7", Username: "me", Timestamp: 100},
		{UserID: "9", Username: "ana", Timestamp: 100},
	})
	waitUntil(t, 2*time.Second, func() bool {
		entries, _ := r.Snapshot()
		return len(entries) == 1
	}, "broadcast not applied")

	entries, _ := r.Snapshot()
	if entries[0].UserID != "9" {
		t.Errorf("roster = %v, self not filtered", rosterIDs(entries))
	}
}

// TestRosterIgnoresEmptyBroadcast pins the no-flicker rule: a frame
// with nobody left after filtering never blanks known state.
func TestRosterIgnoresEmptyBroadcast(t *testing.T) {
	r, b := newTestRoster(t)

	publish(b, "conn.roster", []conn.PresenceUser{
		{UserID: "9", Username: "ana", Timestamp: 100},
	})
	waitUntil(t, 2*time.Second, func() bool {
		entries, _ := r.Snapshot()
		return len(entries) == 1
	}, "broadcast not applied")
	_, asOf := r.Snapshot()

	publish(b, "conn.roster", []conn.PresenceUser{})
	publish(b, "conn.roster", []conn.PresenceUser{{UserID: "7", Username: "me", Timestamp: 200}})

	time.Sleep(100 * time.Millisecond)
	entries, asOfAfter := r.Snapshot()
	if len(entries) != 1 || entries[0].UserID != "9" {
		t.Errorf("roster after empty broadcasts = %v", rosterIDs(entries))
	}
	if !asOfAfter.Equal(asOf) {
		t.Error("snapshot time advanced on an ignored broadcast")
	}
}

func TestRosterDedupesKeepingFreshest(t *testing.T) {
	r, b := newTestRoster(t)

	publish(b, "conn.roster", []conn.PresenceUser{
		{UserID: "9", Username: "ana", Latitude: 1, Timestamp: 200},
		{UserID: "9", Username: "ana", Latitude: 2, Timestamp: 100},
	})
	waitUntil(t, 2*time.Second, func() bool {
		entries, _ := r.Snapshot()
		return len(entries) == 1
	}, "broadcast not applied")

	entries, _ := r.Snapshot()
	if entries[0].Timestamp != 200 || entries[0].Latitude != 1 {
		t.Errorf("kept sample = %+v, want the freshest", entries[0])
	}
}

func TestRosterPublishesUpdate(t *testing.T) {
	_, b := newTestRoster(t)

	events, unsub := b.Subscribe("roster.updated", 16)
	defer unsub()

	publish(b, "conn.roster", []conn.PresenceUser{
		{UserID: "9", Username: "ana", Timestamp: 100},
	})

	select {
	case evt := <-events:
		entries, ok := evt.Payload.([]Entry)
		if !ok || len(entries) != 1 || entries[0].UserID != "9" {
			t.Errorf("roster.updated payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("roster.updated not published")
	}
}
