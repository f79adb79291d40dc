package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/parking-slot-reservation/internal/model"
	"github.com/iliyamo/parking-slot-reservation/internal/queue"
	"github.com/iliyamo/parking-slot-reservation/internal/repository"
)

// t0 is a Monday morning well inside the default operating hours.
var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.SlotEvent
}

func (p *recordingPublisher) PublishSlotEvent(_ context.Context, ev queue.SlotEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Events() []queue.SlotEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.SlotEvent(nil), p.events...)
}

type fixture struct {
	t       *testing.T
	clock   *fakeClock
	store   *repository.MemorySlotStore
	tracker *Tracker
	engine  *Engine
	events  *recordingPublisher
}

func newFixture(t *testing.T, slotIDs ...string) *fixture {
	t.Helper()
	clock := newFakeClock(t0)
	store := repository.NewMemorySlotStore(clock.Now)
	slots := make([]model.Slot, 0, len(slotIDs))
	for _, id := range slotIDs {
		slots = append(slots, model.Slot{ID: id, Coordinates: []model.Coordinate{{Latitude: 52.52, Longitude: 13.405}}})
	}
	_, err := store.Provision(context.Background(), slots)
	require.NoError(t, err)

	events := &recordingPublisher{}
	tracker := NewTracker(store, NewReconciler(store, events, zerolog.Nop()), zerolog.Nop())
	tracker.SetClock(clock.Now)
	engine := NewEngine(store, tracker, Options{
		CommitTimeout: 2 * time.Second,
		Events:        events,
		Logger:        zerolog.Nop(),
		Clock:         clock.Now,
	})
	f := &fixture{t: t, clock: clock, store: store, tracker: tracker, engine: engine, events: events}
	f.refresh()
	return f
}

// refresh feeds the tracker a fresh snapshot, which also reconciles.
func (f *fixture) refresh() repository.Snapshot {
	f.t.Helper()
	snap, err := f.store.Snapshot(context.Background())
	require.NoError(f.t, err)
	f.tracker.Observe(context.Background(), snap)
	return snap
}

func (f *fixture) slot(id string) model.Slot {
	f.t.Helper()
	snap, err := f.store.Snapshot(context.Background())
	require.NoError(f.t, err)
	s, ok := snap.Slot(id)
	require.True(f.t, ok, "slot %s missing", id)
	return s
}

// reserve runs a whole session against the tracker's latest snapshot.
func (f *fixture) reserve(user *model.Identity, slotID string, minutes int) (Outcome, error) {
	f.t.Helper()
	s, err := f.engine.NewSession(user)
	require.NoError(f.t, err)
	d, err := s.RequestReservation(slotID)
	if err != nil {
		return Outcome{}, err
	}
	if !d.Allowed {
		o, _ := s.Outcome()
		return o, nil
	}
	return s.SelectDuration(context.Background(), minutes)
}

func driver(id string) *model.Identity {
	return &model.Identity{ID: id, Email: id + "@example.com", Role: model.RoleDriver}
}
