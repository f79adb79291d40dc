package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/parking-slot-reservation/internal/model"
	"github.com/iliyamo/parking-slot-reservation/internal/queue"
	"github.com/iliyamo/parking-slot-reservation/internal/repository"
)

func TestReserveCommitsWithServerTime(t *testing.T) {
	f := newFixture(t, "A1", "A2")

	o, err := f.reserve(driver("u1"), "A1", 60)
	require.NoError(t, err)
	require.True(t, o.Succeeded())
	assert.Equal(t, "A1", o.SlotID)
	assert.Equal(t, t0.Add(time.Hour), o.Until)

	s := f.slot("A1")
	assert.Equal(t, model.SlotReserved, s.Status)
	assert.Equal(t, "u1", s.ReservedBy)
	assert.Equal(t, t0, *s.ReservedAt)
	assert.Equal(t, t0.Add(time.Hour), *s.ReservedUntil)
	assert.Equal(t, model.SlotFree, f.slot("A2").Status)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, queue.EventSlotReserved, evs[0].Type)
	assert.Equal(t, "A1", evs[0].SlotID)
	assert.Equal(t, "u1", evs[0].UserID)
}

func TestExpiredReservationReadsFreeAndIsReclaimed(t *testing.T) {
	f := newFixture(t, "A1")
	o, err := f.reserve(driver("u1"), "A1", 30)
	require.NoError(t, err)
	require.True(t, o.Succeeded())
	stale := f.refresh()

	f.clock.Advance(31 * time.Minute)

	// The cached snapshot still holds the reservation but the view
	// already treats it as expired.
	v, err := f.tracker.View(driver("u1"))
	require.NoError(t, err)
	require.Len(t, v.Slots, 1)
	assert.Equal(t, model.SlotFree, v.Slots[0].Status)
	assert.False(t, v.Slots[0].IsMine)
	assert.Nil(t, v.MyReservation)

	f.refresh()
	assert.Equal(t, model.SlotFree, f.slot("A1").Status)

	evs := f.events.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, queue.EventSlotReleased, evs[1].Type)
	assert.Equal(t, queue.ReleaseReasonExpired, evs[1].Reason)

	// Reconciling the outdated snapshot again changes nothing.
	rec := NewReconciler(f.store, f.events, zerolog.Nop())
	stale.At = f.clock.Now()
	freed, err := rec.Reconcile(context.Background(), stale)
	require.NoError(t, err)
	assert.Zero(t, freed)
	assert.Len(t, f.events.Events(), 2)
}

func TestReconcileLeavesLiveReservations(t *testing.T) {
	f := newFixture(t, "A1")
	_, err := f.reserve(driver("u1"), "A1", 60)
	require.NoError(t, err)

	f.clock.Advance(59 * time.Minute)
	f.refresh()
	assert.Equal(t, model.SlotReserved, f.slot("A1").Status)

	// Expiry is strictly after the deadline.
	f.clock.Advance(time.Minute)
	f.refresh()
	assert.Equal(t, model.SlotReserved, f.slot("A1").Status)

	f.clock.Advance(time.Millisecond)
	f.refresh()
	assert.Equal(t, model.SlotFree, f.slot("A1").Status)
}

func TestAlreadyHasReservationDoesNotTouchStore(t *testing.T) {
	f := newFixture(t, "A1", "A2")
	_, err := f.reserve(driver("u1"), "A1", 60)
	require.NoError(t, err)
	f.refresh()

	s, err := f.engine.NewSession(driver("u1"))
	require.NoError(t, err)
	before := f.store.Calls()
	d, err := s.RequestReservation("A2")
	require.NoError(t, err)
	assert.Equal(t, Decision{Reason: ReasonAlreadyHasReservation}, d)
	assert.Equal(t, before, f.store.Calls())
	assert.Equal(t, StateRejected, s.State())
}

func TestSameSlotRaceHasExactlyOneWinner(t *testing.T) {
	for trial := 0; trial < 100; trial++ {
		f := newFixture(t, "A1")
		users := []*model.Identity{driver("u1"), driver("u2")}
		sessions := make([]*Session, len(users))
		for i, u := range users {
			s, err := f.engine.NewSession(u)
			require.NoError(t, err)
			d, err := s.RequestReservation("A1")
			require.NoError(t, err)
			require.True(t, d.Allowed)
			sessions[i] = s
		}

		outcomes := make([]Outcome, len(sessions))
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, s := range sessions {
			wg.Add(1)
			go func(i int, s *Session) {
				defer wg.Done()
				<-start
				o, err := s.SelectDuration(context.Background(), 60)
				assert.NoError(t, err)
				outcomes[i] = o
			}(i, s)
		}
		close(start)
		wg.Wait()

		wins := 0
		winner := ""
		for i, o := range outcomes {
			if o.Succeeded() {
				wins++
				winner = users[i].ID
				continue
			}
			assert.Equal(t, ReasonLostRace, o.Reason, "trial %d", trial)
		}
		require.Equal(t, 1, wins, "trial %d", trial)
		assert.Equal(t, winner, f.slot("A1").ReservedBy)
	}
}

func TestOneUserManySlotsHoldsOnlyOne(t *testing.T) {
	ids := []string{"A1", "A2", "A3", "A4", "A5", "A6", "A7", "A8"}
	f := newFixture(t, ids...)
	user := driver("u1")

	sessions := make([]*Session, len(ids))
	for i, id := range ids {
		s, err := f.engine.NewSession(user)
		require.NoError(t, err)
		d, err := s.RequestReservation(id)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		sessions[i] = s
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, len(sessions))
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			o, err := s.SelectDuration(context.Background(), 30)
			assert.NoError(t, err)
			outcomes[i] = o
		}(i, s)
	}
	wg.Wait()

	wins := 0
	for _, o := range outcomes {
		if o.Succeeded() {
			wins++
		} else {
			assert.Equal(t, ReasonAlreadyHasReservation, o.Reason)
		}
	}
	assert.Equal(t, 1, wins)

	snap := f.refresh()
	held := 0
	for _, s := range snap.Slots {
		if s.IsReservedBy("u1", snap.At) {
			held++
		}
	}
	assert.Equal(t, 1, held)
}

func TestCommitRejectsWhenSlotTakenAfterPreCheck(t *testing.T) {
	f := newFixture(t, "A1")
	s, err := f.engine.NewSession(driver("u1"))
	require.NoError(t, err)
	d, err := s.RequestReservation("A1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	_, err = f.engine.SetOccupancy(context.Background(), "A1", true)
	require.NoError(t, err)

	o, err := s.SelectDuration(context.Background(), 60)
	require.NoError(t, err)
	assert.Equal(t, Outcome{State: StateRejected, SlotID: "A1", Reason: ReasonLostRace}, o)
	assert.Equal(t, model.SlotOccupied, f.slot("A1").Status)
}

func TestCommitRevalidatesDurationAgainstStoreClock(t *testing.T) {
	f := newFixture(t, "A1")
	f.clock.Set(at(20, 30))
	f.refresh()

	s, err := f.engine.NewSession(driver("u1"))
	require.NoError(t, err)
	_, err = s.RequestReservation("A1")
	require.NoError(t, err)
	require.Equal(t, []int{30, 60, 90}, s.Durations())

	f.clock.Advance(45 * time.Minute)
	o, err := s.SelectDuration(context.Background(), 90)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientTimeRemaining, o.Reason)
	assert.Equal(t, model.SlotFree, f.slot("A1").Status)

	// The failed attempt left no holder behind.
	f.clock.Set(at(10, 0))
	f.refresh()
	o, err = f.reserve(driver("u1"), "A1", 30)
	require.NoError(t, err)
	assert.True(t, o.Succeeded())
}

func TestReserveOverExpiredReservation(t *testing.T) {
	f := newFixture(t, "A1")
	_, err := f.reserve(driver("u1"), "A1", 30)
	require.NoError(t, err)

	f.clock.Advance(40 * time.Minute)
	// Build the session from a snapshot the reconciler has not seen.
	snap, err := f.store.Snapshot(context.Background())
	require.NoError(t, err)
	s := f.engine.NewSessionAt(driver("u2"), snap)
	d, err := s.RequestReservation("A1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	o, err := s.SelectDuration(context.Background(), 30)
	require.NoError(t, err)
	require.True(t, o.Succeeded())
	assert.Equal(t, "u2", f.slot("A1").ReservedBy)

	evs := f.events.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, queue.ReleaseReasonExpired, evs[1].Reason)
	assert.Equal(t, "u1", evs[1].UserID)
	assert.Equal(t, queue.EventSlotReserved, evs[2].Type)
}

func TestStoreUnavailableRejectsCommit(t *testing.T) {
	f := newFixture(t, "A1")
	s, err := f.engine.NewSession(driver("u1"))
	require.NoError(t, err)
	_, err = s.RequestReservation("A1")
	require.NoError(t, err)

	f.store.SetUnavailable(errors.New("connection refused"))
	o, err := s.SelectDuration(context.Background(), 60)
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrStoreUnavailable)
	assert.Equal(t, StateRejected, o.State)
	assert.Equal(t, ReasonStoreUnavailable, o.Reason)

	f.store.SetUnavailable(nil)
	assert.Equal(t, model.SlotFree, f.slot("A1").Status)
}

func TestCommitTimeoutIsStoreUnavailable(t *testing.T) {
	clock := newFakeClock(t0)
	store := repository.NewMemorySlotStore(clock.Now)
	_, err := store.Provision(context.Background(), []model.Slot{{ID: "A1"}})
	require.NoError(t, err)
	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)

	engine := NewEngine(store, nil, Options{CommitTimeout: 50 * time.Millisecond, Clock: clock.Now})
	s := engine.NewSessionAt(driver("u1"), snap)
	_, err = s.RequestReservation("A1")
	require.NoError(t, err)

	store.SetLatency(500 * time.Millisecond)
	started := time.Now()
	o, err := s.SelectDuration(context.Background(), 30)
	assert.Less(t, time.Since(started), 400*time.Millisecond)
	assert.ErrorIs(t, err, repository.ErrStoreUnavailable)
	assert.Equal(t, StateRejected, o.State)
	assert.Equal(t, ReasonStoreUnavailable, o.Reason)

	// the outcome was unknown to the caller; the store decides on retry
	store.SetLatency(0)
	snap, err = store.Snapshot(context.Background())
	require.NoError(t, err)
	retry := engine.NewSessionAt(driver("u1"), snap)
	_, err = retry.RequestReservation("A1")
	require.NoError(t, err)
	o, err = retry.SelectDuration(context.Background(), 30)
	require.NoError(t, err)
	assert.True(t, o.Succeeded())
}

func TestStaleHolderIsReplaced(t *testing.T) {
	f := newFixture(t, "A1", "B1")
	ctx := context.Background()
	ghost := func(claimedAt time.Time) repository.HolderMutator {
		return func(time.Time, *model.Holder) (*model.Holder, bool) {
			return &model.Holder{SlotID: "B1", Until: t0.Add(2 * time.Hour), SessionID: "ghost", ClaimedAt: claimedAt}, true
		}
	}

	// A fresh record from an unfinished commit blocks the user.
	_, err := f.store.UpdateHolder(ctx, "u1", ghost(t0))
	require.NoError(t, err)
	o, err := f.reserve(driver("u1"), "A1", 30)
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyHasReservation, o.Reason)

	// An old record whose slot was never reserved is healed.
	_, err = f.store.UpdateHolder(ctx, "u1", ghost(t0.Add(-time.Hour)))
	require.NoError(t, err)
	o, err = f.reserve(driver("u1"), "A1", 30)
	require.NoError(t, err)
	assert.True(t, o.Succeeded())
}

func TestOldHolderOfLiveReservationStillBlocks(t *testing.T) {
	f := newFixture(t, "A1", "A2")
	_, err := f.reserve(driver("u1"), "A1", 120)
	require.NoError(t, err)

	// Commit long ago; the reservation is still live.
	f.clock.Advance(time.Hour)
	snap, err := f.store.Snapshot(context.Background())
	require.NoError(t, err)
	// A session built without the user's reservation in view still
	// loses at the holder record.
	snap.Slots = snap.Slots[1:]
	s := f.engine.NewSessionAt(driver("u1"), snap)
	_, err = s.RequestReservation("A2")
	require.NoError(t, err)
	o, err := s.SelectDuration(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyHasReservation, o.Reason)
	assert.Equal(t, model.SlotFree, f.slot("A2").Status)
}

func TestRelease(t *testing.T) {
	f := newFixture(t, "A1", "A2")
	ctx := context.Background()
	_, err := f.reserve(driver("u1"), "A1", 60)
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.Release(ctx, driver("u2"), "A1"), ErrNotReservationOwner)
	assert.ErrorIs(t, f.engine.Release(ctx, nil, "A1"), repository.ErrForbidden)
	assert.ErrorIs(t, f.engine.Release(ctx, driver("u1"), "Z9"), repository.ErrSlotNotFound)
	assert.ErrorIs(t, f.engine.Release(ctx, driver("u1"), "A2"), ErrNotReservationOwner)

	require.NoError(t, f.engine.Release(ctx, driver("u1"), "A1"))
	assert.Equal(t, model.SlotFree, f.slot("A1").Status)
	assert.ErrorIs(t, f.engine.Release(ctx, driver("u1"), "A1"), ErrNotReservationOwner)

	evs := f.events.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, queue.EventSlotReleased, evs[1].Type)
	assert.Equal(t, queue.ReleaseReasonReleased, evs[1].Reason)

	// The holder record went with the reservation.
	f.refresh()
	o, err := f.reserve(driver("u1"), "A2", 30)
	require.NoError(t, err)
	assert.True(t, o.Succeeded())
}

func TestReleaseOfExpiredReservationIsRefused(t *testing.T) {
	f := newFixture(t, "A1")
	_, err := f.reserve(driver("u1"), "A1", 30)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	assert.ErrorIs(t, f.engine.Release(context.Background(), driver("u1"), "A1"), ErrNotReservationOwner)
}

func TestSetOccupancy(t *testing.T) {
	f := newFixture(t, "A1", "A2")
	ctx := context.Background()

	s, err := f.engine.SetOccupancy(ctx, "A1", true)
	require.NoError(t, err)
	assert.Equal(t, model.SlotOccupied, s.Status)
	s, err = f.engine.SetOccupancy(ctx, "A1", true)
	require.NoError(t, err)
	assert.Equal(t, model.SlotOccupied, s.Status)
	s, err = f.engine.SetOccupancy(ctx, "A1", false)
	require.NoError(t, err)
	assert.Equal(t, model.SlotFree, s.Status)

	_, err = f.engine.SetOccupancy(ctx, "Z9", true)
	assert.ErrorIs(t, err, repository.ErrSlotNotFound)

	_, err = f.reserve(driver("u1"), "A2", 30)
	require.NoError(t, err)
	_, err = f.engine.SetOccupancy(ctx, "A2", true)
	assert.ErrorIs(t, err, repository.ErrConflict)

	f.clock.Advance(time.Hour)
	s, err = f.engine.SetOccupancy(ctx, "A2", true)
	require.NoError(t, err)
	assert.Equal(t, model.SlotOccupied, s.Status)
	assert.Empty(t, s.ReservedBy)
	last := f.events.Events()
	assert.Equal(t, queue.ReleaseReasonExpired, last[len(last)-1].Reason)
}

func TestSetOccupancyRepairsMalformedRecord(t *testing.T) {
	f := newFixture(t, "A1")
	f.store.Put(model.Slot{ID: "A1", Status: model.SlotReserved})

	s := f.slot("A1")
	require.True(t, s.Malformed)
	assert.Equal(t, model.SlotOccupied, s.Status)

	f.refresh()
	o, err := f.reserve(driver("u1"), "A1", 30)
	require.NoError(t, err)
	assert.Equal(t, ReasonSlotUnavailable, o.Reason)

	repaired, err := f.engine.SetOccupancy(context.Background(), "A1", false)
	require.NoError(t, err)
	assert.False(t, repaired.Malformed)
	assert.Equal(t, model.SlotFree, repaired.Status)
	assert.False(t, f.slot("A1").Malformed)
}

// TestRandomOperationsKeepInvariants drives the engine with a seeded mix
// of reservations, releases, occupancy changes and clock jumps and checks
// the stored state after every step.
func TestRandomOperationsKeepInvariants(t *testing.T) {
	ids := []string{"A1", "A2", "A3", "A4"}
	users := []*model.Identity{driver("u1"), driver("u2"), driver("u3")}
	f := newFixture(t, ids...)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for step := 0; step < 400; step++ {
		user := users[rng.Intn(len(users))]
		slotID := ids[rng.Intn(len(ids))]
		switch op := rng.Intn(10); {
		case op < 5:
			s, err := f.engine.NewSession(user)
			require.NoError(t, err)
			d, err := s.RequestReservation(slotID)
			require.NoError(t, err)
			if d.Allowed {
				offered := s.Durations()
				_, err = s.SelectDuration(ctx, offered[rng.Intn(len(offered))])
				require.NoError(t, err)
			}
		case op < 7:
			_ = f.engine.Release(ctx, user, slotID)
		case op < 8:
			_, _ = f.engine.SetOccupancy(ctx, slotID, rng.Intn(2) == 0)
		default:
			f.clock.Advance(time.Duration(rng.Intn(45)) * time.Minute)
			if !f.engine.Rules().IsWithinOperatingHours(f.clock.Now()) {
				f.clock.Set(time.Date(f.clock.Now().Year(), f.clock.Now().Month(), f.clock.Now().Day()+1, 8, 0, 0, 0, time.UTC))
			}
		}
		snap := f.refresh()
		checkInvariants(t, snap, step)
	}
}

func checkInvariants(t *testing.T, snap repository.Snapshot, step int) {
	t.Helper()
	holders := map[string]int{}
	for _, s := range snap.Slots {
		require.NoError(t, s.Validate(), "step %d slot %s", step, s.ID)
		require.False(t, s.Malformed, "step %d slot %s", step, s.ID)
		if s.IsReservedBy(s.ReservedBy, snap.At) {
			holders[s.ReservedBy]++
		}
	}
	for user, n := range holders {
		require.LessOrEqual(t, n, 1, fmt.Sprintf("step %d: %s holds %d slots", step, user, n))
	}
}
