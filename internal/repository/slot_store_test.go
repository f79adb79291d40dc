package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/parking-slot-reservation/internal/model"
)

var lot = []model.Slot{
	{ID: "B1", Coordinates: []model.Coordinate{{Latitude: 52.1, Longitude: 13.1}}},
	{ID: "A1", Coordinates: []model.Coordinate{{Latitude: 52.2, Longitude: 13.2}}},
}

func newRedisStore(t *testing.T) (*RedisSlotStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisSlotStore(client, "test", zerolog.Nop())
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// stores runs fn against the memory store and against Redis.
func stores(t *testing.T, fn func(t *testing.T, s SlotStore)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemorySlotStore(nil)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisStore(t)
		fn(t, s)
	})
}

func reserveFor(user string, d time.Duration) SlotMutator {
	return func(now time.Time, cur *model.Slot) (model.Slot, bool) {
		if cur == nil || cur.Effective(now).Status != model.SlotFree {
			if cur == nil {
				return model.Slot{}, false
			}
			return *cur, false
		}
		return cur.Reserved(user, now, d), true
	}
}

func TestProvisionCreatesFreeSlotsOnce(t *testing.T) {
	stores(t, func(t *testing.T, s SlotStore) {
		ctx := context.Background()
		n, err := s.Provision(ctx, lot)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.Update(ctx, "A1", reserveFor("u1", time.Hour))
		require.NoError(t, err)

		n, err = s.Provision(ctx, lot)
		require.NoError(t, err)
		assert.Zero(t, n)

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Slots, 2)
		assert.Equal(t, "A1", snap.Slots[0].ID)
		assert.Equal(t, model.SlotReserved, snap.Slots[0].Status)
		assert.Equal(t, model.SlotFree, snap.Slots[1].Status)
		assert.Equal(t, lot[0].Coordinates, snap.Slots[1].Coordinates)
		assert.False(t, snap.At.IsZero())
	})
}

func TestUpdateUsesStoreClock(t *testing.T) {
	stores(t, func(t *testing.T, s SlotStore) {
		ctx := context.Background()
		_, err := s.Provision(ctx, lot)
		require.NoError(t, err)

		res, err := s.Update(ctx, "A1", reserveFor("u1", 30*time.Minute))
		require.NoError(t, err)
		require.True(t, res.Applied)
		assert.True(t, res.Exists)
		assert.Equal(t, res.At, *res.Slot.ReservedAt)
		assert.Equal(t, res.At.Add(30*time.Minute), *res.Slot.ReservedUntil)

		res, err = s.Update(ctx, "A1", reserveFor("u2", 30*time.Minute))
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, "u1", res.Slot.ReservedBy)
	})
}

func TestUpdateMissingSlot(t *testing.T) {
	stores(t, func(t *testing.T, s SlotStore) {
		res, err := s.Update(context.Background(), "nope", reserveFor("u1", time.Hour))
		require.NoError(t, err)
		assert.False(t, res.Exists)
		assert.False(t, res.Applied)
	})
}

func TestUpdateRejectsInvalidNextState(t *testing.T) {
	stores(t, func(t *testing.T, s SlotStore) {
		ctx := context.Background()
		_, err := s.Provision(ctx, lot)
		require.NoError(t, err)
		_, err = s.Update(ctx, "A1", func(_ time.Time, cur *model.Slot) (model.Slot, bool) {
			next := *cur
			next.Status = model.SlotReserved
			return next, true
		})
		require.ErrorIs(t, err, model.ErrInvariant)
		assert.False(t, errors.Is(err, ErrStoreUnavailable))
	})
}

func TestConcurrentUpdatesSerialise(t *testing.T) {
	stores(t, func(t *testing.T, s SlotStore) {
		ctx := context.Background()
		_, err := s.Provision(ctx, lot)
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.Update(ctx, "A1", reserveFor(string(rune('a'+i)), time.Hour))
				if !assert.NoError(t, err) {
					return
				}
				if res.Applied {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, applied)
	})
}

func TestUpdateHolder(t *testing.T) {
	stores(t, func(t *testing.T, s SlotStore) {
		ctx := context.Background()
		put := func(now time.Time, cur *model.Holder) (*model.Holder, bool) {
			if cur != nil {
				return nil, false
			}
			return &model.Holder{SlotID: "A1", Until: now.Add(time.Hour), SessionID: "s1", ClaimedAt: now}, true
		}
		res, err := s.UpdateHolder(ctx, "u1", put)
		require.NoError(t, err)
		require.True(t, res.Applied)

		res, err = s.UpdateHolder(ctx, "u1", put)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		require.NotNil(t, res.Holder)
		assert.Equal(t, "s1", res.Holder.SessionID)
		assert.True(t, res.Holder.Live(res.At))

		res, err = s.UpdateHolder(ctx, "u1", func(time.Time, *model.Holder) (*model.Holder, bool) { return nil, true })
		require.NoError(t, err)
		assert.True(t, res.Applied)

		res, err = s.UpdateHolder(ctx, "u1", func(_ time.Time, cur *model.Holder) (*model.Holder, bool) { return cur, false })
		require.NoError(t, err)
		assert.Nil(t, res.Holder)
	})
}

func TestSubscribeEmitsAfterChanges(t *testing.T) {
	stores(t, func(t *testing.T, s SlotStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_, err := s.Provision(ctx, lot)
		require.NoError(t, err)

		ch, err := s.Subscribe(ctx)
		require.NoError(t, err)
		first := <-ch
		require.Len(t, first.Slots, 2)

		_, err = s.Update(ctx, "B1", reserveFor("u1", time.Hour))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			select {
			case snap := <-ch:
				b, ok := snap.Slot("B1")
				return ok && b.Status == model.SlotReserved
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-ch:
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestRedisSnapshotSurfacesMalformedRecord(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	_, err := s.Provision(ctx, lot)
	require.NoError(t, err)
	require.NoError(t, mr.Set("test:slot:A1", `{"status":"RESERVED"}`))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Slots, 2)
	a1, ok := snap.Slot("A1")
	require.True(t, ok)
	assert.True(t, a1.Malformed)
	assert.Equal(t, model.SlotOccupied, a1.Status)

	// A write repairs it.
	res, err := s.Update(ctx, "A1", func(_ time.Time, cur *model.Slot) (model.Slot, bool) {
		return cur.Freed(), true
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	raw, err := mr.Get("test:slot:A1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"coordinates":[],"status":"FREE"}`, raw)
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = s.Update(ctx, "A1", reserveFor("u1", time.Hour))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = s.Now(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestMemoryStoreRetriesConflicts(t *testing.T) {
	s := NewMemorySlotStore(nil)
	ctx := context.Background()
	_, err := s.Provision(ctx, lot)
	require.NoError(t, err)

	interfered := false
	s.beforeCommit = func(key string) {
		if interfered || key != "A1" {
			return
		}
		interfered = true
		s.Put(model.Slot{ID: "A1", Status: model.SlotOccupied})
	}
	res, err := s.Update(ctx, "A1", reserveFor("u1", time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, model.SlotOccupied, res.Slot.Status)
	assert.EqualValues(t, 1, s.Conflicts())
}

func TestMemoryStoreGivesUpAfterMaxRetries(t *testing.T) {
	s := NewMemorySlotStore(nil)
	s.SetMaxRetries(2)
	ctx := context.Background()
	_, err := s.Provision(ctx, lot)
	require.NoError(t, err)
	s.beforeCommit = func(key string) { s.Put(model.Slot{ID: key, Status: model.SlotFree}) }

	_, err = s.Update(ctx, "A1", reserveFor("u1", time.Hour))
	assert.ErrorIs(t, err, ErrTooManyRetries)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestMemoryStoreUnavailableAndClosed(t *testing.T) {
	s := NewMemorySlotStore(nil)
	ctx := context.Background()
	s.SetUnavailable(errors.New("partition"))
	_, err := s.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	s.SetUnavailable(nil)
	_, err = s.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_, err = s.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSnapshotServerNow(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	local := at.Add(-3 * time.Second)
	snap := Snapshot{At: at, ReceivedAt: local}
	assert.Equal(t, at.Add(time.Minute), snap.ServerNow(local.Add(time.Minute)))
	assert.Equal(t, local, Snapshot{}.ServerNow(local))
}
