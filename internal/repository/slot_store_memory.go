package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iliyamo/parking-slot-reservation/internal/metrics"
	"github.com/iliyamo/parking-slot-reservation/internal/model"
)

// MemorySlotStore is an in-process SlotStore. It follows the same
// optimistic read-apply-compare protocol as the Redis store, using a
// per-key version instead of WATCH, so engine code behaves identically
// against both. It backs single-node development and the engine tests;
// its clock, latency and availability can be controlled.
type MemorySlotStore struct {
	mu      sync.Mutex
	slots   map[string]memSlot
	holders map[string]memHolder
	subs    map[*memSub]struct{}
	seq     uint64
	closed  bool

	clock      func() time.Time
	maxRetries int

	failMu  sync.RWMutex
	failErr error
	latency time.Duration

	calls     atomic.Int64
	conflicts atomic.Int64
	// beforeCommit runs between the read and the compare step of every
	// write. Tests use it to force conflicting writes.
	beforeCommit func(key string)
}

type memSlot struct {
	slot    model.Slot
	version uint64
}

type memHolder struct {
	holder  model.Holder
	version uint64
}

type memSub struct {
	mu      sync.Mutex
	ch      chan Snapshot
	lastSeq uint64
	closed  bool
}

// NewMemorySlotStore returns an empty store. A nil clock uses time.Now.
func NewMemorySlotStore(clock func() time.Time) *MemorySlotStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemorySlotStore{
		slots:      make(map[string]memSlot),
		holders:    make(map[string]memHolder),
		subs:       make(map[*memSub]struct{}),
		clock:      clock,
		maxRetries: 64,
	}
}

// SetMaxRetries bounds the optimistic retry loop of a single update.
func (s *MemorySlotStore) SetMaxRetries(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.maxRetries = n
	s.mu.Unlock()
}

// SetUnavailable makes every operation fail with err until it is reset
// with nil.
func (s *MemorySlotStore) SetUnavailable(err error) {
	s.failMu.Lock()
	s.failErr = err
	s.failMu.Unlock()
}

// SetLatency delays every write by d, honouring the caller's context.
func (s *MemorySlotStore) SetLatency(d time.Duration) {
	s.failMu.Lock()
	s.latency = d
	s.failMu.Unlock()
}

// Calls returns how many operations reached the store.
func (s *MemorySlotStore) Calls() int64 { return s.calls.Load() }

// Conflicts returns how many optimistic writes had to be retried.
func (s *MemorySlotStore) Conflicts() int64 { return s.conflicts.Load() }

// Put stores a slot verbatim, bypassing the invariant check. It stands
// in for records written by other clients, including malformed ones.
func (s *MemorySlotStore) Put(slot model.Slot) {
	s.mu.Lock()
	if err := slot.Validate(); err != nil && !slot.Malformed {
		metrics.MalformedRecords.Inc()
		slot = malformedSlot(slot.ID, slot.Coordinates)
	}
	prev := s.slots[slot.ID]
	s.slots[slot.ID] = memSlot{slot: slot.Clone(), version: prev.version + 1}
	snap, seq := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap, seq)
}

func (s *MemorySlotStore) enter(ctx context.Context, op string, write bool) error {
	s.calls.Add(1)
	s.failMu.RLock()
	failErr, latency := s.failErr, s.latency
	s.failMu.RUnlock()
	if failErr != nil {
		return unavailable(op, failErr)
	}
	if write && latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return unavailable(op, ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return unavailable(op, errors.New("store closed"))
	}
	return nil
}

// Now returns the store clock.
func (s *MemorySlotStore) Now(ctx context.Context) (time.Time, error) {
	if err := s.enter(ctx, "now", false); err != nil {
		return time.Time{}, err
	}
	return s.clock(), nil
}

// Snapshot reads every slot once.
func (s *MemorySlotStore) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.enter(ctx, "snapshot", false); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	snap, _ := s.snapshotLocked()
	s.mu.Unlock()
	return snap, nil
}

func (s *MemorySlotStore) snapshotLocked() (Snapshot, uint64) {
	s.seq++
	now := s.clock()
	slots := make([]model.Slot, 0, len(s.slots))
	for _, e := range s.slots {
		slots = append(slots, e.slot.Clone())
	}
	sortSlots(slots)
	return Snapshot{Slots: slots, At: now, ReceivedAt: now}, s.seq
}

// Subscribe emits the current snapshot and one more after every change.
// Slow readers only ever see the latest snapshot.
func (s *MemorySlotStore) Subscribe(ctx context.Context) (<-chan Snapshot, error) {
	if err := s.enter(ctx, "subscribe", false); err != nil {
		return nil, err
	}
	sub := &memSub{ch: make(chan Snapshot, 1)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	snap, seq := s.snapshotLocked()
	s.mu.Unlock()
	sub.deliver(snap, seq)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

func (s *MemorySlotStore) broadcast(snap Snapshot, seq uint64) {
	s.mu.Lock()
	subs := make([]*memSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(snap, seq)
	}
}

func (m *memSub) deliver(snap Snapshot, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || seq <= m.lastSeq {
		return
	}
	m.lastSeq = seq
	select {
	case <-m.ch:
	default:
	}
	m.ch <- snap
}

func (m *memSub) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

// Update applies fn to one slot with optimistic concurrency.
func (s *MemorySlotStore) Update(ctx context.Context, slotID string, fn SlotMutator) (UpdateResult, error) {
	s.mu.Lock()
	retries := s.maxRetries
	s.mu.Unlock()
	for attempt := 0; attempt < retries; attempt++ {
		if err := s.enter(ctx, "update slot", true); err != nil {
			return UpdateResult{}, err
		}
		s.mu.Lock()
		e, exists := s.slots[slotID]
		now := s.clock()
		s.mu.Unlock()

		var cur *model.Slot
		if exists {
			c := e.slot.Clone()
			cur = &c
		}
		next, changed := fn(now, cur)
		if !changed {
			res := UpdateResult{At: now, Exists: exists}
			if exists {
				res.Slot = *cur
			}
			return res, nil
		}
		next.ID = slotID
		next.Malformed = false
		if err := next.Validate(); err != nil {
			return UpdateResult{}, fmt.Errorf("update slot %s: %w", slotID, err)
		}
		if s.beforeCommit != nil {
			s.beforeCommit(slotID)
		}

		s.mu.Lock()
		latest, stillExists := s.slots[slotID]
		if stillExists != exists || latest.version != e.version {
			s.mu.Unlock()
			s.conflicts.Add(1)
			metrics.StoreConflicts.Inc()
			continue
		}
		s.slots[slotID] = memSlot{slot: next.Clone(), version: e.version + 1}
		snap, seq := s.snapshotLocked()
		s.mu.Unlock()
		s.broadcast(snap, seq)
		return UpdateResult{Slot: next, Exists: true, Applied: true, At: now}, nil
	}
	return UpdateResult{}, ErrTooManyRetries
}

// UpdateHolder applies fn to the holder record of userID.
func (s *MemorySlotStore) UpdateHolder(ctx context.Context, userID string, fn HolderMutator) (HolderResult, error) {
	s.mu.Lock()
	retries := s.maxRetries
	s.mu.Unlock()
	for attempt := 0; attempt < retries; attempt++ {
		if err := s.enter(ctx, "update holder", true); err != nil {
			return HolderResult{}, err
		}
		s.mu.Lock()
		e, exists := s.holders[userID]
		now := s.clock()
		s.mu.Unlock()

		var cur *model.Holder
		if exists {
			h := e.holder
			cur = &h
		}
		next, changed := fn(now, cur)
		if !changed {
			return HolderResult{Holder: cur, At: now}, nil
		}
		if s.beforeCommit != nil {
			s.beforeCommit("holder:" + userID)
		}

		s.mu.Lock()
		latest, stillExists := s.holders[userID]
		if stillExists != exists || latest.version != e.version {
			s.mu.Unlock()
			s.conflicts.Add(1)
			metrics.StoreConflicts.Inc()
			continue
		}
		if next == nil {
			delete(s.holders, userID)
		} else {
			s.holders[userID] = memHolder{holder: *next, version: e.version + 1}
		}
		s.mu.Unlock()
		return HolderResult{Holder: next, Applied: true, At: now}, nil
	}
	return HolderResult{}, ErrTooManyRetries
}

// Provision creates missing slots as FREE.
func (s *MemorySlotStore) Provision(ctx context.Context, slots []model.Slot) (int, error) {
	if err := s.enter(ctx, "provision", true); err != nil {
		return 0, err
	}
	created := 0
	s.mu.Lock()
	for _, sl := range slots {
		if _, ok := s.slots[sl.ID]; ok || sl.ID == "" {
			continue
		}
		free := model.Slot{ID: sl.ID, Coordinates: sl.Coordinates}.Freed()
		s.slots[sl.ID] = memSlot{slot: free, version: 1}
		created++
	}
	if created == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	snap, seq := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap, seq)
	return created, nil
}

// Close ends every subscription; later operations fail as unavailable.
func (s *MemorySlotStore) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[*memSub]struct{})
	s.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
	return nil
}
