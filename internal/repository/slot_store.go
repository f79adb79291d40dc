package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/iliyamo/parking-slot-reservation/internal/model"
)

// SlotMutator computes the next state of a slot from its current state.
// now is the store's clock at the time the current value was read, so
// every timestamp a mutator writes is server-assigned. current is nil
// when the slot does not exist. Returning changed=false leaves the slot
// untouched. Mutators must be pure: they may run several times when the
// store retries after a conflicting write.
type SlotMutator func(now time.Time, current *model.Slot) (next model.Slot, changed bool)

// HolderMutator is the SlotMutator counterpart for a user's holder
// record. Returning a nil next with changed=true deletes the record.
type HolderMutator func(now time.Time, current *model.Holder) (next *model.Holder, changed bool)

// Snapshot is a full copy of every slot read at one instant.
//
// Fields:
//  Slots      – all slots ordered by ID.
//  At         – store clock when the snapshot was read.
//  ReceivedAt – local clock when the snapshot was read; together with At
//               it lets readers estimate the store clock later on.
type Snapshot struct {
	Slots      []model.Slot
	At         time.Time
	ReceivedAt time.Time
}

// Slot returns the slot with the given ID.
func (s Snapshot) Slot(id string) (model.Slot, bool) {
	i := sort.Search(len(s.Slots), func(i int) bool { return s.Slots[i].ID >= id })
	if i < len(s.Slots) && s.Slots[i].ID == id {
		return s.Slots[i], true
	}
	return model.Slot{}, false
}

// ServerNow estimates the store clock at the local instant local.
func (s Snapshot) ServerNow(local time.Time) time.Time {
	if s.At.IsZero() {
		return local
	}
	return s.At.Add(local.Sub(s.ReceivedAt))
}

// UpdateResult reports the outcome of a conditional update.
//
// Fields:
//  Slot    – the slot after the update, or the observed slot when the
//            mutator left it unchanged.
//  Exists  – whether the slot exists after the update.
//  Applied – whether the mutator's change was written.
//  At      – store clock used for the committed read.
type UpdateResult struct {
	Slot    model.Slot
	Exists  bool
	Applied bool
	At      time.Time
}

// HolderResult is the UpdateResult counterpart for holder records.
type HolderResult struct {
	Holder  *model.Holder
	Applied bool
	At      time.Time
}

// SlotStore is the authoritative shared mapping of slot ID to slot state.
// Update and UpdateHolder are the only write paths; each is serialisable
// per key and retried internally on optimistic conflicts. Transport
// failures are reported as errors wrapping ErrStoreUnavailable.
type SlotStore interface {
	// Subscribe emits a full snapshot immediately and again after every
	// change. The channel is closed when ctx ends or the feed fails;
	// calling Subscribe again restarts it.
	Subscribe(ctx context.Context) (<-chan Snapshot, error)
	// Snapshot reads every slot once.
	Snapshot(ctx context.Context) (Snapshot, error)
	// Update applies fn to one slot atomically.
	Update(ctx context.Context, slotID string, fn SlotMutator) (UpdateResult, error)
	// UpdateHolder applies fn to the holder record of one user atomically.
	UpdateHolder(ctx context.Context, userID string, fn HolderMutator) (HolderResult, error)
	// Provision creates the given slots as FREE when they do not exist yet
	// and returns how many were created.
	Provision(ctx context.Context, slots []model.Slot) (int, error)
	// Now returns the store's clock.
	Now(ctx context.Context) (time.Time, error)
	Close() error
}

// unavailable wraps a transport error so that errors.Is(err,
// ErrStoreUnavailable) holds. Context deadline errors are folded into
// the same category: an unanswered write is neither success nor failure.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// sortSlots orders slots by ID so snapshots are stable across reads.
func sortSlots(slots []model.Slot) {
	sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })
}
