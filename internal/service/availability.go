package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/parking-slot-reservation/internal/metrics"
	"github.com/iliyamo/parking-slot-reservation/internal/model"
	"github.com/iliyamo/parking-slot-reservation/internal/repository"
)

// SlotView is what a viewer sees of one slot.  Expired reservations are
// already shown as FREE.
type SlotView struct {
	ID                   string             `json:"id"`
	Status               model.SlotStatus   `json:"status"`
	IsMine               bool               `json:"is_mine"`
	TimeRemainingSeconds int64              `json:"time_remaining_seconds"`
	Coordinates          []model.Coordinate `json:"coordinates,omitempty"`
}

// ActiveReservation is the viewer's own live reservation.
type ActiveReservation struct {
	SlotID               string    `json:"slot_id"`
	ReservedAt           time.Time `json:"reserved_at"`
	ReservedUntil        time.Time `json:"reserved_until"`
	TimeRemainingSeconds int64     `json:"time_remaining_seconds"`
}

// View is the projection of one snapshot for one viewer.
type View struct {
	At            time.Time          `json:"at"`
	Slots         []SlotView         `json:"slots"`
	MyReservation *ActiveReservation `json:"my_reservation,omitempty"`
}

// TimeRemaining is the time left until until, never negative.
func TimeRemaining(now, until time.Time) time.Duration {
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// FindActiveReservation returns the slot userID holds a live reservation
// on at now.
func FindActiveReservation(snap repository.Snapshot, userID string, now time.Time) (model.Slot, bool) {
	if userID == "" {
		return model.Slot{}, false
	}
	for _, s := range snap.Slots {
		if s.IsReservedBy(userID, now) {
			return s, true
		}
	}
	return model.Slot{}, false
}

// Project derives the view of snap for viewer at now.  viewer may be nil.
func Project(snap repository.Snapshot, viewer *model.Identity, now time.Time) View {
	uid := ""
	if viewer != nil {
		uid = viewer.ID
	}
	v := View{At: now, Slots: make([]SlotView, 0, len(snap.Slots))}
	for _, s := range snap.Slots {
		eff := s.Effective(now)
		sv := SlotView{ID: eff.ID, Status: eff.Status, Coordinates: eff.Coordinates}
		if eff.Status == model.SlotReserved {
			sv.TimeRemainingSeconds = int64(TimeRemaining(now, *eff.ReservedUntil) / time.Second)
			sv.IsMine = eff.IsReservedBy(uid, now)
			if sv.IsMine && v.MyReservation == nil {
				v.MyReservation = &ActiveReservation{
					SlotID:               eff.ID,
					ReservedAt:           *eff.ReservedAt,
					ReservedUntil:        *eff.ReservedUntil,
					TimeRemainingSeconds: sv.TimeRemainingSeconds,
				}
			}
		}
		v.Slots = append(v.Slots, sv)
	}
	return v
}

// Tracker keeps the latest snapshot of the lot.  It owns the single store
// subscription of a process, runs the reconciler on every snapshot and
// fans snapshots out to stream subscribers.  Sessions read the cached
// snapshot, so pre-checks never contact the store.
type Tracker struct {
	store      repository.SlotStore
	reconciler *Reconciler
	logger     zerolog.Logger
	clock      func() time.Time

	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.RWMutex
	latest    repository.Snapshot
	hasLatest bool
	ready     chan struct{}
	subs      map[chan repository.Snapshot]struct{}
}

// NewTracker returns a tracker for store.  reconciler may be nil to only
// observe.
func NewTracker(store repository.SlotStore, reconciler *Reconciler, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:      store,
		reconciler: reconciler,
		logger:     logger.With().Str("component", "tracker").Logger(),
		clock:      time.Now,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		ready:      make(chan struct{}),
		subs:       make(map[chan repository.Snapshot]struct{}),
	}
}

// SetClock replaces the local clock used to extrapolate the store clock.
func (t *Tracker) SetClock(clock func() time.Time) {
	if clock != nil {
		t.clock = clock
	}
}

// SetBackoff bounds the delay between subscription restarts.
func (t *Tracker) SetBackoff(initial, limit time.Duration) {
	if initial > 0 {
		t.minBackoff = initial
	}
	if limit >= t.minBackoff {
		t.maxBackoff = limit
	}
}

// Run subscribes to the store until ctx ends, restarting the
// subscription with exponential backoff whenever it fails or closes.
func (t *Tracker) Run(ctx context.Context) error {
	backoff := t.minBackoff
	for {
		ch, err := t.store.Subscribe(ctx)
		if err == nil {
			received := t.consume(ctx, ch)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if received {
				backoff = t.minBackoff
			}
			t.logger.Warn().Dur("retry_in", backoff).Msg("slot subscription ended; restarting")
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("slot subscription failed")
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff *= 2; backoff > t.maxBackoff {
			backoff = t.maxBackoff
		}
	}
}

func (t *Tracker) consume(ctx context.Context, ch <-chan repository.Snapshot) bool {
	received := false
	for snap := range ch {
		received = true
		t.Observe(ctx, snap)
	}
	return received
}

// Observe records snap as the latest snapshot, notifies subscribers and
// reconciles expired reservations it contains.
func (t *Tracker) Observe(ctx context.Context, snap repository.Snapshot) {
	t.mu.Lock()
	t.latest = snap
	if !t.hasLatest {
		t.hasLatest = true
		close(t.ready)
	}
	for ch := range t.subs {
		offerLatest(ch, snap)
	}
	t.mu.Unlock()

	recordStatusGauge(snap)
	if t.reconciler != nil {
		if _, err := t.reconciler.Reconcile(ctx, snap); err != nil {
			t.logger.Debug().Err(err).Msg("reconciliation incomplete")
		}
	}
}

func offerLatest(ch chan repository.Snapshot, snap repository.Snapshot) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func recordStatusGauge(snap repository.Snapshot) {
	counts := map[model.SlotStatus]int{model.SlotFree: 0, model.SlotOccupied: 0, model.SlotReserved: 0}
	for _, s := range snap.Slots {
		counts[s.Effective(snap.At).Status]++
	}
	for st, n := range counts {
		metrics.SlotsByStatus.WithLabelValues(string(st)).Set(float64(n))
	}
}

// Latest returns the most recent snapshot, false before the first one.
func (t *Tracker) Latest() (repository.Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.hasLatest
}

// WaitReady blocks until the first snapshot was observed or ctx ends.
func (t *Tracker) WaitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Now estimates the store clock from the latest snapshot.
func (t *Tracker) Now() time.Time {
	snap, _ := t.Latest()
	return snap.ServerNow(t.clock())
}

// View projects the latest snapshot for viewer.
func (t *Tracker) View(viewer *model.Identity) (View, error) {
	snap, ok := t.Latest()
	if !ok {
		return View{}, ErrNotReady
	}
	return Project(snap, viewer, snap.ServerNow(t.clock())), nil
}

// Project derives the view of snap for viewer using the tracker's clock.
func (t *Tracker) Project(snap repository.Snapshot, viewer *model.Identity) View {
	return Project(snap, viewer, snap.ServerNow(t.clock()))
}

// Subscribe returns a channel receiving the latest snapshot right away
// and every later one; a slow reader only sees the newest.  cancel must be
// called to release it.
func (t *Tracker) Subscribe() (<-chan repository.Snapshot, func()) {
	ch := make(chan repository.Snapshot, 1)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	if t.hasLatest {
		ch <- t.latest
	}
	t.mu.Unlock()
	metrics.AvailabilitySubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			t.mu.Unlock()
			metrics.AvailabilitySubscribers.Dec()
		})
	}
}
