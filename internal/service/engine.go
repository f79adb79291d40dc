package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/parking-slot-reservation/internal/metrics"
	"github.com/iliyamo/parking-slot-reservation/internal/model"
	"github.com/iliyamo/parking-slot-reservation/internal/queue"
	"github.com/iliyamo/parking-slot-reservation/internal/repository"
)

// Options configures an Engine.  Zero values fall back to DefaultRules, a
// five second commit timeout, no events, a disabled logger and time.Now.
type Options struct {
	Rules         Rules
	CommitTimeout time.Duration
	Events        EventPublisher
	Logger        zerolog.Logger
	Clock         func() time.Time
}

// Engine ties the slot store, the policy and the availability tracker
// together.  It is safe for concurrent use; every write goes through the
// store's conditional update.
type Engine struct {
	store         repository.SlotStore
	tracker       *Tracker
	rules         Rules
	events        EventPublisher
	logger        zerolog.Logger
	clock         func() time.Time
	commitTimeout time.Duration
}

// NewEngine builds an engine on store.  tracker supplies the snapshots
// sessions are checked against and may be nil when sessions are only
// created with NewSessionAt.
func NewEngine(store repository.SlotStore, tracker *Tracker, opts Options) *Engine {
	e := &Engine{
		store:         store,
		tracker:       tracker,
		rules:         opts.Rules,
		events:        opts.Events,
		logger:        opts.Logger.With().Str("component", "engine").Logger(),
		clock:         opts.Clock,
		commitTimeout: opts.CommitTimeout,
	}
	if e.rules == (Rules{}) {
		e.rules = DefaultRules()
	}
	if e.events == nil {
		e.events = nopPublisher{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.commitTimeout <= 0 {
		e.commitTimeout = 5 * time.Second
	}
	return e
}

// Rules returns the policy the engine enforces.
func (e *Engine) Rules() Rules { return e.rules }

// NewSession starts a reservation session for user against the tracker's
// latest snapshot.  It fails with ErrNotReady before the first snapshot.
func (e *Engine) NewSession(user *model.Identity) (*Session, error) {
	if e.tracker == nil {
		return nil, ErrNotReady
	}
	snap, ok := e.tracker.Latest()
	if !ok {
		return nil, ErrNotReady
	}
	return newSession(e, user, snap), nil
}

// NewSessionAt starts a session checked against snap.
func (e *Engine) NewSessionAt(user *model.Identity, snap repository.Snapshot) *Session {
	return newSession(e, user, snap)
}

// View projects the tracker's latest snapshot for viewer.
func (e *Engine) View(viewer *model.Identity) (View, error) {
	if e.tracker == nil {
		return View{}, ErrNotReady
	}
	return e.tracker.View(viewer)
}

func (e *Engine) serverNow(snap repository.Snapshot) time.Time {
	return snap.ServerNow(e.clock())
}

func (e *Engine) recordOutcome(o Outcome) {
	metrics.ReservationOutcomes.WithLabelValues(strings.ToLower(o.State.String()), string(o.Reason)).Inc()
	ev := e.logger.Debug()
	if o.Succeeded() {
		ev = e.logger.Info()
	}
	ev.Str("slot_id", o.SlotID).Str("state", o.State.String()).Str("reason", string(o.Reason)).Msg("reservation session finished")
}

func readOnly(time.Time, *model.Slot) (model.Slot, bool) { return model.Slot{}, false }

// commit is the Committing step of a session.  It claims the user's
// holder record, then reserves the slot with a mutator that re-validates
// the whole precondition against the store clock.
func (e *Engine) commit(parent context.Context, user *model.Identity, slotID string, minutes int, sessionID string) (Outcome, error) {
	if user == nil || user.ID == "" {
		return Outcome{State: StateRejected, SlotID: slotID, Reason: ReasonUnauthenticated}, nil
	}
	start := time.Now()
	defer func() { metrics.CommitDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(parent, e.commitTimeout)
	defer cancel()
	d := time.Duration(minutes) * time.Minute

	reason, err := e.claimHolder(ctx, user.ID, slotID, sessionID, d)
	if err != nil {
		return e.storeFailure(slotID, err)
	}
	if reason != "" {
		return Outcome{State: StateRejected, SlotID: slotID, Reason: reason}, nil
	}

	var expired *model.Slot
	res, err := e.store.Update(ctx, slotID, func(now time.Time, cur *model.Slot) (model.Slot, bool) {
		reason, expired = "", nil
		if cur == nil {
			reason = ReasonSlotUnavailable
			return model.Slot{}, false
		}
		eff := cur.Effective(now)
		switch {
		case eff.Malformed || eff.Status != model.SlotFree:
			reason = ReasonLostRace
		case !e.rules.IsWithinOperatingHours(now):
			reason = ReasonOutsideHours
		case !e.rules.Offers(now, minutes):
			reason = ReasonInsufficientTimeRemaining
		}
		if reason != "" {
			return *cur, false
		}
		if cur.IsExpired(now) {
			prev := cur.Clone()
			expired = &prev
		}
		return eff.Reserved(user.ID, now, d), true
	})
	if err != nil {
		// The write may or may not have landed.  The holder stays in place
		// and is replaced once it is found stale.
		return e.storeFailure(slotID, err)
	}
	if serr := e.settleHolder(ctx, user.ID, sessionID, res); serr != nil {
		e.logger.Warn().Err(serr).Str("user_id", user.ID).Str("slot_id", slotID).Msg("settle holder record failed")
	}
	if !res.Applied {
		return Outcome{State: StateRejected, SlotID: slotID, Reason: reason}, nil
	}

	if expired != nil {
		publish(e.events, e.logger, releasedEvent(*expired, queue.ReleaseReasonExpired, res.At))
	}
	publish(e.events, e.logger, reservedEvent(res.Slot, res.At))
	return Outcome{State: StateSucceeded, SlotID: slotID, Until: *res.Slot.ReservedUntil}, nil
}

func (e *Engine) storeFailure(slotID string, err error) (Outcome, error) {
	if !errors.Is(err, repository.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", repository.ErrStoreUnavailable, err)
	}
	e.logger.Warn().Err(err).Str("slot_id", slotID).Msg("reservation commit failed")
	return Outcome{State: StateRejected, SlotID: slotID, Reason: ReasonStoreUnavailable},
		fmt.Errorf("commit reservation on %s: %w", slotID, err)
}

// claimHolder writes the user's holder record for slotID.  A live record
// written by another session denies the attempt.  A record older than
// twice the commit timeout whose slot is not actually reserved by the
// user is stale and gets replaced.
func (e *Engine) claimHolder(ctx context.Context, userID, slotID, sessionID string, d time.Duration) (Reason, error) {
	var (
		reason Reason
		stale  *model.Holder
	)
	claim := func(replace string) repository.HolderMutator {
		return func(now time.Time, cur *model.Holder) (*model.Holder, bool) {
			reason, stale = "", nil
			if cur != nil && cur.Live(now) && (replace == "" || cur.SessionID != replace) {
				reason = ReasonAlreadyHasReservation
				if cur.SlotID == slotID {
					reason = ReasonLostRace
				}
				if now.Sub(cur.ClaimedAt) > 2*e.commitTimeout {
					h := *cur
					stale = &h
				}
				return nil, false
			}
			return &model.Holder{
				SlotID:    slotID,
				Until:     now.Add(d + e.commitTimeout),
				SessionID: sessionID,
				ClaimedAt: now,
			}, true
		}
	}

	if _, err := e.store.UpdateHolder(ctx, userID, claim("")); err != nil {
		return "", err
	}
	if reason == "" || stale == nil {
		return reason, nil
	}
	held, err := e.store.Update(ctx, stale.SlotID, readOnly)
	if err != nil {
		return "", err
	}
	if held.Exists && held.Slot.IsReservedBy(userID, held.At) {
		return reason, nil
	}
	e.logger.Info().Str("user_id", userID).Str("slot_id", stale.SlotID).Msg("replacing stale holder record")
	if _, err := e.store.UpdateHolder(ctx, userID, claim(stale.SessionID)); err != nil {
		return "", err
	}
	return reason, nil
}

// settleHolder aligns the session's holder record with the observed slot:
// it keeps the exact expiry when the user holds the slot and deletes the
// record otherwise.  Records of other sessions are left alone.
func (e *Engine) settleHolder(ctx context.Context, userID, sessionID string, observed repository.UpdateResult) error {
	_, err := e.store.UpdateHolder(ctx, userID, func(now time.Time, cur *model.Holder) (*model.Holder, bool) {
		if cur == nil || cur.SessionID != sessionID {
			return nil, false
		}
		if observed.Exists && observed.Slot.ID == cur.SlotID && observed.Slot.IsReservedBy(userID, now) {
			h := *cur
			h.Until = *observed.Slot.ReservedUntil
			return &h, !h.Until.Equal(cur.Until)
		}
		return nil, true
	})
	return err
}

// Release frees slotID when it is reserved by user.  An expired
// reservation is no longer the user's; it is reclaimed by the reconciler.
func (e *Engine) Release(ctx context.Context, user *model.Identity, slotID string) error {
	if user == nil || user.ID == "" {
		return repository.ErrForbidden
	}
	var (
		prev     model.Slot
		notOwner bool
	)
	res, err := e.store.Update(ctx, slotID, func(now time.Time, cur *model.Slot) (model.Slot, bool) {
		notOwner = false
		if cur == nil {
			return model.Slot{}, false
		}
		if !cur.IsReservedBy(user.ID, now) {
			notOwner = true
			return *cur, false
		}
		prev = cur.Clone()
		return cur.Freed(), true
	})
	switch {
	case err != nil:
		return fmt.Errorf("release %s: %w", slotID, err)
	case !res.Exists:
		return repository.ErrSlotNotFound
	case notOwner:
		return ErrNotReservationOwner
	}

	metrics.ReleasesTotal.Inc()
	_, herr := e.store.UpdateHolder(ctx, user.ID, func(_ time.Time, cur *model.Holder) (*model.Holder, bool) {
		if cur == nil || cur.SlotID != slotID {
			return nil, false
		}
		return nil, true
	})
	if herr != nil {
		e.logger.Warn().Err(herr).Str("user_id", user.ID).Msg("clear holder record failed")
	}
	e.logger.Info().Str("slot_id", slotID).Str("user_id", user.ID).Msg("reservation released")
	publish(e.events, e.logger, releasedEvent(prev, queue.ReleaseReasonReleased, res.At))
	return nil
}

// SetOccupancy marks a slot OCCUPIED or FREE on behalf of an attendant.
// A live reservation is never overridden.  Writing also repairs a
// malformed record.
func (e *Engine) SetOccupancy(ctx context.Context, slotID string, occupied bool) (model.Slot, error) {
	target := model.SlotFree
	if occupied {
		target = model.SlotOccupied
	}
	var (
		conflict bool
		expired  *model.Slot
	)
	res, err := e.store.Update(ctx, slotID, func(now time.Time, cur *model.Slot) (model.Slot, bool) {
		conflict, expired = false, nil
		if cur == nil {
			return model.Slot{}, false
		}
		eff := cur.Effective(now)
		if eff.Status == model.SlotReserved {
			conflict = true
			return *cur, false
		}
		if !cur.Malformed && cur.Status == target {
			return *cur, false
		}
		if cur.IsExpired(now) {
			prev := cur.Clone()
			expired = &prev
		}
		next := eff.Freed()
		next.Status = target
		next.Malformed = false
		return next, true
	})
	switch {
	case err != nil:
		return model.Slot{}, fmt.Errorf("set occupancy of %s: %w", slotID, err)
	case !res.Exists:
		return model.Slot{}, repository.ErrSlotNotFound
	case conflict:
		return res.Slot, repository.ErrConflict
	}
	if res.Applied {
		e.logger.Info().Str("slot_id", slotID).Str("status", string(target)).Msg("slot occupancy overridden")
	}
	if expired != nil {
		publish(e.events, e.logger, releasedEvent(*expired, queue.ReleaseReasonExpired, res.At))
	}
	return res.Slot, nil
}
