package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/parking-slot-reservation/internal/metrics"
	"github.com/iliyamo/parking-slot-reservation/internal/model"
	"github.com/iliyamo/parking-slot-reservation/internal/queue"
	"github.com/iliyamo/parking-slot-reservation/internal/repository"
)

// ExpireMutator frees a slot whose reservation has expired against the
// commit-time clock and leaves every other slot unchanged.  Applying it to
// a slot that is already free is a no-op.
func ExpireMutator(now time.Time, current *model.Slot) (model.Slot, bool) {
	if current == nil || current.Malformed || !current.IsExpired(now) {
		return model.Slot{}, false
	}
	return current.Freed(), true
}

// Reconciler returns expired reservations to FREE.  It runs on every
// observed snapshot instead of on a timer, so a slot nobody observes may
// stay expired in storage; every commit re-validates expiry anyway.
type Reconciler struct {
	store  repository.SlotStore
	events EventPublisher
	logger zerolog.Logger
}

// NewReconciler returns a reconciler writing through store.  events may be
// nil.
func NewReconciler(store repository.SlotStore, events EventPublisher, logger zerolog.Logger) *Reconciler {
	if events == nil {
		events = nopPublisher{}
	}
	return &Reconciler{
		store:  store,
		events: events,
		logger: logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile issues a conditional expiry for every slot of snap that is
// reserved with an expiry before snap.At.  It returns how many slots it
// freed.  Failures on one slot do not stop the others; they are logged
// and returned joined.
func (r *Reconciler) Reconcile(ctx context.Context, snap repository.Snapshot) (int, error) {
	freed := 0
	var errs []error
	for _, s := range snap.Slots {
		if !s.IsExpired(snap.At) {
			continue
		}
		prev := s
		res, err := r.store.Update(ctx, s.ID, func(now time.Time, cur *model.Slot) (model.Slot, bool) {
			next, changed := ExpireMutator(now, cur)
			if changed {
				prev = *cur
			}
			return next, changed
		})
		if err != nil {
			metrics.Reconciliations.WithLabelValues("error").Inc()
			r.logger.Warn().Err(err).Str("slot_id", s.ID).Msg("reconcile expired reservation failed")
			errs = append(errs, err)
			continue
		}
		if !res.Applied {
			metrics.Reconciliations.WithLabelValues("noop").Inc()
			continue
		}
		freed++
		metrics.Reconciliations.WithLabelValues("freed").Inc()
		r.logger.Info().
			Str("slot_id", s.ID).
			Str("user_id", prev.ReservedBy).
			Time("reserved_until", *prev.ReservedUntil).
			Msg("expired reservation reclaimed")
		publish(r.events, r.logger, releasedEvent(prev, queue.ReleaseReasonExpired, res.At))
	}
	return freed, errors.Join(errs...)
}
