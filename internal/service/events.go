package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iliyamo/parking-slot-reservation/internal/model"
	"github.com/iliyamo/parking-slot-reservation/internal/queue"
)

// EventPublisher delivers slot events to the broker.  Publishing is best
// effort: a failure is logged and never changes an operation's outcome.
type EventPublisher interface {
	PublishSlotEvent(ctx context.Context, ev queue.SlotEvent) error
}

type nopPublisher struct{}

func (nopPublisher) PublishSlotEvent(context.Context, queue.SlotEvent) error { return nil }

const publishTimeout = 2 * time.Second

func publish(events EventPublisher, logger zerolog.Logger, ev queue.SlotEvent) {
	if events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := events.PublishSlotEvent(ctx, ev); err != nil {
		logger.Warn().Err(err).Str("event", ev.Type).Str("slot_id", ev.SlotID).Msg("publish slot event failed")
	}
}

func reservedEvent(slot model.Slot, at time.Time) queue.SlotEvent {
	return queue.SlotEvent{
		ID:            uuid.NewString(),
		Type:          queue.EventSlotReserved,
		SlotID:        slot.ID,
		UserID:        slot.ReservedBy,
		ReservedAt:    slot.ReservedAt,
		ReservedUntil: slot.ReservedUntil,
		OccurredAt:    at,
	}
}

// releasedEvent describes the reservation held by prev before it was
// cleared for reason.
func releasedEvent(prev model.Slot, reason string, at time.Time) queue.SlotEvent {
	return queue.SlotEvent{
		ID:            uuid.NewString(),
		Type:          queue.EventSlotReleased,
		SlotID:        prev.ID,
		UserID:        prev.ReservedBy,
		Reason:        reason,
		ReservedAt:    prev.ReservedAt,
		ReservedUntil: prev.ReservedUntil,
		OccurredAt:    at,
	}
}
