// Package queue defines message payloads exchanged over the message broker.
package queue

import "time"

// Event types published on the slot events queue.
const (
    EventSlotReserved = "slot.reserved"
    EventSlotReleased = "slot.released"
)

// Release reasons carried by slot.released events.
const (
    ReleaseReasonReleased = "released"
    ReleaseReasonExpired  = "expired"
)

// SlotEvent is published when a slot changes hands: a reservation was
// committed, released by its owner or reclaimed after expiry.  It carries
// enough information for downstream consumers to log or notify without
// reading the slot store.
type SlotEvent struct {
    ID            string     `json:"id"`
    Type          string     `json:"type"`
    SlotID        string     `json:"slot_id"`
    UserID        string     `json:"user_id,omitempty"`
    Reason        string     `json:"reason,omitempty"`
    ReservedAt    *time.Time `json:"reserved_at,omitempty"`
    ReservedUntil *time.Time `json:"reserved_until,omitempty"`
    OccurredAt    time.Time  `json:"occurred_at"`
}
