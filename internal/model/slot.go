package model

import (
    "errors"
    "time"
)

// SlotStatus is the availability state of a single parking space.
type SlotStatus string

const (
    SlotFree     SlotStatus = "FREE"
    SlotOccupied SlotStatus = "OCCUPIED"
    SlotReserved SlotStatus = "RESERVED"
)

// Valid reports whether s is one of the known statuses.
func (s SlotStatus) Valid() bool {
    switch s {
    case SlotFree, SlotOccupied, SlotReserved:
        return true
    }
    return false
}

// Coordinate is one vertex of the polygon drawn for a slot on the map.
type Coordinate struct {
    Latitude  float64 `json:"latitude" yaml:"latitude"`
    Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Slot represents one physical parking space and its reservation state.
// ReservedBy, ReservedAt and ReservedUntil are set together and only
// while Status is RESERVED.  ReservedAt is always assigned from the
// store's clock, never from the client.
//
// Fields:
//  ID            – stable slot identifier.
//  Coordinates   – polygon used by the map renderer.
//  Status        – FREE, OCCUPIED or RESERVED.
//  ReservedBy    – identity holding the reservation.
//  ReservedAt    – server time the reservation was committed.
//  ReservedUntil – absolute expiry of the reservation.
//  Malformed     – the stored record violated the slot invariant; the
//                  slot is reported as OCCUPIED until it is repaired.
type Slot struct {
    ID            string
    Coordinates   []Coordinate
    Status        SlotStatus
    ReservedBy    string
    ReservedAt    *time.Time
    ReservedUntil *time.Time
    Malformed     bool
}

// ErrInvariant is returned by Validate for records whose reservation
// fields disagree with their status.
var ErrInvariant = errors.New("slot reservation fields inconsistent with status")

// Validate checks that the reservation fields are all present exactly
// when the slot is reserved and that the expiry follows the creation.
func (s Slot) Validate() error {
    if !s.Status.Valid() {
        return ErrInvariant
    }
    hasAny := s.ReservedBy != "" || s.ReservedAt != nil || s.ReservedUntil != nil
    hasAll := s.ReservedBy != "" && s.ReservedAt != nil && s.ReservedUntil != nil
    if s.Status == SlotReserved {
        if !hasAll || !s.ReservedUntil.After(*s.ReservedAt) {
            return ErrInvariant
        }
        return nil
    }
    if hasAny {
        return ErrInvariant
    }
    return nil
}

// IsExpired reports whether the slot holds a reservation whose expiry is
// strictly before now.
func (s Slot) IsExpired(now time.Time) bool {
    return s.Status == SlotReserved && s.ReservedUntil != nil && s.ReservedUntil.Before(now)
}

// IsReservedBy reports whether userID holds a live reservation on the slot.
func (s Slot) IsReservedBy(userID string, now time.Time) bool {
    return userID != "" && s.Status == SlotReserved && s.ReservedBy == userID && !s.IsExpired(now)
}

// Effective returns the slot as it must be treated at now: an expired
// reservation reads as a free slot even before it has been reconciled in
// storage.
func (s Slot) Effective(now time.Time) Slot {
    if s.IsExpired(now) {
        return s.Freed()
    }
    return s
}

// Freed returns a copy of the slot with the reservation cleared.
func (s Slot) Freed() Slot {
    out := s.Clone()
    out.Status = SlotFree
    out.ReservedBy = ""
    out.ReservedAt = nil
    out.ReservedUntil = nil
    return out
}

// Reserved returns a copy of the slot reserved by userID from at until
// at+d.
func (s Slot) Reserved(userID string, at time.Time, d time.Duration) Slot {
    out := s.Clone()
    from := at
    until := at.Add(d)
    out.Status = SlotReserved
    out.ReservedBy = userID
    out.ReservedAt = &from
    out.ReservedUntil = &until
    return out
}

// Clone returns a deep copy so mutators never alias stored state.
func (s Slot) Clone() Slot {
    out := s
    if s.Coordinates != nil {
        out.Coordinates = append([]Coordinate(nil), s.Coordinates...)
    }
    if s.ReservedAt != nil {
        t := *s.ReservedAt
        out.ReservedAt = &t
    }
    if s.ReservedUntil != nil {
        t := *s.ReservedUntil
        out.ReservedUntil = &t
    }
    return out
}

// Equal compares the persisted state of two slots.
func (s Slot) Equal(o Slot) bool {
    if s.ID != o.ID || s.Status != o.Status || s.ReservedBy != o.ReservedBy || s.Malformed != o.Malformed {
        return false
    }
    if !timePtrEqual(s.ReservedAt, o.ReservedAt) || !timePtrEqual(s.ReservedUntil, o.ReservedUntil) {
        return false
    }
    if len(s.Coordinates) != len(o.Coordinates) {
        return false
    }
    for i := range s.Coordinates {
        if s.Coordinates[i] != o.Coordinates[i] {
            return false
        }
    }
    return true
}

func timePtrEqual(a, b *time.Time) bool {
    if a == nil || b == nil {
        return a == nil && b == nil
    }
    return a.Equal(*b)
}

// Holder records which slot a user currently holds.  It is the
// store-side guard for the one-reservation-per-user rule: at most one
// holder record exists per user and it is only replaced once stale.
//
// Fields:
//  SlotID    – slot the user reserved or is committing.
//  Until     – expiry of that reservation.
//  SessionID – reservation session that wrote the record.
//  ClaimedAt – store time the record was written.
type Holder struct {
    SlotID    string    `json:"slot_id"`
    Until     time.Time `json:"until"`
    SessionID string    `json:"session_id"`
    ClaimedAt time.Time `json:"claimed_at"`
}

// Live reports whether the holder still blocks other reservations.
func (h Holder) Live(now time.Time) bool {
    return h.SlotID != "" && h.Until.After(now)
}
