package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliyamo/parking-slot-reservation/internal/model"
)

// slotRecord is the persisted shape of a slot. Field names are part of
// the storage contract shared with every client and must not change.
// Timestamps are Unix milliseconds.
type slotRecord struct {
	Coordinates                []model.Coordinate `json:"coordinates"`
	Status                     string             `json:"status"`
	ReservedBy                 *string            `json:"reservedBy,omitempty"`
	ReservationTimestamp       *int64             `json:"reservationTimestamp,omitempty"`
	ReservationExpiryTimestamp *int64             `json:"reservationExpiryTimestamp,omitempty"`
}

// encodeSlot converts a slot into its persisted JSON form.
func encodeSlot(s model.Slot) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("encode slot %s: %w", s.ID, err)
	}
	rec := slotRecord{
		Coordinates: s.Coordinates,
		Status:      string(s.Status),
	}
	if rec.Coordinates == nil {
		rec.Coordinates = []model.Coordinate{}
	}
	if s.Status == model.SlotReserved {
		by := s.ReservedBy
		at := s.ReservedAt.UnixMilli()
		until := s.ReservedUntil.UnixMilli()
		rec.ReservedBy = &by
		rec.ReservationTimestamp = &at
		rec.ReservationExpiryTimestamp = &until
	}
	return json.Marshal(rec)
}

// decodeSlot parses a persisted record. A record that cannot be parsed
// or violates the slot invariant is returned as an OCCUPIED slot with
// Malformed set, together with an error wrapping ErrMalformedRecord, so
// readers can keep serving the remaining slots.
func decodeSlot(id string, data []byte) (model.Slot, error) {
	var rec slotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return malformedSlot(id, nil), fmt.Errorf("slot %s: %w: %v", id, ErrMalformedRecord, err)
	}
	s := model.Slot{
		ID:          id,
		Coordinates: rec.Coordinates,
		Status:      model.SlotStatus(rec.Status),
	}
	if rec.ReservedBy != nil {
		s.ReservedBy = *rec.ReservedBy
	}
	if rec.ReservationTimestamp != nil {
		t := time.UnixMilli(*rec.ReservationTimestamp).UTC()
		s.ReservedAt = &t
	}
	if rec.ReservationExpiryTimestamp != nil {
		t := time.UnixMilli(*rec.ReservationExpiryTimestamp).UTC()
		s.ReservedUntil = &t
	}
	if err := s.Validate(); err != nil {
		return malformedSlot(id, rec.Coordinates), fmt.Errorf("slot %s: %w: %v", id, ErrMalformedRecord, err)
	}
	return s, nil
}

func malformedSlot(id string, coords []model.Coordinate) model.Slot {
	return model.Slot{ID: id, Coordinates: coords, Status: model.SlotOccupied, Malformed: true}
}

func encodeHolder(h model.Holder) ([]byte, error) { return json.Marshal(h) }

func decodeHolder(data []byte) (*model.Holder, error) {
	var h model.Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
