// Package provision reads the lot description used to create slots out
// of band.  A lot file lists every slot with its map polygon:
//
//	slots:
//	  - id: A1
//	    coordinates:
//	      - {latitude: 52.5200, longitude: 13.4050}
//	      - {latitude: 52.5201, longitude: 13.4050}
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iliyamo/parking-slot-reservation/internal/model"
	"github.com/iliyamo/parking-slot-reservation/internal/repository"
)

// Lot is the parsed lot file.
type Lot struct {
	Slots []SlotSpec `yaml:"slots"`
}

// SlotSpec is one slot entry of a lot file.
type SlotSpec struct {
	ID          string             `yaml:"id"`
	Coordinates []model.Coordinate `yaml:"coordinates"`
}

// LoadFile reads and validates a lot file.
func LoadFile(path string) (Lot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Lot{}, err
	}
	defer f.Close()
	lot, err := Parse(f)
	if err != nil {
		return Lot{}, fmt.Errorf("%s: %w", path, err)
	}
	return lot, nil
}

// Parse decodes a lot description.  Unknown fields are rejected.
func Parse(r io.Reader) (Lot, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var lot Lot
	if err := dec.Decode(&lot); err != nil && !errors.Is(err, io.EOF) {
		return Lot{}, fmt.Errorf("decode lot: %w", err)
	}
	return lot, lot.Validate()
}

// Validate checks that every slot has a unique, non-empty ID without ':'
// and valid coordinates.
func (l Lot) Validate() error {
	if len(l.Slots) == 0 {
		return errors.New("lot has no slots")
	}
	seen := make(map[string]bool, len(l.Slots))
	for i, s := range l.Slots {
		id := strings.TrimSpace(s.ID)
		switch {
		case id == "":
			return fmt.Errorf("slot #%d: missing id", i+1)
		case strings.ContainsAny(id, ": "):
			return fmt.Errorf("slot %q: id must not contain ':' or spaces", id)
		case seen[id]:
			return fmt.Errorf("slot %q: duplicate id", id)
		}
		seen[id] = true
		for _, c := range s.Coordinates {
			if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
				return fmt.Errorf("slot %q: coordinate %v out of range", id, c)
			}
		}
	}
	return nil
}

// ToSlots converts the lot into FREE slots.
func (l Lot) ToSlots() []model.Slot {
	out := make([]model.Slot, 0, len(l.Slots))
	for _, s := range l.Slots {
		out = append(out, model.Slot{
			ID:          strings.TrimSpace(s.ID),
			Coordinates: s.Coordinates,
			Status:      model.SlotFree,
		})
	}
	return out
}

// Apply creates the lot's missing slots in store and returns how many
// were created.  Existing slots keep their state.
func Apply(ctx context.Context, store repository.SlotStore, lot Lot) (int, error) {
	if err := lot.Validate(); err != nil {
		return 0, err
	}
	return store.Provision(ctx, lot.ToSlots())
}
