package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/parking-slot-reservation/internal/config"
	"github.com/iliyamo/parking-slot-reservation/internal/model"
)

// Reason explains why a reservation attempt did not succeed.  Values are
// stable and returned verbatim to clients.
type Reason string

const (
	ReasonAlreadyHasReservation     Reason = "ALREADY_HAS_RESERVATION"
	ReasonSlotUnavailable           Reason = "SLOT_UNAVAILABLE"
	ReasonOutsideHours              Reason = "OUTSIDE_HOURS"
	ReasonInsufficientTimeRemaining Reason = "INSUFFICIENT_TIME_REMAINING"
	ReasonUnauthenticated           Reason = "UNAUTHENTICATED"
	ReasonLostRace                  Reason = "LOST_RACE"
	ReasonStoreUnavailable          Reason = "STORE_UNAVAILABLE"
	ReasonCancelled                 Reason = "CANCELLED"
)

// Decision is the result of a policy check.  A denial is a value, not an
// error.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r Reason) Decision { return Decision{Reason: r} }

func (d Decision) String() string {
	if d.Allowed {
		return "ALLOWED"
	}
	return "DENIED(" + string(d.Reason) + ")"
}

// Rules holds the facility's reservation policy.  All methods are pure and
// take "now" from the caller, which must be the store's clock.
//
// Fields:
//  OpeningHour – first hour (local) in which reservations are accepted.
//  ClosingHour – hour (local) at which the facility closes.
//  MinMinutes  – shortest reservation offered.
//  MaxMinutes  – longest reservation offered.
//  StepMinutes – increment between offered durations.
//  Location    – facility time zone.
type Rules struct {
	OpeningHour int
	ClosingHour int
	MinMinutes  int
	MaxMinutes  int
	StepMinutes int
	Location    *time.Location
}

// DefaultRules returns a 07:00-22:00 UTC facility offering 30 minutes to 8
// hours in 30 minute steps.
func DefaultRules() Rules {
	return Rules{
		OpeningHour: 7,
		ClosingHour: 22,
		MinMinutes:  30,
		MaxMinutes:  480,
		StepMinutes: 30,
		Location:    time.UTC,
	}
}

// RulesFromConfig builds Rules from the loaded policy configuration.
func RulesFromConfig(cfg config.PolicyConfig) (Rules, error) {
	loc, err := time.LoadLocation(cfg.FacilityTZ)
	if err != nil {
		return Rules{}, fmt.Errorf("facility time zone %q: %w", cfg.FacilityTZ, err)
	}
	r := Rules{
		OpeningHour: cfg.OpeningHour,
		ClosingHour: cfg.ClosingHour,
		MinMinutes:  cfg.MinReservationMinutes,
		MaxMinutes:  cfg.MaxReservationMinutes,
		StepMinutes: cfg.ReservationIncrementMinutes,
		Location:    loc,
	}
	return r, r.Validate()
}

// Validate rejects rule sets that could never offer a duration.
func (r Rules) Validate() error {
	switch {
	case r.OpeningHour < 0 || r.ClosingHour > 24 || r.OpeningHour >= r.ClosingHour:
		return fmt.Errorf("operating hours %d-%d are invalid", r.OpeningHour, r.ClosingHour)
	case r.MinMinutes <= 0 || r.StepMinutes <= 0:
		return errors.New("minimum reservation and increment must be positive")
	case r.MaxMinutes < r.MinMinutes:
		return fmt.Errorf("maximum reservation %d is below minimum %d", r.MaxMinutes, r.MinMinutes)
	}
	return nil
}

func (r Rules) loc() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// IsWithinOperatingHours reports whether OpeningHour <= hour < ClosingHour
// in the facility's time zone.
func (r Rules) IsWithinOperatingHours(now time.Time) bool {
	h := now.In(r.loc()).Hour()
	return r.OpeningHour <= h && h < r.ClosingHour
}

// ClosingTime returns today's closing instant in the facility's time zone.
func (r Rules) ClosingTime(now time.Time) time.Time {
	local := now.In(r.loc())
	y, m, d := local.Date()
	return time.Date(y, m, d, r.ClosingHour, 0, 0, 0, r.loc())
}

// AvailableDurations lists the offered reservation lengths in minutes:
// MinMinutes, MinMinutes+StepMinutes, ... up to the smaller of MaxMinutes
// and the whole minutes left until closing.  The result is empty when even
// MinMinutes does not fit.
func (r Rules) AvailableDurations(now, closing time.Time) []int {
	untilClose := int(closing.Sub(now) / time.Minute)
	limit := r.MaxMinutes
	if untilClose < limit {
		limit = untilClose
	}
	if r.StepMinutes <= 0 || r.MinMinutes <= 0 || r.MinMinutes > limit {
		return []int{}
	}
	out := make([]int, 0, (limit-r.MinMinutes)/r.StepMinutes+1)
	for d := r.MinMinutes; d <= limit; d += r.StepMinutes {
		out = append(out, d)
	}
	return out
}

// DurationsAt is AvailableDurations against today's closing time.
func (r Rules) DurationsAt(now time.Time) []int {
	return r.AvailableDurations(now, r.ClosingTime(now))
}

// Offers reports whether minutes is one of the durations offered at now.
func (r Rules) Offers(now time.Time, minutes int) bool {
	for _, d := range r.DurationsAt(now) {
		if d == minutes {
			return true
		}
	}
	return false
}

// CanUserReserve runs the advisory pre-checks in order:
// AlreadyHasReservation, SlotUnavailable, OutsideHours,
// InsufficientTimeRemaining.  activeSlotID is the slot the user currently
// holds, empty for none.  Anonymous viewers are always denied.
func (r Rules) CanUserReserve(user *model.Identity, activeSlotID string, target model.Slot, now time.Time) Decision {
	if user == nil || user.ID == "" {
		return deny(ReasonUnauthenticated)
	}
	if activeSlotID != "" && activeSlotID != target.ID {
		return deny(ReasonAlreadyHasReservation)
	}
	eff := target.Effective(now)
	if eff.Malformed || eff.Status != model.SlotFree {
		return deny(ReasonSlotUnavailable)
	}
	if !r.IsWithinOperatingHours(now) {
		return deny(ReasonOutsideHours)
	}
	if len(r.DurationsAt(now)) == 0 {
		return deny(ReasonInsufficientTimeRemaining)
	}
	return allow()
}
