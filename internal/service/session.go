package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/parking-slot-reservation/internal/model"
	"github.com/iliyamo/parking-slot-reservation/internal/repository"
)

// State is the position of a reservation session in its lifecycle.
type State int

const (
	StateIdle State = iota
	StatePolicyChecking
	StateDurationSelection
	StateCommitting
	StateSucceeded
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePolicyChecking:
		return "POLICY_CHECKING"
	case StateDurationSelection:
		return "DURATION_SELECTION"
	case StateCommitting:
		return "COMMITTING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateRejected:
		return "REJECTED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateRejected }

// Outcome is the terminal result of a session.  SlotID and Until are set
// on success, Reason on rejection.
type Outcome struct {
	State  State
	SlotID string
	Until  time.Time
	Reason Reason
}

// Succeeded reports whether the reservation was committed.
func (o Outcome) Succeeded() bool { return o.State == StateSucceeded }

// Session is one user-initiated reservation attempt:
// Idle -> PolicyChecking -> DurationSelection -> Committing ->
// Succeeded | Rejected.  Only the commit contacts the store.  A session is
// single use.
type Session struct {
	id     string
	engine *Engine
	user   *model.Identity
	snap   repository.Snapshot

	mu      sync.Mutex
	state   State
	slotID  string
	offered []int
	outcome Outcome
}

func newSession(e *Engine, user *model.Identity, snap repository.Snapshot) *Session {
	return &Session{
		id:     uuid.NewString(),
		engine: e,
		user:   user,
		snap:   snap,
		state:  StateIdle,
	}
}

// ID identifies the session in logs and holder records.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Durations returns the durations offered in DurationSelection.
func (s *Session) Durations() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.offered...)
}

// Outcome returns the terminal outcome, false while the session is live.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.state.Terminal()
}

func (s *Session) finishLocked(o Outcome) Outcome {
	s.state = o.State
	o.SlotID = firstNonEmpty(o.SlotID, s.slotID)
	s.outcome = o
	s.engine.recordOutcome(o)
	return o
}

// RequestReservation runs the policy pre-check for slotID against the
// session's snapshot.  On Allowed the session offers durations; on a
// denial it ends Rejected with the denial's reason.  The store is not
// contacted.
func (s *Session) RequestReservation(slotID string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return Decision{}, ErrSessionFinished
	}
	if s.state != StateIdle {
		return Decision{}, ErrInvalidTransition
	}
	target, ok := s.snap.Slot(slotID)
	if !ok {
		return Decision{}, repository.ErrSlotNotFound
	}
	s.slotID = slotID
	s.state = StatePolicyChecking

	now := s.engine.serverNow(s.snap)
	active := ""
	if s.user != nil {
		if cur, ok := FindActiveReservation(s.snap, s.user.ID, now); ok {
			active = cur.ID
		}
	}
	rules := s.engine.rules
	d := rules.CanUserReserve(s.user, active, target, now)
	if !d.Allowed {
		s.finishLocked(Outcome{State: StateRejected, Reason: d.Reason})
		return d, nil
	}
	s.offered = rules.DurationsAt(now)
	s.state = StateDurationSelection
	return d, nil
}

// SelectDuration commits a reservation of minutes, which must be one of
// the offered durations.  It blocks for the single store round trip.  A
// store failure or a commit exceeding the engine's timeout ends the
// session Rejected(STORE_UNAVAILABLE) and is also returned as an error
// wrapping repository.ErrStoreUnavailable.
func (s *Session) SelectDuration(ctx context.Context, minutes int) (Outcome, error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return Outcome{}, ErrSessionFinished
	}
	if s.state != StateDurationSelection {
		s.mu.Unlock()
		return Outcome{}, ErrInvalidTransition
	}
	if !containsInt(s.offered, minutes) {
		s.mu.Unlock()
		return Outcome{}, ErrDurationNotOffered
	}
	s.state = StateCommitting
	slotID := s.slotID
	s.mu.Unlock()

	o, err := s.engine.commit(ctx, s.user, slotID, minutes, s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked(o), err
}

// Cancel discards the session before the commit.  It never contacts the
// store and fails once the commit has started.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state.Terminal():
		return ErrSessionFinished
	case s.state == StateCommitting:
		return ErrInvalidTransition
	}
	s.finishLocked(Outcome{State: StateRejected, Reason: ReasonCancelled})
	return nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
