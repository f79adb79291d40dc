package service

import "errors"

// ErrSessionFinished is returned when a reservation session is used again
// after it reached Succeeded or Rejected.  A new session must be started.
var ErrSessionFinished = errors.New("reservation session already finished")

// ErrInvalidTransition is returned when a session operation is called in a
// state that does not accept it, e.g. selecting a duration before a slot
// was requested or cancelling while the commit is in flight.
var ErrInvalidTransition = errors.New("invalid reservation session transition")

// ErrDurationNotOffered is returned by SelectDuration for a value that was
// not part of the offered durations.  The session stays in duration
// selection.
var ErrDurationNotOffered = errors.New("duration not offered")

// ErrNotReservationOwner is returned when a user releases a slot that is
// not reserved by them.
var ErrNotReservationOwner = errors.New("slot is not reserved by this user")

// ErrNotReady is returned when no snapshot of the lot has been observed yet.
var ErrNotReady = errors.New("availability not loaded yet")
