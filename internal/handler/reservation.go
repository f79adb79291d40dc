package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/parking-slot-reservation/internal/middleware"
	"github.com/iliyamo/parking-slot-reservation/internal/model"
	"github.com/iliyamo/parking-slot-reservation/internal/repository"
	"github.com/iliyamo/parking-slot-reservation/internal/service"
)

// ReservationHandler drives reservation sessions on behalf of drivers and
// the occupancy override for attendants.  Each request runs one session
// from start to its terminal state.
type ReservationHandler struct {
	Engine *service.Engine
}

func NewReservationHandler(e *service.Engine) *ReservationHandler {
	if e == nil {
		panic("nil engine passed to NewReservationHandler")
	}
	return &ReservationHandler{Engine: e}
}

type durationsResp struct {
	SlotID    string         `json:"slot_id"`
	Allowed   bool           `json:"allowed"`
	Reason    service.Reason `json:"reason,omitempty"`
	Durations []int          `json:"durations"`
}

type reserveReq struct {
	Minutes int `json:"minutes"`
}

type reserveResp struct {
	SlotID        string    `json:"slot_id"`
	Minutes       int       `json:"minutes"`
	ReservedUntil time.Time `json:"reserved_until"`
}

// Durations handles GET /v1/slots/:id/durations.  It runs the policy
// pre-check and returns the offered durations.  The session is simply
// dropped: it never reached the store and is not a reservation outcome.
func (h *ReservationHandler) Durations(c echo.Context) error {
	slotID := c.Param("id")
	sess, err := h.Engine.NewSession(middleware.IdentityFrom(c))
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "availability not loaded yet"})
	}
	d, err := sess.RequestReservation(slotID)
	if err != nil {
		return engineError(c, err)
	}
	resp := durationsResp{SlotID: slotID, Allowed: d.Allowed, Reason: d.Reason, Durations: []int{}}
	if d.Allowed {
		resp.Durations = sess.Durations()
	}
	return c.JSON(http.StatusOK, resp)
}

// Reserve handles POST /v1/slots/:id/reservation with body {"minutes": n}.
// 201 on success; 409 with the reason when the policy denies or the race
// is lost; 400 when minutes is not an offered duration; 503 when the
// store could not confirm the commit.
func (h *ReservationHandler) Reserve(c echo.Context) error {
	slotID := c.Param("id")
	var req reserveReq
	if err := c.Bind(&req); err != nil || req.Minutes <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "minutes is required"})
	}
	sess, err := h.Engine.NewSession(middleware.IdentityFrom(c))
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "availability not loaded yet"})
	}
	d, err := sess.RequestReservation(slotID)
	if err != nil {
		return engineError(c, err)
	}
	if !d.Allowed {
		return rejection(c, d.Reason)
	}

	out, err := sess.SelectDuration(c.Request().Context(), req.Minutes)
	if errors.Is(err, service.ErrDurationNotOffered) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":     "duration not offered",
			"durations": sess.Durations(),
		})
	}
	if err != nil {
		return engineError(c, err)
	}
	if !out.Succeeded() {
		return rejection(c, out.Reason)
	}
	return c.JSON(http.StatusCreated, reserveResp{SlotID: out.SlotID, Minutes: req.Minutes, ReservedUntil: out.Until})
}

// Release handles DELETE /v1/slots/:id/reservation.
func (h *ReservationHandler) Release(c echo.Context) error {
	if err := h.Engine.Release(c.Request().Context(), middleware.IdentityFrom(c), c.Param("id")); err != nil {
		return engineError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type occupancyReq struct {
	Occupied *bool `json:"occupied"`
}

// SetOccupancy handles PUT /v1/admin/slots/:id/occupancy (ADMIN only).
func (h *ReservationHandler) SetOccupancy(c echo.Context) error {
	var req occupancyReq
	if err := c.Bind(&req); err != nil || req.Occupied == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "occupied is required"})
	}
	slot, err := h.Engine.SetOccupancy(c.Request().Context(), c.Param("id"), *req.Occupied)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": slot.ID, "status": slot.Status})
}

// rejection renders a policy denial or a lost race.
func rejection(c echo.Context, reason service.Reason) error {
	code := http.StatusConflict
	switch reason {
	case service.ReasonUnauthenticated:
		code = http.StatusUnauthorized
	case service.ReasonStoreUnavailable:
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, echo.Map{"error": "reservation rejected", "reason": reason})
}

// engineError maps engine and store errors to HTTP responses.
func engineError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrSlotNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "slot not found"})
	case errors.Is(err, service.ErrNotReservationOwner), errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "slot is not reserved by you"})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "slot has a live reservation", "status": model.SlotReserved})
	case errors.Is(err, repository.ErrStoreUnavailable):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "slot store unavailable, try again", "reason": service.ReasonStoreUnavailable})
	case errors.Is(err, service.ErrNotReady):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "availability not loaded yet"})
	}
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
