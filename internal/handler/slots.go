package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/parking-slot-reservation/internal/middleware"
	"github.com/iliyamo/parking-slot-reservation/internal/model"
	"github.com/iliyamo/parking-slot-reservation/internal/service"
)

// SlotHandler serves the availability view.  Every response is derived
// from the tracker's cached snapshot; none of these routes touches the
// slot store.
type SlotHandler struct {
	Tracker   *service.Tracker
	Heartbeat time.Duration
	Logger    zerolog.Logger
}

func NewSlotHandler(t *service.Tracker, logger zerolog.Logger) *SlotHandler {
	return &SlotHandler{
		Tracker:   t,
		Heartbeat: 15 * time.Second,
		Logger:    logger.With().Str("component", "slot-handler").Logger(),
	}
}

// List handles GET /v1/slots.  Anonymous viewers get the same view with
// is_mine always false.
func (h *SlotHandler) List(c echo.Context) error {
	v, err := h.Tracker.View(middleware.IdentityFrom(c))
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "availability not loaded yet"})
	}
	return c.JSON(http.StatusOK, v)
}

type layoutSlot struct {
	ID          string             `json:"id"`
	Coordinates []model.Coordinate `json:"coordinates"`
}

// Layout handles GET /v1/slots/layout: slot ids and polygons only.  The
// layout only changes when the lot is provisioned, so the route is cached.
func (h *SlotHandler) Layout(c echo.Context) error {
	snap, ok := h.Tracker.Latest()
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "availability not loaded yet"})
	}
	out := make([]layoutSlot, 0, len(snap.Slots))
	for _, s := range snap.Slots {
		coords := s.Coordinates
		if coords == nil {
			coords = []model.Coordinate{}
		}
		out = append(out, layoutSlot{ID: s.ID, Coordinates: coords})
	}
	return c.JSON(http.StatusOK, echo.Map{"slots": out})
}

// MyReservation handles GET /v1/me/reservation.
func (h *SlotHandler) MyReservation(c echo.Context) error {
	v, err := h.Tracker.View(middleware.IdentityFrom(c))
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "availability not loaded yet"})
	}
	if v.MyReservation == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no active reservation"})
	}
	return c.JSON(http.StatusOK, v.MyReservation)
}

// Stream handles GET /v1/slots/stream as server-sent events.  Each
// snapshot is sent as an "availability" event carrying the viewer's view;
// a comment line keeps idle connections open.
func (h *SlotHandler) Stream(c echo.Context) error {
	viewer := middleware.IdentityFrom(c)
	snaps, cancel := h.Tracker.Subscribe()
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			data, err := json.Marshal(h.Tracker.Project(snap, viewer))
			if err != nil {
				h.Logger.Error().Err(err).Msg("encode availability view")
				return nil
			}
			if _, err := fmt.Fprintf(w, "event: availability\ndata: %s\n\n", data); err != nil {
				return nil
			}
			w.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
