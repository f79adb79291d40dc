package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/parking-slot-reservation/internal/handler"
	"github.com/iliyamo/parking-slot-reservation/internal/middleware"
	"github.com/iliyamo/parking-slot-reservation/internal/model"
)

// SlotRouteOptions carries the optional Redis-backed middleware.  Nil
// entries are skipped.
type SlotRouteOptions struct {
	RateLimit echo.MiddlewareFunc // applied to reservation writes
	Cache     echo.MiddlewareFunc // applied to the lot layout
}

// RegisterSlots registers the availability and reservation routes.
// Availability is readable anonymously; reservations require a DRIVER or
// ADMIN token; the occupancy override requires ADMIN.
func RegisterSlots(e *echo.Echo, s *handler.SlotHandler, r *handler.ReservationHandler, jwtSecret string, opts SlotRouteOptions) {
	public := e.Group("/v1/slots", middleware.OptionalJWT(jwtSecret))
	public.GET("", s.List)
	if opts.Cache != nil {
		public.GET("/layout", s.Layout, opts.Cache)
	} else {
		public.GET("/layout", s.Layout)
	}
	public.GET("/stream", s.Stream)

	writes := []echo.MiddlewareFunc{
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleDriver, model.RoleAdmin),
	}
	if opts.RateLimit != nil {
		writes = append(writes, opts.RateLimit)
	}
	drivers := e.Group("/v1", writes...)
	drivers.GET("/slots/:id/durations", r.Durations)
	drivers.POST("/slots/:id/reservation", r.Reserve)
	drivers.DELETE("/slots/:id/reservation", r.Release)
	drivers.GET("/me/reservation", s.MyReservation)

	admin := e.Group("/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)
	admin.PUT("/slots/:id/occupancy", r.SetOccupancy)
}
