package handler // declare the package name; contains HTTP handlers

import (
    "net/http" // net/http provides status codes and response helpers

    "github.com/labstack/echo/v4" // echo is the web framework used for this project

    "github.com/iliyamo/parking-slot-reservation/internal/service" // availability tracker readiness
)

// Health is a simple health‑check endpoint used by load balancers and
// monitoring systems to verify that the service is running.  It returns
// a plain text "ok" message with an HTTP 200 status code.
func Health(c echo.Context) error {
    return c.String(http.StatusOK, "ok")
}

// Ready reports 200 once the tracker observed the first snapshot of the
// lot and 503 before that.
func Ready(t *service.Tracker) echo.HandlerFunc {
    return func(c echo.Context) error {
        if _, ok := t.Latest(); !ok {
            return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "availability not loaded"})
        }
        return c.String(http.StatusOK, "ready")
    }
}
