package middleware

import (
    "time"

    "github.com/labstack/echo/v4"
    "github.com/rs/zerolog"
)

// RequestLogger logs one line per request with method, path, status,
// latency and remote IP.  Server errors are logged at error level.
func RequestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
    logger = logger.With().Str("component", "http").Logger()
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            start := time.Now()
            err := next(c)
            if err != nil {
                c.Error(err)
            }
            status := c.Response().Status
            ev := logger.Info()
            switch {
            case status >= 500:
                ev = logger.Error().Err(err)
            case status >= 400:
                ev = logger.Warn()
            }
            ev.Str("method", c.Request().Method).
                Str("path", c.Path()).
                Str("uri", c.Request().RequestURI).
                Int("status", status).
                Dur("latency", time.Since(start)).
                Str("remote_ip", c.RealIP()).
                Str("user_id", userID(c)).
                Msg("request")
            return nil
        }
    }
}
