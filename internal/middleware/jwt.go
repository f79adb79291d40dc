package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
    "net/http" // HTTP status codes for responses
    "strings"  // string utilities for prefix checking and trimming

    "github.com/labstack/echo/v4" // Echo framework used for defining middleware and handlers

    "github.com/iliyamo/parking-slot-reservation/internal/model" // identity stored in the request context
    "github.com/iliyamo/parking-slot-reservation/internal/utils" // access token verification
)

// Context keys set by the JWT middleware.
const (
    ctxIdentity = "identity"
    ctxUserID   = "user_id"
    ctxRole     = "role"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token and
// injects the caller's identity into the request context.  The provided
// secret must match the one used when issuing tokens.  Handlers read the
// identity with IdentityFrom; `c.Get("user_id")` and `c.Get("role")` stay
// available for the role and rate limit middleware.
func JWTAuth(secret string) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            raw, ok := bearer(c)
            if !ok {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
            }
            id, err := utils.ParseAccessToken(secret, raw)
            if err != nil {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
            }
            setIdentity(c, id)
            return next(c)
        }
    }
}

// OptionalJWT is JWTAuth for routes anonymous viewers may use too.  A
// missing header leaves the request anonymous; a present but invalid
// token is still rejected so clients notice expired sessions.
func OptionalJWT(secret string) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            raw, ok := bearer(c)
            if !ok {
                return next(c)
            }
            id, err := utils.ParseAccessToken(secret, raw)
            if err != nil {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
            }
            setIdentity(c, id)
            return next(c)
        }
    }
}

// bearer extracts the raw token from "Authorization: Bearer <token>".
func bearer(c echo.Context) (string, bool) {
    auth := c.Request().Header.Get("Authorization")
    if !strings.HasPrefix(auth, "Bearer ") {
        return "", false
    }
    raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
    return raw, raw != ""
}

func setIdentity(c echo.Context, id *model.Identity) {
    c.Set(ctxIdentity, id)
    c.Set(ctxUserID, id.ID)
    c.Set(ctxRole, id.Role)
}
