package middleware

// identity.go defines helpers shared across middleware files and handlers
// for reading the caller's identity placed in the Echo context by JWTAuth
// or OptionalJWT.

import (
    "github.com/labstack/echo/v4"

    "github.com/iliyamo/parking-slot-reservation/internal/model"
)

// IdentityFrom returns the authenticated caller, nil for anonymous
// requests.
func IdentityFrom(c echo.Context) *model.Identity {
    if id, ok := c.Get(ctxIdentity).(*model.Identity); ok && id != nil && id.ID != "" {
        return id
    }
    return nil
}

// userID returns the caller's ID for keying, "anon" when unauthenticated.
func userID(c echo.Context) string {
    if id := IdentityFrom(c); id != nil {
        return id.ID
    }
    return "anon"
}
