package model

import "time"

// Roles accepted by the role middleware.  Drivers reserve slots;
// attendants (ADMIN) may also override slot occupancy.
const (
    RoleDriver = "DRIVER"
    RoleAdmin  = "ADMIN"
)

// User is a row of the `users` table.
type User struct {
    ID           uint64
    Email        string // unique, stored lower-cased
    DisplayName  string
    PasswordHash string // bcrypt
    Role         string
    IsActive     bool
    CreatedAt    time.Time
    UpdatedAt    time.Time
}

// Identity is the authenticated user acting on the engine, as carried by
// an access token.  A nil *Identity means an anonymous viewer, which may
// read availability but never reserve.
type Identity struct {
    ID          string `json:"id"`
    DisplayName string `json:"display_name"`
    Email       string `json:"email"`
    Role        string `json:"role,omitempty"`
}
