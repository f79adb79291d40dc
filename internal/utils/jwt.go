package utils // package utils issues and verifies the tokens of the identity provider

import (
    "crypto/rand"   // refresh token entropy
    "crypto/sha256" // refresh tokens are stored hashed
    "encoding/hex"
    "errors"
    "strconv"
    "time"

    "github.com/golang-jwt/jwt/v5"

    "github.com/iliyamo/parking-slot-reservation/internal/model"
)

// ErrInvalidToken is returned by ParseAccessToken for tokens that are
// malformed, expired, signed with another key or missing the subject.
var ErrInvalidToken = errors.New("invalid access token")

// AccessToken is a signed HS256 JWT and its expiry.
type AccessToken struct {
    Token string
    Exp   time.Time
}

// RefreshToken is the raw value handed to the client once.  Only
// HashRefreshRaw(Raw) is persisted.
type RefreshToken struct {
    Raw string
    Exp time.Time
}

// driverClaims is the payload of an access token.  The identity fields
// let the reservation routes act for the driver without a user lookup.
type driverClaims struct {
    Role  string `json:"role"`
    Email string `json:"email,omitempty"`
    Name  string `json:"name,omitempty"`
    jwt.RegisteredClaims
}

// NewAccessToken signs an access token for u valid for ttlMin minutes.
func NewAccessToken(secret string, u model.User, ttlMin int) (AccessToken, error) {
    now := time.Now().UTC()
    exp := now.Add(time.Duration(ttlMin) * time.Minute)
    claims := driverClaims{
        Role:  u.Role,
        Email: u.Email,
        Name:  u.DisplayName,
        RegisteredClaims: jwt.RegisteredClaims{
            Subject:   strconv.FormatUint(u.ID, 10),
            IssuedAt:  jwt.NewNumericDate(now),
            ExpiresAt: jwt.NewNumericDate(exp),
        },
    }
    signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
    if err != nil {
        return AccessToken{}, err
    }
    return AccessToken{Token: signed, Exp: exp}, nil
}

// ParseAccessToken verifies an HS256 access token and returns the
// identity it carries.
func ParseAccessToken(secret, raw string) (*model.Identity, error) {
    var claims driverClaims
    _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
        return []byte(secret), nil
    },
        jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
        jwt.WithExpirationRequired(),
    )
    if err != nil || claims.Subject == "" {
        return nil, ErrInvalidToken
    }
    return &model.Identity{
        ID:          claims.Subject,
        DisplayName: claims.Name,
        Email:       claims.Email,
        Role:        claims.Role,
    }, nil
}

// NewRefreshToken returns 48 random bytes hex encoded, valid for ttlDays.
func NewRefreshToken(ttlDays int) (RefreshToken, error) {
    buf := make([]byte, 48)
    if _, err := rand.Read(buf); err != nil {
        return RefreshToken{}, err
    }
    return RefreshToken{
        Raw: hex.EncodeToString(buf),
        Exp: time.Now().UTC().AddDate(0, 0, ttlDays),
    }, nil
}

// HashRefreshRaw is the form a refresh token is stored and looked up in.
func HashRefreshRaw(raw string) string {
    sum := sha256.Sum256([]byte(raw))
    return hex.EncodeToString(sum[:])
}
