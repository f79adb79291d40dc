package middleware

import (
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/parking-slot-reservation/internal/config"
    "github.com/iliyamo/parking-slot-reservation/internal/model"
    "github.com/iliyamo/parking-slot-reservation/internal/utils"
)

const secret = "test-secret"

func token(t *testing.T, id uint64, role string) string {
    t.Helper()
    tok, err := utils.NewAccessToken(secret, model.User{ID: id, Role: role, Email: "x@example.com"}, 15)
    require.NoError(t, err)
    return tok.Token
}

func whoami(c echo.Context) error {
    id := IdentityFrom(c)
    if id == nil {
        return c.String(http.StatusOK, "anon")
    }
    return c.String(http.StatusOK, id.ID+"/"+id.Role)
}

func do(e *echo.Echo, method, path, bearer string, hdr ...string) *httptest.ResponseRecorder {
    req := httptest.NewRequest(method, path, nil)
    if bearer != "" {
        req.Header.Set("Authorization", "Bearer "+bearer)
    }
    for i := 0; i+1 < len(hdr); i += 2 {
        req.Header.Set(hdr[i], hdr[i+1])
    }
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)
    return rec
}

func TestJWTAuth(t *testing.T) {
    e := echo.New()
    e.GET("/p", whoami, JWTAuth(secret))

    assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/p", "").Code)
    assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/p", "garbage").Code)

    rec := do(e, http.MethodGet, "/p", token(t, 7, model.RoleDriver))
    assert.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, "7/DRIVER", rec.Body.String())
}

func TestOptionalJWT(t *testing.T) {
    e := echo.New()
    e.GET("/p", whoami, OptionalJWT(secret))

    rec := do(e, http.MethodGet, "/p", "")
    assert.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, "anon", rec.Body.String())

    assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/p", "garbage").Code)
    assert.Equal(t, "9/ADMIN", do(e, http.MethodGet, "/p", token(t, 9, model.RoleAdmin)).Body.String())
}

func TestRequireRole(t *testing.T) {
    e := echo.New()
    e.GET("/admin", whoami, JWTAuth(secret), RequireRole(model.RoleAdmin))
    e.GET("/anon", whoami, OptionalJWT(secret), RequireRole(model.RoleAdmin))

    assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/admin", token(t, 1, model.RoleDriver)).Code)
    assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/admin", token(t, 2, model.RoleAdmin)).Code)
    assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/anon", "").Code)
}

func newRedis(t *testing.T) *redis.Client {
    t.Helper()
    mr := miniredis.RunT(t)
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    t.Cleanup(func() { _ = rdb.Close() })
    return rdb
}

func TestTokenBucketLimitsPerUser(t *testing.T) {
    cfg := config.RateLimitConfig{
        Enabled:     true,
        Burst:       2,
        RefillEvery: time.Hour,
        TTL:         time.Hour,
        KeyStrategy: "identity",
        Prefix:      "rl",
    }
    e := echo.New()
    e.POST("/r", whoami, JWTAuth(secret), NewTokenBucket(cfg, newRedis(t), zerolog.Nop()))

    alice := token(t, 1, model.RoleDriver)
    assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/r", alice).Code)
    rec := do(e, http.MethodPost, "/r", alice)
    assert.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

    rec = do(e, http.MethodPost, "/r", alice)
    assert.Equal(t, http.StatusTooManyRequests, rec.Code)
    assert.NotEmpty(t, rec.Header().Get("Retry-After"))
    assert.Contains(t, rec.Body.String(), "too many reservation requests")

    assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/r", token(t, 2, model.RoleDriver)).Code)
}

func TestTokenBucketDisabledWithoutRedis(t *testing.T) {
    e := echo.New()
    e.POST("/r", whoami, NewTokenBucket(config.RateLimitConfig{Enabled: true, Burst: 1}, nil, zerolog.Nop()))
    for i := 0; i < 3; i++ {
        assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/r", "").Code)
    }
}

func TestTokenBucketPerSlot(t *testing.T) {
    cfg := config.RateLimitConfig{
        Enabled:     true,
        Burst:       1,
        RefillEvery: time.Hour,
        TTL:         time.Hour,
        KeyStrategy: "identity_slot",
        Prefix:      "rl",
    }
    e := echo.New()
    e.POST("/slots/:id", whoami, JWTAuth(secret), NewTokenBucket(cfg, newRedis(t), zerolog.Nop()))

    alice := token(t, 1, model.RoleDriver)
    assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/slots/A1", alice).Code)
    assert.Equal(t, http.StatusTooManyRequests, do(e, http.MethodPost, "/slots/A1", alice).Code)
    assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/slots/A2", alice).Code)
}

func TestRedisCache(t *testing.T) {
    cfg := config.CacheConfig{
        Enabled: true,
        TTL:     time.Minute,
        Prefix:  "cache",
    }
    calls := 0
    e := echo.New()
    e.GET("/layout", func(c echo.Context) error {
        calls++
        return c.JSON(http.StatusOK, echo.Map{"slots": []string{"A1"}})
    }, NewRedisCache(cfg, newRedis(t), zerolog.Nop()))

    first := do(e, http.MethodGet, "/layout", "")
    assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
    second := do(e, http.MethodGet, "/layout", "")
    assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
    assert.Equal(t, first.Body.String(), second.Body.String())
    assert.Equal(t, first.Header().Get(echo.HeaderContentType), second.Header().Get(echo.HeaderContentType))
    assert.Equal(t, 1, calls)

    bypass := do(e, http.MethodGet, "/layout", "", "Cache-Control", "no-cache")
    assert.Equal(t, "MISS", bypass.Header().Get("X-Cache"))
    assert.Equal(t, 2, calls)

    post := do(e, http.MethodPost, "/layout", "")
    assert.Equal(t, http.StatusMethodNotAllowed, post.Code)
}

func TestRedisCacheSkipsLargeBodies(t *testing.T) {
    cfg := config.CacheConfig{Enabled: true, TTL: time.Minute, Prefix: "cache", MaxBodyBytes: 8}
    calls := 0
    e := echo.New()
    e.GET("/layout", func(c echo.Context) error {
        calls++
        return c.String(http.StatusOK, "a body longer than eight bytes")
    }, NewRedisCache(cfg, newRedis(t), zerolog.Nop()))

    for i := 0; i < 2; i++ {
        rec := do(e, http.MethodGet, "/layout", "")
        assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
        assert.Equal(t, "a body longer than eight bytes", rec.Body.String())
    }
    assert.Equal(t, 2, calls)
}
