package middleware

import (
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog"

    "github.com/iliyamo/parking-slot-reservation/internal/config"
    "github.com/iliyamo/parking-slot-reservation/internal/metrics"
)

// bucketScript refills continuously: a bucket regains one token every
// ARGV[3] milliseconds up to ARGV[2].  Returns {allowed, tokens left,
// milliseconds until the next token}.
var bucketScript = redis.NewScript(`
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[1])
local every = tonumber(ARGV[3])
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens') or burst)
local stamp = tonumber(redis.call('HGET', KEYS[1], 'stamp') or now)

tokens = math.min(burst, tokens + math.max(0, now - stamp) / every)
local allowed, wait = 0, 0
if tokens >= 1 then
    allowed = 1
    tokens = tokens - 1
else
    wait = math.ceil((1 - tokens) * every)
end

redis.call('HMSET', KEYS[1], 'tokens', tostring(tokens), 'stamp', now)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {allowed, math.floor(tokens), wait}
`)

// NewTokenBucket limits reservation writes with a token bucket kept in
// Redis, so every server instance shares the same budget.  When Redis
// fails the request is let through: the slot store stays the only
// authority on reservations.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, logger zerolog.Logger) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    if cfg.Burst < 1 {
        cfg.Burst = 1
    }
    if cfg.RefillEvery <= 0 {
        cfg.RefillEvery = time.Second
    }
    if cfg.TTL < cfg.RefillEvery {
        cfg.TTL = time.Duration(cfg.Burst) * cfg.RefillEvery
    }
    logger = logger.With().Str("component", "ratelimit").Logger()

    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := bucketKey(cfg, c)
            res, err := bucketScript.Run(c.Request().Context(), rdb, []string{key},
                time.Now().UnixMilli(), cfg.Burst, cfg.RefillEvery.Milliseconds(), cfg.TTL.Milliseconds(),
            ).Int64Slice()
            if err != nil || len(res) != 3 {
                logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable; allowing request")
                return next(c)
            }

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(res[1], 10))
            if res[0] == 1 {
                return next(c)
            }

            retry := (time.Duration(res[2])*time.Millisecond + time.Second - 1) / time.Second
            h.Set("Retry-After", strconv.FormatInt(int64(retry), 10))
            metrics.RateLimited.WithLabelValues(c.Path()).Inc()
            logger.Debug().Str("key", key).Int64("retry_ms", res[2]).Msg("request limited")
            return c.JSON(http.StatusTooManyRequests, echo.Map{
                "error":       "too many reservation requests",
                "retry_after": int64(retry),
            })
        }
    }
}

func bucketKey(cfg config.RateLimitConfig, c echo.Context) string {
    switch cfg.KeyStrategy {
    case "ip":
        return cfg.Prefix + ":ip:" + c.RealIP()
    case "identity_slot":
        return cfg.Prefix + ":user:" + userID(c) + ":slot:" + c.Param("id")
    default:
        return cfg.Prefix + ":user:" + userID(c)
    }
}
