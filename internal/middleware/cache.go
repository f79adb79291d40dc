package middleware

import (
    "bytes"
    "context"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "net/http"
    "strings"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog"

    "github.com/iliyamo/parking-slot-reservation/internal/config"
    "github.com/iliyamo/parking-slot-reservation/internal/metrics"
)

// cachedResponse is the Redis entry of one cached GET response.
type cachedResponse struct {
    Status      int    `json:"status"`
    ContentType string `json:"content_type"`
    Body        []byte `json:"body"`
}

// teeWriter forwards the response to the client and keeps a copy of the
// body until it grows past max.
type teeWriter struct {
    http.ResponseWriter
    body     bytes.Buffer
    max      int
    overflow bool
}

func (w *teeWriter) Write(b []byte) (int, error) {
    if !w.overflow {
        if w.max > 0 && w.body.Len()+len(b) > w.max {
            w.overflow = true
            w.body.Reset()
        } else {
            w.body.Write(b)
        }
    }
    return w.ResponseWriter.Write(b)
}

func cacheKey(cfg config.CacheConfig, c echo.Context) string {
    sum := sha256.Sum256([]byte(c.Request().URL.RequestURI()))
    return cfg.Prefix + ":" + hex.EncodeToString(sum[:16])
}

// NewRedisCache caches successful GET responses of routes whose content
// only changes on provisioning, such as the lot layout.  A request with
// "Cache-Control: no-cache" skips the lookup and refreshes the entry.
func NewRedisCache(cfg config.CacheConfig, rdb *redis.Client, logger zerolog.Logger) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    if cfg.TTL <= 0 {
        cfg.TTL = 5 * time.Minute
    }
    logger = logger.With().Str("component", "cache").Logger()

    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            req := c.Request()
            if req.Method != http.MethodGet {
                return next(c)
            }
            key := cacheKey(cfg, c)

            if strings.Contains(strings.ToLower(req.Header.Get(echo.HeaderCacheControl)), "no-cache") {
                metrics.CacheLookups.WithLabelValues("bypass").Inc()
            } else if raw, err := rdb.Get(req.Context(), key).Bytes(); err == nil {
                var hit cachedResponse
                if err := json.Unmarshal(raw, &hit); err == nil {
                    metrics.CacheLookups.WithLabelValues("hit").Inc()
                    c.Response().Header().Set("X-Cache", "HIT")
                    return c.Blob(hit.Status, hit.ContentType, hit.Body)
                }
                logger.Warn().Str("key", key).Msg("dropping unreadable cache entry")
            } else if err != redis.Nil {
                logger.Warn().Err(err).Msg("cache lookup failed")
            } else {
                metrics.CacheLookups.WithLabelValues("miss").Inc()
            }

            tw := &teeWriter{ResponseWriter: c.Response().Writer, max: cfg.MaxBodyBytes}
            c.Response().Writer = tw
            c.Response().Header().Set("X-Cache", "MISS")
            if err := next(c); err != nil {
                return err
            }
            if c.Response().Status != http.StatusOK || tw.overflow {
                return nil
            }

            entry, err := json.Marshal(cachedResponse{
                Status:      http.StatusOK,
                ContentType: c.Response().Header().Get(echo.HeaderContentType),
                Body:        tw.body.Bytes(),
            })
            if err != nil {
                return nil
            }
            wctx, cancel := context.WithTimeout(context.Background(), time.Second)
            defer cancel()
            if err := rdb.Set(wctx, key, entry, cfg.TTL).Err(); err != nil {
                logger.Warn().Err(err).Str("key", key).Msg("cache store failed")
            }
            return nil
        }
    }
}
