package config

import "time"

// RateLimitConfig configures the Redis token bucket in front of the
// reservation routes.  A bucket holds Burst requests and regains one every
// RefillEvery.  KeyStrategy selects what a bucket belongs to: "identity"
// (one per driver), "identity_slot" (one per driver and slot) or "ip".
type RateLimitConfig struct {
    Enabled     bool
    Burst       int
    RefillEvery time.Duration
    TTL         time.Duration
    KeyStrategy string
    Prefix      string
}

// LoadRateLimitConfig reads the RATE_LIMIT_* variables.
func LoadRateLimitConfig() RateLimitConfig {
    cfg := RateLimitConfig{
        Enabled:     envBool("RATE_LIMIT_ENABLED", true),
        Burst:       envInt("RATE_LIMIT_BURST", 10),
        RefillEvery: envDur("RATE_LIMIT_REFILL_EVERY", 6*time.Second),
        TTL:         envDur("RATE_LIMIT_TTL", 10*time.Minute),
        KeyStrategy: envStr("RATE_LIMIT_KEY_STRATEGY", "identity"),
        Prefix:      envStr("RATE_LIMIT_PREFIX", "parking:rl"),
    }
    if cfg.Burst < 1 {
        cfg.Burst = 1
    }
    if cfg.RefillEvery <= 0 {
        cfg.RefillEvery = time.Second
    }
    // an idle bucket must outlive the time it takes to refill completely
    if full := time.Duration(cfg.Burst) * cfg.RefillEvery; cfg.TTL < full {
        cfg.TTL = full
    }
    return cfg
}
