package config

import "time"

// PolicyConfig holds the facility's reservation rules and the limits of
// the commit path.
type PolicyConfig struct {
    FacilityTZ                  string
    OpeningHour                 int
    ClosingHour                 int
    MinReservationMinutes       int
    MaxReservationMinutes       int
    ReservationIncrementMinutes int
    CommitTimeout               time.Duration
    StoreMaxRetries             int
}

// LoadPolicyConfig reads the reservation rules.  Defaults describe a lot
// open 07:00-22:00 UTC offering 30 minutes to 8 hours in 30 minute steps.
func LoadPolicyConfig() PolicyConfig {
    cfg := PolicyConfig{
        FacilityTZ:                  envStr("FACILITY_TZ", "UTC"),
        OpeningHour:                 envInt("OPENING_HOUR", 7),
        ClosingHour:                 envInt("CLOSING_HOUR", 22),
        MinReservationMinutes:       envInt("MIN_RESERVATION_MINUTES", 30),
        MaxReservationMinutes:       envInt("MAX_RESERVATION_MINUTES", 480),
        ReservationIncrementMinutes: envInt("RESERVATION_INCREMENT_MINUTES", 30),
        CommitTimeout:               envDur("COMMIT_TIMEOUT", 5*time.Second),
        StoreMaxRetries:             envInt("STORE_MAX_RETRIES", 16),
    }
    if cfg.CommitTimeout <= 0 { cfg.CommitTimeout = 5 * time.Second }
    if cfg.StoreMaxRetries < 1 { cfg.StoreMaxRetries = 1 }
    return cfg
}
