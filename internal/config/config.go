// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration from the environment with an
// optional hot-reloadable YAML overrides file for the TTL table.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the full daemon configuration. TTL-style values are configured in
// seconds, loop intervals in milliseconds.
type Config struct {
	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Durable store
	StoreBackend string // "memory" | "badger"
	StorePath    string

	// HTTP operator API
	HTTPAddr     string
	RateLimitRPS int

	// Carrier
	CarrierBaseURL        string
	CarrierToken          string
	CarrierConnectTimeout time.Duration
	CarrierCallTimeout    time.Duration
	DialRatePerSecond     int

	// Admission / lease TTL table
	LimitDefault       int
	PreDialBase        time.Duration
	PreDialJitter      time.Duration
	PreDialMax         time.Duration
	ActiveLeaseBase    time.Duration
	ActiveLeaseJitter  time.Duration
	ReservationTTL     time.Duration
	GateTTL            time.Duration
	ColdStartBlock     time.Duration
	DialIdempotencyTTL time.Duration

	// Fairness: high-priority share per weighted batch, e.g. 3 means 3:1.
	FairnessHighShare int

	// Dispatcher
	MaxBatch           int
	PromoterBackoffMin time.Duration
	PromoterBackoffCap time.Duration
	RedisBackoffBase   time.Duration
	RedisBackoffCap    time.Duration
	RedisMaxFailures   int
	OwnershipTTL       time.Duration

	// Circuit breaker
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerOpenTTL   time.Duration

	// Background loops
	JanitorInterval    time.Duration
	CompactorInterval  time.Duration
	ReconcilerInterval time.Duration
	InvariantInterval  time.Duration
	OrphanAge          time.Duration
	GateStaleAge       time.Duration
	WaitlistCap        int

	// Tracing (OTLP export; spans are recorded only when enabled)
	TracingEnabled    bool
	TracingExporter   string // "grpc" | "http"
	TracingEndpoint   string
	TracingSampleRate float64
	Environment       string

	// Optional YAML overrides file watched for TTL-table changes.
	OverridesFile string
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		RedisAddr:     ParseString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: ParseString("REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("REDIS_DB", 0),

		StoreBackend: ParseString("STORE_BACKEND", "memory"),
		StorePath:    ParseString("STORE_PATH", "./data"),

		HTTPAddr:     ParseString("HTTP_ADDR", ":8080"),
		RateLimitRPS: ParseInt("RATE_LIMIT_RPS", 50),

		CarrierBaseURL:        ParseString("CARRIER_BASE_URL", ""),
		CarrierToken:          ParseString("CARRIER_TOKEN", ""),
		CarrierConnectTimeout: ParseSeconds("CARRIER_CONNECT_TIMEOUT", 10*time.Second),
		CarrierCallTimeout:    ParseSeconds("CARRIER_CALL_TIMEOUT", 600*time.Second),
		DialRatePerSecond:     ParseInt("DIAL_RATE_PER_SECOND", 10),

		LimitDefault:       ParseInt("LIMIT_DEFAULT", 3),
		PreDialBase:        ParseSeconds("PRE_DIAL_BASE", 15*time.Second),
		PreDialJitter:      ParseSeconds("PRE_DIAL_JITTER", 5*time.Second),
		PreDialMax:         ParseSeconds("PRE_DIAL_MAX", 45*time.Second),
		ActiveLeaseBase:    ParseSeconds("ACTIVE_LEASE_BASE", 180*time.Second),
		ActiveLeaseJitter:  ParseSeconds("ACTIVE_LEASE_JITTER", 60*time.Second),
		ReservationTTL:     ParseSeconds("RESERVATION_TTL", 70*time.Second),
		GateTTL:            ParseSeconds("GATE_TTL", 20*time.Second),
		ColdStartBlock:     ParseSeconds("COLDSTART_BLOCK", 90*time.Second),
		DialIdempotencyTTL: ParseSeconds("DIAL_IDEMPOTENCY_TTL", 5*time.Minute),

		FairnessHighShare: parseFairnessRatio(ParseString("FAIRNESS_RATIO", "3:1")),

		MaxBatch:           ParseInt("MAX_BATCH", 4),
		PromoterBackoffMin: ParseMillis("PROMOTER_BACKOFF_MIN_MS", 250*time.Millisecond),
		PromoterBackoffCap: ParseSeconds("PROMOTER_BACKOFF_CAP", 10*time.Second),
		RedisBackoffBase:   ParseSeconds("REDIS_BACKOFF_BASE", 2*time.Second),
		RedisBackoffCap:    ParseSeconds("REDIS_BACKOFF_CAP", 30*time.Second),
		RedisMaxFailures:   ParseInt("REDIS_MAX_FAILURES", 10),
		OwnershipTTL:       ParseSeconds("OWNERSHIP_TTL", 30*time.Second),

		BreakerThreshold: ParseInt("CB_THRESHOLD", 10),
		BreakerWindow:    ParseSeconds("CB_WINDOW", 60*time.Second),
		BreakerOpenTTL:   ParseSeconds("CB_OPEN_TTL", 30*time.Second),

		JanitorInterval:    ParseMillis("JANITOR_INTERVAL_MS", 30*time.Second),
		CompactorInterval:  ParseMillis("COMPACTOR_INTERVAL_MS", 2*time.Minute),
		ReconcilerInterval: ParseMillis("RECONCILER_INTERVAL_MS", 15*time.Minute),
		InvariantInterval:  ParseMillis("INVARIANT_INTERVAL_MS", 30*time.Second),
		OrphanAge:          ParseSeconds("RESERVATION_ORPHAN_AGE", 60*time.Second),
		GateStaleAge:       ParseSeconds("GATE_STALE_AGE", 15*time.Second),
		WaitlistCap:        ParseInt("WAITLIST_CAP", 100000),

		TracingEnabled:    ParseBool("TRACING_ENABLED", false),
		TracingExporter:   ParseString("TRACING_EXPORTER", "http"),
		TracingEndpoint:   ParseString("TRACING_ENDPOINT", "localhost:4318"),
		TracingSampleRate: ParseFloat("TRACING_SAMPLE_RATE", 1.0),
		Environment:       ParseString("ENVIRONMENT", "development"),

		OverridesFile: ParseString("CONFIG_OVERRIDES_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the relationships between TTLs that the admission
// protocol depends on.
func (c *Config) Validate() error {
	if c.LimitDefault < 1 {
		return fmt.Errorf("LIMIT_DEFAULT must be >= 1, got %d", c.LimitDefault)
	}
	if c.ReservationTTL <= c.PreDialMax {
		return fmt.Errorf("RESERVATION_TTL (%s) must exceed PRE_DIAL_MAX (%s)",
			c.ReservationTTL, c.PreDialMax)
	}
	if c.GateTTL < 2*c.PromoterBackoffCap {
		return fmt.Errorf("GATE_TTL (%s) must be >= 2x promoter backoff cap (%s)",
			c.GateTTL, c.PromoterBackoffCap)
	}
	if c.PreDialBase+c.PreDialJitter > c.PreDialMax {
		return fmt.Errorf("PRE_DIAL_BASE+PRE_DIAL_JITTER (%s) must not exceed PRE_DIAL_MAX (%s)",
			c.PreDialBase+c.PreDialJitter, c.PreDialMax)
	}
	if c.DialIdempotencyTTL > 24*time.Hour {
		return fmt.Errorf("DIAL_IDEMPOTENCY_TTL must be <= 24h, got %s", c.DialIdempotencyTTL)
	}
	if c.FairnessHighShare < 1 {
		return fmt.Errorf("FAIRNESS_RATIO high share must be >= 1")
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("MAX_BATCH must be >= 1, got %d", c.MaxBatch)
	}
	return nil
}

// parseFairnessRatio parses "H:N" ratio strings; only the high share is
// meaningful today (the normal share is fixed at 1).
func parseFairnessRatio(s string) int {
	parts := strings.SplitN(s, ":", 2)
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n < 1 {
		return 3
	}
	return n
}
