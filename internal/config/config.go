// Package config loads process configuration from environment variables, following the
// same accumulate-all-errors-then-validate shape uncord's config package uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration shared by the AS and DS binaries. Client binaries load a
// narrower subset (ServerURL, TicketSecret is never known to clients) directly from
// their own environment variables rather than this struct.
type Config struct {
	// Core
	ServerEnv  string // "development" or "production"
	ServerPort int
	ServerURL  string

	// Connection tickets (AS issues, DS validates)
	TicketSecret string
	TicketTTL    time.Duration
	JWTIssuer    string

	// Valkey (DS fan-out pub/sub + session replay buffer)
	ValkeyURL         string
	ValkeyDialTimeout time.Duration

	// Gateway / client session tuning
	GatewayHeartbeatIntervalMS int
	GatewayIdentifyTimeout     time.Duration
	GatewaySendTimeout         time.Duration
	GatewayMaxConnections      int
	GatewaySessionTTL          time.Duration
	GatewayReplayBufferSize    int

	// DS back-pressure
	MaxUnorderedQueueDepth int
	MaxInviteQueueDepth    int

	// Policy engine
	PolicyReEvaluationTick time.Duration
	ProposedActionTTL      time.Duration

	// Rate limiting (per connection)
	RateLimitWSCount         int
	RateLimitWSWindowSeconds int

	// Entity limits
	MaxKeyPackagesPerUpload int
	MaxGroupMembers         int
	MaxRoles                int

	// Snapshot persistence
	SnapshotPath     string
	SnapshotInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults and collecting
// all parse/validation errors before returning.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerEnv:  envStr("SERVER_ENV", "production"),
		ServerPort: p.int("SERVER_PORT", 8443),
		ServerURL:  envStr("SERVER_URL", "https://mlsgov.example.com"),

		TicketSecret: envStr("TICKET_SECRET", ""),
		TicketTTL:    p.duration("TICKET_TTL", 15*time.Minute),
		JWTIssuer:    envStr("JWT_ISSUER", "mlsgov-as"),

		ValkeyURL:         envStr("VALKEY_URL", "valkey://valkey:6379/0"),
		ValkeyDialTimeout: p.duration("VALKEY_DIAL_TIMEOUT", 5*time.Second),

		GatewayHeartbeatIntervalMS: p.int("GATEWAY_HEARTBEAT_INTERVAL_MS", 30000),
		GatewayIdentifyTimeout:     p.duration("GATEWAY_IDENTIFY_TIMEOUT", 30*time.Second),
		GatewaySendTimeout:         p.duration("GATEWAY_SEND_TIMEOUT", 30*time.Second),
		GatewayMaxConnections:      p.int("GATEWAY_MAX_CONNECTIONS", 10000),
		GatewaySessionTTL:          p.duration("GATEWAY_SESSION_TTL", 5*time.Minute),
		GatewayReplayBufferSize:    p.int("GATEWAY_REPLAY_BUFFER_SIZE", 100),

		MaxUnorderedQueueDepth: p.int("MAX_UNORDERED_QUEUE_DEPTH", 1000),
		MaxInviteQueueDepth:    p.int("MAX_INVITE_QUEUE_DEPTH", 200),

		PolicyReEvaluationTick: p.duration("POLICY_REEVALUATION_TICK", 1*time.Second),
		ProposedActionTTL:      p.duration("PROPOSED_ACTION_TTL", 10*time.Minute),

		RateLimitWSCount:         p.int("RATE_LIMIT_WS_COUNT", 20),
		RateLimitWSWindowSeconds: p.int("RATE_LIMIT_WS_WINDOW_SECONDS", 10),

		MaxKeyPackagesPerUpload: p.int("MAX_KEY_PACKAGES_PER_UPLOAD", 50),
		MaxGroupMembers:         p.int("MAX_GROUP_MEMBERS", 500),
		MaxRoles:                p.int("MAX_ROLES", 50),

		SnapshotPath:     envStr("SNAPSHOT_PATH", "./data/snapshot.gob"),
		SnapshotInterval: p.duration("SNAPSHOT_INTERVAL", 5*time.Minute),
	}

	parseErr := errors.Join(p.errs...)

	// In development mode, point ServerURL at localhost so client defaults work
	// out of the box without a reverse proxy in front.
	if cfg.IsDevelopment() {
		cfg.ServerURL = fmt.Sprintf("http://localhost:%d", cfg.ServerPort)
	}

	if err := errors.Join(parseErr, cfg.validate()); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

func (c *Config) validate() error {
	var errs []error

	if c.TicketSecret == "" {
		errs = append(errs, fmt.Errorf("TICKET_SECRET is required"))
	} else if len(c.TicketSecret) < 32 {
		errs = append(errs, fmt.Errorf("TICKET_SECRET must be at least 32 characters"))
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be between 1 and 65535"))
	}

	if c.TicketTTL < time.Second {
		errs = append(errs, fmt.Errorf("TICKET_TTL must be at least 1s"))
	}

	if c.GatewayHeartbeatIntervalMS < 1000 {
		errs = append(errs, fmt.Errorf("GATEWAY_HEARTBEAT_INTERVAL_MS must be at least 1000"))
	}

	if c.MaxUnorderedQueueDepth < 1 {
		errs = append(errs, fmt.Errorf("MAX_UNORDERED_QUEUE_DEPTH must be at least 1"))
	}
	if c.MaxInviteQueueDepth < 1 {
		errs = append(errs, fmt.Errorf("MAX_INVITE_QUEUE_DEPTH must be at least 1"))
	}

	if c.PolicyReEvaluationTick < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("POLICY_REEVALUATION_TICK must be at least 10ms"))
	}

	if c.RateLimitWSCount < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_COUNT must be at least 1"))
	}
	if c.RateLimitWSWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_WINDOW_SECONDS must be at least 1"))
	}

	if c.MaxKeyPackagesPerUpload < 1 {
		errs = append(errs, fmt.Errorf("MAX_KEY_PACKAGES_PER_UPLOAD must be at least 1"))
	}
	if c.MaxGroupMembers < 2 {
		errs = append(errs, fmt.Errorf("MAX_GROUP_MEMBERS must be at least 2"))
	}
	if c.MaxRoles < 1 {
		errs = append(errs, fmt.Errorf("MAX_ROLES must be at least 1"))
	}

	if c.SnapshotPath == "" {
		errs = append(errs, fmt.Errorf("SNAPSHOT_PATH must not be empty"))
	}
	if c.SnapshotInterval < time.Second {
		errs = append(errs, fmt.Errorf("SNAPSHOT_INTERVAL must be at least 1s"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"24h\" or \"30s\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
