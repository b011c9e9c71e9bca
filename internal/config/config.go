// Package config loads engine configuration from environment variables.
// cmd/server loads a .env file first (godotenv), so every knob works both
// from the shell and from a checked-in development env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all engine configuration.
type Config struct {
	// Application
	Port        string
	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache layer
	CacheTTL    time.Duration

	// Economics
	StartingGrant  decimal.Decimal // CC granted on first registration
	MinMarketStake decimal.Decimal // minimum creation stake
	MinOracleStake decimal.Decimal // minimum stake per oracle report
	MaxOracleStake decimal.Decimal // maximum stake per oracle report
	MaxPerMarket   decimal.Decimal // per-user exposure cap in one market
	MaxPerCategory decimal.Decimal // per-user exposure cap across a category

	// Consensus
	QuorumMinOracles int
	QuorumThreshold  decimal.Decimal
	RewardMin        decimal.Decimal
	RewardMax        decimal.Decimal

	// Concurrency
	LockWait            time.Duration // bounded lock acquisition before Busy
	ExpirySweepInterval time.Duration
}

// LoadFromEnv loads configuration from environment variables with defaults
// matching the observed product parameters (100 CC grant, 50 CC market
// stake, 5–50 CC oracle stakes, 3-oracle 75% quorum, 1.5×–3× rewards).
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CacheTTL:    getDurationOrDefault("CACHE_TTL", 30*time.Second),

		QuorumMinOracles: getIntOrDefault("QUORUM_MIN_ORACLES", 3),

		LockWait:            getDurationOrDefault("LOCK_WAIT", 2*time.Second),
		ExpirySweepInterval: getDurationOrDefault("EXPIRY_SWEEP_INTERVAL", 30*time.Second),
	}

	var err error
	load := func(dst *decimal.Decimal, key, def string) {
		if err != nil {
			return
		}
		*dst, err = getDecimalOrDefault(key, def)
	}
	load(&cfg.StartingGrant, "STARTING_GRANT", "100")
	load(&cfg.MinMarketStake, "MIN_MARKET_STAKE", "50")
	load(&cfg.MinOracleStake, "MIN_ORACLE_STAKE", "5")
	load(&cfg.MaxOracleStake, "MAX_ORACLE_STAKE", "50")
	load(&cfg.MaxPerMarket, "MAX_PER_MARKET", "500")
	load(&cfg.MaxPerCategory, "MAX_PER_CATEGORY", "2000")
	load(&cfg.QuorumThreshold, "QUORUM_THRESHOLD", "0.75")
	load(&cfg.RewardMin, "REWARD_MIN", "1.5")
	load(&cfg.RewardMax, "REWARD_MAX", "3")
	if err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.QuorumMinOracles < 1 {
		return fmt.Errorf("config: QUORUM_MIN_ORACLES must be >= 1, got %d", c.QuorumMinOracles)
	}
	half := decimal.NewFromFloat(0.5)
	one := decimal.NewFromInt(1)
	if c.QuorumThreshold.LessThanOrEqual(half) || c.QuorumThreshold.GreaterThan(one) {
		return fmt.Errorf("config: QUORUM_THRESHOLD must be in (0.5, 1], got %s", c.QuorumThreshold)
	}
	if c.RewardMin.GreaterThan(c.RewardMax) {
		return fmt.Errorf("config: REWARD_MIN %s exceeds REWARD_MAX %s", c.RewardMin, c.RewardMax)
	}
	if c.MinOracleStake.GreaterThan(c.MaxOracleStake) {
		return fmt.Errorf("config: MIN_ORACLE_STAKE %s exceeds MAX_ORACLE_STAKE %s", c.MinOracleStake, c.MaxOracleStake)
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getDecimalOrDefault(key, def string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("config: %s=%q is not a decimal: %w", key, v, err)
	}
	return d, nil
}
