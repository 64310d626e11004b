package qrapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the QR HTTP surface.
type Config struct {
	MaxBodyBytes int64
	DefaultTTL   time.Duration
	MaxTTL       time.Duration
	TrustProxy   bool
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxBodyBytes: envInt64("KARMA_API_MAX_BODY_BYTES", 64<<10),
		DefaultTTL:   envDuration("KARMA_QR_DEFAULT_TTL", 24*time.Hour),
		MaxTTL:       envDuration("KARMA_QR_MAX_TTL", 30*24*time.Hour),
		TrustProxy:   envBool("KARMA_API_TRUST_PROXY", false),
	}
	return cfg.normalize()
}

func (c Config) normalize() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 30 * 24 * time.Hour
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.DefaultTTL > c.MaxTTL {
		c.DefaultTTL = c.MaxTTL
	}
	return c
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
