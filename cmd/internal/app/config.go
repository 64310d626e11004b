package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | console

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Ledger selection: Postgres when DatabaseURL is set, else SQLite when
	// SQLitePath is set, else an in-memory ledger.
	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool
	SQLitePath    string

	// If true, /readyz returns 503 unless a durable ledger is configured and reachable.
	ReadinessRequireDB bool

	QRTokenFormat   string
	QRSweepInterval time.Duration // 0 disables the expiry sweeper
	QRSweepBatch    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("KARMA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("KARMA_LOG_LEVEL", "info"),
		LogFormat: EnvString("KARMA_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("KARMA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("KARMA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("KARMA_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("KARMA_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("KARMA_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("KARMA_DATABASE_URL", ""),
		DBSchema:      EnvString("KARMA_DB_SCHEMA", "karma"),
		DBMaxConns:    EnvInt32("KARMA_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("KARMA_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("KARMA_DB_AUTO_MIGRATE", false),
		SQLitePath:    EnvString("KARMA_SQLITE_PATH", ""),

		ReadinessRequireDB: EnvBool("KARMA_READINESS_REQUIRE_DB", false),

		QRTokenFormat:   EnvString("KARMA_QR_TOKEN_FORMAT", "paseto"),
		QRSweepInterval: EnvDuration("KARMA_QR_SWEEP_INTERVAL", 0),
		QRSweepBatch:    EnvInt("KARMA_QR_SWEEP_BATCH", 500),

		MetricsEnabled: EnvBool("KARMA_METRICS_ENABLED", true),
	}
}
