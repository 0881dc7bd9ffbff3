package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config aggregates all runtime settings required by the engine.
type Config struct {
	AppName       string
	Environment   string
	InstanceID    string
	HTTP          HTTPConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	Spool         SpoolConfig
	Context       ContextConfig
	Logger        LoggerConfig
	Metrics       MetricsConfig
	Migrations    MigrationsConfig
	Attribution   AttributionConfig
	Clicks        ClicksConfig
	Claims        ClaimsConfig
	Payout        PayoutConfig
	Kafka         KafkaConfig
	PartnerConfig PartnerConfigStore

	// Programs is the validated attribution program catalog.
	Programs *Programs
}

type HTTPConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxConn      int
}

type DatabaseConfig struct {
	URL             string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	MaxConnLifetime time.Duration
	SSLMode         string
}

// DSN returns the connection string, built from parts when DATABASE_URL is unset.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(d.Password),
		d.Host,
		d.Port,
		d.Name,
		d.SSLMode,
	)
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	OpTimeout time.Duration
}

type JWTConfig struct {
	Secret string
	Issuer string
}

// SpoolConfig controls the local bbolt spool for clicks the store rejected.
type SpoolConfig struct {
	Path         string
	MaxSize      int
	SyncInterval time.Duration
	BatchSize    int
	MaxRetry     int
}

type ContextConfig struct {
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type LoggerConfig struct {
	Level    string
	Encoding string
}

// MetricsConfig selects the OpenTelemetry metric exporter: otlp, stdout or none.
type MetricsConfig struct {
	Exporter string
	Endpoint string
	Insecure bool
	Headers  map[string]string
	Interval time.Duration
}

type MigrationsConfig struct {
	Enabled bool
	// Path overrides the embedded migrations when set.
	Path string
}

// AttributionConfig holds the defaults of the built-in program and the
// optional path to a program catalog.
type AttributionConfig struct {
	ProgramsFile   string
	DefaultProgram string
	Model          string
	Window         time.Duration
	HalfLife       time.Duration
	MaxTouchpoints int
}

type ClicksConfig struct {
	// Store selects the active click store: redis or memory.
	Store string
	TTL   time.Duration
	// MatchGrace is how long past the longest program window a click must
	// stay matchable, covering delayed deliveries and reconciler retries.
	MatchGrace     time.Duration
	AuditRetention time.Duration
	EvictInterval  time.Duration
	EvictBatch     int
	BucketWidth    time.Duration
}

type ClaimsConfig struct {
	Lease             time.Duration
	ReconcileInterval time.Duration
	ReconcileBatch    int
}

type PayoutConfig struct {
	Enabled     bool
	Period      string
	Schedule    string
	LeaseTTL    time.Duration
	Concurrency int
	RunTimeout  time.Duration
}

type KafkaConfig struct {
	Brokers          []string
	PayoutTopic      string
	ConversionTopic  string
	ConsumerGroup    string
	ConsumerDisabled bool
}

type PartnerConfigStore struct {
	URL             string
	Token           string
	Timeout         time.Duration
	DefaultBaseRate decimal.Decimal
}

// Load reads configuration from environment variables (optionally .env),
// applies defaults and validates the attribution programs. An unknown
// attribution model fails the load.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	hostname, _ := os.Hostname()
	window := getDuration("ATTRIBUTION_WINDOW", 30*24*time.Hour)
	cfg := &Config{
		AppName:     getString("APP_NAME", "attribution-engine"),
		Environment: getString("APP_ENV", "development"),
		InstanceID:  getString("INSTANCE_ID", hostname),
		HTTP: HTTPConfig{
			Host:         getString("SERVER_HOST", "0.0.0.0"),
			Port:         getString("SERVER_PORT", "8080"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			MaxConn:      getInt("SERVER_MAX_CONN", 0),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			Host:            getString("DB_HOST", "localhost"),
			Port:            getString("DB_PORT", "5432"),
			Name:            getString("DB_NAME", "attribution"),
			User:            getString("DB_USER", "attribution"),
			Password:        os.Getenv("DB_PASSWORD"),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 10),
			MaxConnLifetime: getDuration("DB_CONN_LIFETIME", time.Hour),
			SSLMode:         getString("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:       getString("REDIS_URL", "redis://localhost:6379"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        getInt("REDIS_DB", 0),
			PoolSize:  getInt("REDIS_POOL_SIZE", 0),
			OpTimeout: getDuration("REDIS_OP_TIMEOUT", 500*time.Millisecond),
		},
		JWT: JWTConfig{
			Secret: os.Getenv("JWT_SECRET"),
			Issuer: getString("JWT_ISSUER", "attribution-engine"),
		},
		Spool: SpoolConfig{
			Path:         getString("SPOOL_PATH", "./data/click-spool.db"),
			MaxSize:      getInt("SPOOL_MAX_SIZE", 1_000_000),
			SyncInterval: getDuration("SPOOL_SYNC_INTERVAL", 15*time.Second),
			BatchSize:    getInt("SPOOL_BATCH_SIZE", 500),
			MaxRetry:     getInt("SPOOL_MAX_RETRY", 20),
		},
		Context: ContextConfig{
			RequestTimeout:  getDuration("REQUEST_TIMEOUT", 2*time.Second),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Logger: LoggerConfig{
			Level:    getString("LOG_LEVEL", "info"),
			Encoding: getString("LOG_ENCODING", "json"),
		},
		Metrics: MetricsConfig{
			Exporter: strings.ToLower(getString("METRICS_EXPORTER", "otlp")),
			Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			Headers:  getPairs("OTEL_EXPORTER_OTLP_HEADERS"),
			Interval: getDuration("METRICS_EXPORT_INTERVAL", time.Minute),
		},
		Migrations: MigrationsConfig{
			Enabled: getBool("RUN_MIGRATIONS", true),
			Path:    os.Getenv("MIGRATIONS_PATH"),
		},
		Attribution: AttributionConfig{
			ProgramsFile:   os.Getenv("PROGRAMS_FILE"),
			DefaultProgram: getString("DEFAULT_PROGRAM", "default"),
			Model:          getString("ATTRIBUTION_MODEL", "last_click"),
			Window:         window,
			HalfLife:       getDuration("TIME_DECAY_HALF_LIFE", 7*24*time.Hour),
			MaxTouchpoints: getInt("MAX_TOUCHPOINTS", 20),
		},
		Clicks: ClicksConfig{
			Store:          strings.ToLower(getString("CLICK_STORE", "redis")),
			TTL:            getDuration("CLICK_TTL", window+24*time.Hour),
			MatchGrace:     getDuration("CLICK_MATCH_GRACE", time.Hour),
			AuditRetention: getDuration("CLICK_AUDIT_RETENTION", 90*24*time.Hour),
			EvictInterval:  getDuration("CLICK_EVICT_INTERVAL", time.Minute),
			EvictBatch:     getInt("CLICK_EVICT_BATCH", 1000),
			BucketWidth:    getDuration("CLICK_BUCKET_WIDTH", time.Hour),
		},
		Claims: ClaimsConfig{
			Lease:             getDuration("CLAIM_LEASE", 30*time.Second),
			ReconcileInterval: getDuration("RECONCILE_INTERVAL", time.Minute),
			ReconcileBatch:    getInt("RECONCILE_BATCH", 100),
		},
		Payout: PayoutConfig{
			Enabled:     getBool("PAYOUT_ENABLED", true),
			Period:      getString("PAYOUT_PERIOD", "weekly"),
			Schedule:    getString("PAYOUT_SCHEDULE", "@every 1h"),
			LeaseTTL:    getDuration("PAYOUT_LEASE_TTL", 5*time.Minute),
			Concurrency: getInt("PAYOUT_CONCURRENCY", 4),
			RunTimeout:  getDuration("PAYOUT_RUN_TIMEOUT", 10*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:          getList("KAFKA_BROKERS"),
			PayoutTopic:      getString("KAFKA_PAYOUT_TOPIC", "partner.payout.batches"),
			ConversionTopic:  getString("KAFKA_CONVERSION_TOPIC", "booking.conversions"),
			ConsumerGroup:    getString("KAFKA_CONSUMER_GROUP", "attribution-engine"),
			ConsumerDisabled: getBool("KAFKA_CONSUMER_DISABLED", false),
		},
		PartnerConfig: PartnerConfigStore{
			URL:             os.Getenv("PARTNER_CONFIG_URL"),
			Token:           os.Getenv("PARTNER_CONFIG_TOKEN"),
			Timeout:         getDuration("PARTNER_CONFIG_TIMEOUT", 500*time.Millisecond),
			DefaultBaseRate: getDecimal("DEFAULT_BASE_RATE", decimal.New(10, -2)),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	programs, err := cfg.loadPrograms()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateRetention(programs); err != nil {
		return nil, err
	}
	cfg.Programs = programs
	return cfg, nil
}

// MustLoad panics if configuration cannot be loaded.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) validate() error {
	switch c.Clicks.Store {
	case "redis", "memory":
	default:
		return fmt.Errorf("CLICK_STORE must be redis or memory, got %q", c.Clicks.Store)
	}
	if c.Clicks.TTL <= 0 {
		return fmt.Errorf("CLICK_TTL must be positive")
	}
	if c.Context.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.Claims.Lease <= c.Context.RequestTimeout {
		return fmt.Errorf("CLAIM_LEASE (%s) must exceed REQUEST_TIMEOUT (%s)", c.Claims.Lease, c.Context.RequestTimeout)
	}
	switch c.Metrics.Exporter {
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("METRICS_EXPORTER must be otlp, stdout or none, got %q", c.Metrics.Exporter)
	}
	return nil
}

// validateRetention requires clicks to outlive every program's lookback by
// the match grace, so no touchpoint expires while it can still be credited.
func (c *Config) validateRetention(programs *Programs) error {
	if c.Clicks.MatchGrace < 0 {
		return fmt.Errorf("CLICK_MATCH_GRACE must not be negative")
	}
	need := programs.MaxWindow() + c.Clicks.MatchGrace
	if c.Clicks.TTL < need {
		return fmt.Errorf("CLICK_TTL (%s) must be at least the longest program window plus CLICK_MATCH_GRACE (%s)", c.Clicks.TTL, need)
	}
	return nil
}

func (c *Config) loadPrograms() (*Programs, error) {
	if c.Attribution.ProgramsFile != "" {
		return LoadProgramsFile(c.Attribution.ProgramsFile)
	}
	return DefaultPrograms(c.Attribution)
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if parsed, err := decimal.NewFromString(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getPairs parses "k1=v1,k2=v2" lists such as OTLP headers.
func getPairs(key string) map[string]string {
	out := make(map[string]string)
	for _, part := range getList(key) {
		k, v, ok := strings.Cut(part, "=")
		if k, v = strings.TrimSpace(k), strings.TrimSpace(v); ok && k != "" && v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Address returns the HTTP listen address for the fasthttp server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.HTTP.Host, c.HTTP.Port)
}
