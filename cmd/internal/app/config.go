package app

import (
	"fmt"
	"strings"
	"time"
)

// Storage backends selectable through HIREWIRE_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// Per-IP limit on handshakes and read API calls; 0 disables.
	HTTPRatePerMinute int
	HTTPRateBurst     int

	// Store selects message, call and notification persistence. Empty means: postgres when
	// DatabaseURL is set, otherwise memory.
	Store        string
	StoreTimeout time.Duration

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	MongoURI string
	MongoDB  string

	// Redis presence mirror; disabled when RedisAddr is empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	PresenceTTL   time.Duration

	// Kafka push dispatcher; disabled when KafkaBrokers is empty.
	KafkaBrokers     []string
	KafkaNotifyTopic string

	JWTSecret string
	JWTIssuer string
	JWTLeeway time.Duration

	CallPolicy           string
	RequireReadOwnership bool

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("HIREWIRE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("HIREWIRE_LOG_LEVEL", "info"),
		LogFormat: EnvString("HIREWIRE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("HIREWIRE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HIREWIRE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HIREWIRE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HIREWIRE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("HIREWIRE_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("HIREWIRE_SHUTDOWN_TIMEOUT", 10*time.Second),

		HTTPRatePerMinute: httpRate(),
		HTTPRateBurst:     EnvInt("HIREWIRE_HTTP_RATE_BURST", defaultBurst),

		Store:        strings.ToLower(EnvString("HIREWIRE_STORE", "")),
		StoreTimeout: EnvDuration("HIREWIRE_STORE_TIMEOUT", 5*time.Second),

		DatabaseURL: EnvString("HIREWIRE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("HIREWIRE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("HIREWIRE_DB_MIN_CONNS", 0),

		MongoURI: EnvString("HIREWIRE_MONGO_URI", ""),
		MongoDB:  EnvString("HIREWIRE_MONGO_DB", "hirewire"),

		RedisAddr:     EnvString("HIREWIRE_REDIS_ADDR", ""),
		RedisPassword: EnvString("HIREWIRE_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("HIREWIRE_REDIS_DB", 0),
		RedisPrefix:   EnvString("HIREWIRE_REDIS_PREFIX", "hirewire"),
		PresenceTTL:   EnvDuration("HIREWIRE_PRESENCE_TTL", 2*time.Minute),

		KafkaBrokers:     EnvCSV("HIREWIRE_KAFKA_BROKERS", nil),
		KafkaNotifyTopic: EnvString("HIREWIRE_KAFKA_NOTIFY_TOPIC", "hirewire.notifications"),

		JWTSecret: EnvString("HIREWIRE_JWT_SECRET", ""),
		JWTIssuer: EnvString("HIREWIRE_JWT_ISSUER", ""),
		JWTLeeway: EnvDuration("HIREWIRE_JWT_LEEWAY", 30*time.Second),

		CallPolicy:           strings.ToLower(EnvString("HIREWIRE_CALL_POLICY", "last-call-wins")),
		RequireReadOwnership: EnvBool("HIREWIRE_REQUIRE_READ_OWNERSHIP", false),

		ReadinessRequireDB: EnvBool("HIREWIRE_READINESS_REQUIRE_DB", false),
	}
}

// storeBackend resolves the effective backend name.
func (c Config) storeBackend() (string, error) {
	switch c.Store {
	case "":
		if c.DatabaseURL != "" {
			return StorePostgres, nil
		}
		return StoreMemory, nil
	case StoreMemory:
		return StoreMemory, nil
	case StorePostgres:
		if c.DatabaseURL == "" {
			return "", fmt.Errorf("config: HIREWIRE_STORE=postgres requires HIREWIRE_DATABASE_URL")
		}
		return StorePostgres, nil
	case StoreMongo:
		if c.MongoURI == "" {
			return "", fmt.Errorf("config: HIREWIRE_STORE=mongo requires HIREWIRE_MONGO_URI")
		}
		return StoreMongo, nil
	default:
		return "", fmt.Errorf("config: unknown HIREWIRE_STORE %q", c.Store)
	}
}

func httpRate() int {
	if !EnvBool("HIREWIRE_HTTP_RATE_LIMIT", true) {
		return 0
	}
	return EnvInt("HIREWIRE_HTTP_RATE_PER_MIN", 600)
}
