package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	Env            string
	AllowedOrigins []string
	LogLevel       string

	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	SkipAuth   bool
	VerifyJWT  bool
	OIDCIssuer string

	// Store
	StoreDriver string
	DatabaseURL string
	DBMaxConns  int

	// Event sinks; an empty URL disables the sink
	RedisURL           string
	RedisChannelPrefix string
	AMQPURL            string
	AMQPExchange       string
	KafkaBrokers       []string
	KafkaTopic         string
	EventBufferSize    int

	// Routing
	Departments          []string
	DefaultAgentCapacity int
	DefaultWaitMinutes   int
	WaitWindow           time.Duration
	WaitSampleLimit      int
	SLThresholdSecs      int

	// Scheduled jobs
	MaxQueueWait           time.Duration
	AbandonAfter           time.Duration
	ReconcileSchedule      string
	QueueBroadcastInterval time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		AllowedOrigins:     splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		SkipAuth:           getEnv("SKIP_AUTH", "false") == "true",
		VerifyJWT:          getEnv("VERIFY_JWT_SIGNATURE", "false") == "true",
		OIDCIssuer:         getEnv("OIDC_ISSUER", ""),
		StoreDriver:        strings.ToLower(getEnv("STORE_DRIVER", "memory")),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "handoff:events:"),
		AMQPURL:            getEnv("AMQP_URL", ""),
		AMQPExchange:       getEnv("AMQP_EXCHANGE", "handoff.events"),
		KafkaBrokers:       splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "handoff.chat-events"),
		Departments:        splitList(getEnv("DEPARTMENTS", "general,sales,technical,billing")),
		ReconcileSchedule:  getEnv("RECONCILE_SCHEDULE", "0 */1 * * * *"),
	}

	// Production always verifies signatures
	if config.Env != "development" {
		config.VerifyJWT = true
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 4096

	ints := []struct {
		key  string
		def  string
		dest *int
	}{
		{"DB_MAX_CONNS", "10", &config.DBMaxConns},
		{"EVENT_BUFFER_SIZE", "1024", &config.EventBufferSize},
		{"DEFAULT_AGENT_CAPACITY", "3", &config.DefaultAgentCapacity},
		{"DEFAULT_WAIT_MINUTES", "15", &config.DefaultWaitMinutes},
		{"WAIT_SAMPLE_LIMIT", "50", &config.WaitSampleLimit},
		{"SL_THRESHOLD_SECONDS", "120", &config.SLThresholdSecs},
	}
	for _, v := range ints {
		n, err := strconv.Atoi(getEnv(v.key, v.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", v.key, err)
		}
		*v.dest = n
	}

	windowDays, err := strconv.Atoi(getEnv("WAIT_WINDOW_DAYS", "7"))
	if err != nil {
		return nil, fmt.Errorf("invalid WAIT_WINDOW_DAYS: %w", err)
	}
	config.WaitWindow = time.Duration(windowDays) * 24 * time.Hour

	maxQueue, err := strconv.Atoi(getEnv("MAX_QUEUE_MINUTES", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_QUEUE_MINUTES: %w", err)
	}
	config.MaxQueueWait = time.Duration(maxQueue) * time.Minute

	abandonAfter, err := strconv.Atoi(getEnv("ABANDON_AFTER_MINUTES", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid ABANDON_AFTER_MINUTES: %w", err)
	}
	config.AbandonAfter = time.Duration(abandonAfter) * time.Minute

	config.QueueBroadcastInterval, err = time.ParseDuration(getEnv("QUEUE_BROADCAST_INTERVAL", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_BROADCAST_INTERVAL: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}
	if c.DefaultAgentCapacity < 1 {
		return fmt.Errorf("invalid DEFAULT_AGENT_CAPACITY: must be at least 1")
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("invalid EVENT_BUFFER_SIZE: must be at least 1")
	}
	if c.QueueBroadcastInterval <= 0 {
		return fmt.Errorf("invalid QUEUE_BROADCAST_INTERVAL: must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList splits a comma separated value, dropping blanks
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
