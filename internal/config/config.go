// Package config loads runtime configuration from the environment,
// following the teacher's pattern: a typed Config tree, a .env file
// loaded via godotenv for development, and getEnv helpers with defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the Live Components runtime.
type Config struct {
	Server     ServerConfig
	Security   SecurityConfig
	Connection ConnectionConfig
	Cleanup    CleanupConfig
	Sync       SyncConfig
	Events     EventsConfig
	Redis      RedisConfig
	Services   map[string]ServiceConfig
}

// ServerConfig holds the optional debug/metrics HTTP listener and the
// websocket upgrade endpoint configuration.
type ServerConfig struct {
	Port           string
	Host           string
	Mode           string // "development", "production"
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TransportKind  string // "gorilla" or "fasthttp"
	TLSEnabled     bool
	CertFile       string
	KeyFile        string
	MaxRequestBody int64

	// HTTP/2 tuning for the debug/metrics listener when TLSEnabled.
	MaxConcurrentStreams uint32
	MaxFrameSize         uint32
	HTTP2IdleTimeout     time.Duration
}

// SecurityConfig governs the pluggable pre-upgrade Authenticator.
type SecurityConfig struct {
	AuthEnabled bool
	JWTSecret   string
	JWTIssuer   string
}

// ConnectionConfig maps to spec.md §6 `connection: {...}`.
type ConnectionConfig struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	GracePeriod       time.Duration
	SendQueueSize     int
	MaxConnections    int
}

// CleanupConfig maps to spec.md §6 `cleanup: {...}`.
type CleanupConfig struct {
	GCInterval      time.Duration
	StaleThreshold  time.Duration
	MaxBatch        int
	EnableWeakRef   bool
	EmergencyBudget time.Duration
}

// SyncConfig maps to spec.md §6 `sync: {...}`.
type SyncConfig struct {
	EnableOptimistic        bool
	ConflictStrategy        string
	DebounceMs              time.Duration
	MaxHistory              int
	ConflictToleranceWindow time.Duration
	ConflictAutoResolveDelay time.Duration
	MaxConflictHistory      int
}

// EventsConfig maps to spec.md §6 `events: {...}`.
type EventsConfig struct {
	MaxQueue          int
	ProcessingTimeout time.Duration
	BatchSize         int
	BatchTimeout      time.Duration
	MaxHistory        int
	DeadLetter        int
}

// RedisConfig configures the optional durable/broadcast sink.
type RedisConfig struct {
	Enabled     bool
	Address     string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	DialTimeout time.Duration
}

// ServiceConfig describes one external `service`-kind dependency target
// resolved through the gRPC ServicePool.
type ServiceConfig struct {
	GRPCAddress       string
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
	MaxConnections    int
	KeepAlive         bool
}

// Load loads configuration from environment variables, optionally
// seeded by a .env file (development convenience only).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8000"),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Mode:           getEnv("SERVER_MODE", "development"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:    getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TransportKind:  getEnv("TRANSPORT_KIND", "gorilla"),
			TLSEnabled:     getBoolEnv("TLS_ENABLED", false),
			CertFile:       getEnv("TLS_CERT_FILE", "certs/server.crt"),
			KeyFile:        getEnv("TLS_KEY_FILE", "certs/server.key"),
			MaxRequestBody:       int64(getIntEnv("MAX_REQUEST_BODY_SIZE", 10*1024*1024)),
			MaxConcurrentStreams: uint32(getIntEnv("HTTP2_MAX_CONCURRENT_STREAMS", 250)),
			MaxFrameSize:         uint32(getIntEnv("HTTP2_MAX_FRAME_SIZE", 16384)),
			HTTP2IdleTimeout:     getDurationEnv("HTTP2_IDLE_TIMEOUT_DUR", 60*time.Second),
		},
		Security: SecurityConfig{
			AuthEnabled: getBoolEnv("AUTH_ENABLED", false),
			JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
			JWTIssuer:   getEnv("JWT_ISSUER", "live-components"),
		},
		Connection: ConnectionConfig{
			HeartbeatInterval: getDurationEnv("CONNECTION_HEARTBEAT_INTERVAL_MS_DUR", 30*time.Second),
			IdleTimeout:       getDurationEnv("CONNECTION_IDLE_TIMEOUT_MS_DUR", 90*time.Second),
			GracePeriod:       getDurationEnv("CONNECTION_GRACE_PERIOD_MS_DUR", 30*time.Second),
			SendQueueSize:     getIntEnv("CONNECTION_SEND_QUEUE_SIZE", 256),
			MaxConnections:    getIntEnv("CONNECTION_MAX_CONNECTIONS", 1000),
		},
		Cleanup: CleanupConfig{
			GCInterval:      getDurationEnv("CLEANUP_GC_INTERVAL_MS_DUR", 5*time.Minute),
			StaleThreshold:  getDurationEnv("CLEANUP_STALE_THRESHOLD_MS_DUR", 30*time.Minute),
			MaxBatch:        getIntEnv("CLEANUP_MAX_BATCH", 50),
			EnableWeakRef:   getBoolEnv("CLEANUP_ENABLE_WEAKREF", true),
			EmergencyBudget: getDurationEnv("CLEANUP_EMERGENCY_BUDGET_MS_DUR", 2*time.Second),
		},
		Sync: SyncConfig{
			EnableOptimistic:         getBoolEnv("SYNC_ENABLE_OPTIMISTIC", true),
			ConflictStrategy:         getEnv("SYNC_CONFLICT_STRATEGY", "last_write_wins"),
			DebounceMs:               getDurationEnv("SYNC_DEBOUNCE_MS_DUR", 100*time.Millisecond),
			MaxHistory:               getIntEnv("SYNC_MAX_HISTORY", 50),
			ConflictToleranceWindow:  getDurationEnv("SYNC_CONFLICT_TOLERANCE_MS_DUR", 1000*time.Millisecond),
			ConflictAutoResolveDelay: getDurationEnv("SYNC_CONFLICT_AUTORESOLVE_DELAY_MS_DUR", 5*time.Second),
			MaxConflictHistory:       getIntEnv("SYNC_MAX_CONFLICT_HISTORY", 1000),
		},
		Events: EventsConfig{
			MaxQueue:          getIntEnv("EVENTS_MAX_QUEUE", 1000),
			ProcessingTimeout: getDurationEnv("EVENTS_PROCESSING_TIMEOUT_MS_DUR", 5*time.Second),
			BatchSize:         getIntEnv("EVENTS_BATCH_SIZE", 10),
			BatchTimeout:      getDurationEnv("EVENTS_BATCH_TIMEOUT_MS_DUR", 50*time.Millisecond),
			MaxHistory:        getIntEnv("EVENTS_MAX_HISTORY", 100),
			DeadLetter:        getIntEnv("EVENTS_DEAD_LETTER", 50),
		},
		Redis: RedisConfig{
			Enabled:     getBoolEnv("REDIS_ENABLED", false),
			Address:     getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getIntEnv("REDIS_DB", 0),
			PoolSize:    getIntEnv("REDIS_POOL_SIZE", 20),
			MaxRetries:  getIntEnv("REDIS_MAX_RETRIES", 3),
			DialTimeout: getDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
		},
		Services: map[string]ServiceConfig{},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
