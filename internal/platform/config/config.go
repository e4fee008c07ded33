package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures everything main needs to wire the service.
type Config struct {
	Addr        string
	PostgresURL string
	Redis       RedisConfig

	CacheTTL        time.Duration
	HeartbeatPeriod time.Duration
	StreamMinDelay  time.Duration

	EventBufferSize    int
	ActivityBufferSize int

	// ActivityRetention bounds how long activity records are kept; zero or
	// negative disables the sweep entirely.
	ActivityRetention     time.Duration
	ActivitySweepInterval time.Duration

	UploadDir     string
	UploadWorkers int

	StoreTimeout time.Duration
	CacheTimeout time.Duration
	FileTimeout  time.Duration
}

// RedisConfig holds cache connection settings. An empty URL disables the
// cache entirely; the service degrades to always-miss.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Addr:        envString("PULSE_ADDR", ":8080"),
		PostgresURL: os.Getenv("PULSE_POSTGRES_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("PULSE_REDIS_URL"),
			PoolSize:     envInt("PULSE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("PULSE_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("PULSE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("PULSE_REDIS_READ_TIMEOUT", 2*time.Second),
			WriteTimeout: envDuration("PULSE_REDIS_WRITE_TIMEOUT", 2*time.Second),
		},
		CacheTTL:           envDuration("PULSE_CACHE_TTL", 30*time.Minute),
		HeartbeatPeriod:    envDuration("PULSE_HEARTBEAT_PERIOD", 30*time.Second),
		StreamMinDelay:     envDuration("PULSE_STREAM_MIN_DELAY", 50*time.Millisecond),
		EventBufferSize:       envInt("PULSE_EVENT_BUFFER", 1000),
		ActivityBufferSize:    envInt("PULSE_ACTIVITY_BUFFER", 1024),
		ActivityRetention:     envDuration("PULSE_ACTIVITY_RETENTION", 90*24*time.Hour),
		ActivitySweepInterval: envDuration("PULSE_ACTIVITY_SWEEP_INTERVAL", time.Hour),
		UploadDir:          envString("PULSE_UPLOAD_DIR", "uploads"),
		UploadWorkers:      envInt("PULSE_UPLOAD_WORKERS", 4),
		StoreTimeout:       envDuration("PULSE_STORE_TIMEOUT", 5*time.Second),
		CacheTimeout:       envDuration("PULSE_CACHE_TIMEOUT", 2*time.Second),
		FileTimeout:        envDuration("PULSE_FILE_TIMEOUT", 10*time.Second),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
