package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PublicURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresSSLMode  string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiTimeout time.Duration

	TokenSecret string

	AnonSessionDuration time.Duration
	AnonMaxUses         int

	CacheMaxAge     time.Duration
	PurgeInterval   time.Duration
	SessionCacheTTL time.Duration

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	JobMaxAttempts     int
	JobRetryBase       time.Duration
	JobReclaimAfter    time.Duration
	ProviderRate       int
	ProviderRateWindow time.Duration

	RateLimit       int
	RateLimitWindow time.Duration
}

func Load() *Config {
	// Missing .env is fine; deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		S3Bucket:    getEnv("S3_BUCKET", "tryon-results"),
		S3Region:    getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: mustGetEnv("AWS_ACCESS_KEY_ID"),
		S3SecretKey: mustGetEnv("AWS_SECRET_ACCESS_KEY"),
		S3PublicURL: getEnv("S3_PUBLIC_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PostgresUser:     getEnv("POSTGRES_USER", "tryon"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "tryon_core"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		GeminiAPIKey:  mustGetEnv("GEMINI_API_KEY"),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.0-flash-exp"),
		GeminiTimeout: getEnvDuration("GEMINI_TIMEOUT", 60*time.Second),

		TokenSecret: mustGetEnv("SESSION_TOKEN_SECRET"),

		AnonSessionDuration: getEnvDuration("ANON_SESSION_DURATION", 30*time.Minute),
		AnonMaxUses:         getEnvInt("ANON_MAX_USES", 3),

		CacheMaxAge:     getEnvDuration("CACHE_MAX_AGE", 7*24*time.Hour),
		PurgeInterval:   getEnvDuration("PURGE_INTERVAL", 30*time.Minute),
		SessionCacheTTL: getEnvDuration("SESSION_CACHE_TTL", time.Hour),

		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 5),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		JobMaxAttempts:     getEnvInt("JOB_MAX_ATTEMPTS", 3),
		JobRetryBase:       getEnvDuration("JOB_RETRY_BASE", 2*time.Second),
		JobReclaimAfter:    getEnvDuration("JOB_RECLAIM_AFTER", 5*time.Minute),
		ProviderRate:       getEnvInt("PROVIDER_RATE", 10),
		ProviderRateWindow: getEnvDuration("PROVIDER_RATE_WINDOW", time.Minute),

		RateLimit:       getEnvInt("RATE_LIMIT", 100),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	return cfg
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic("Missing required environment variable: " + key)
	}
	return value
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
