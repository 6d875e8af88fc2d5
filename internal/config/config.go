package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	AppEnv                string
	LogLevel              string
	LogFormat             string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DataDir               string
	AuthSecret            string
	AccessTokenTTLMinutes int
	OwnerID               string
	RemoteTimeout         time.Duration
	SyncInterval          time.Duration
	ConnectivityInterval  time.Duration
	QueueMaxAttempts      int
	CacheTTL              time.Duration
	PartnerCacheTTL       time.Duration
	DebtDueDays           int
}

func Load() Config {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		AppEnv:                getEnv("APP_ENV", "development"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvInt("REDIS_DB", 0, 0),
		DataDir:               getEnv("DATA_DIR", "./data"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		OwnerID:               getEnv("OWNER_ID", "owner-1"),
		RemoteTimeout:         time.Duration(getEnvInt("REMOTE_TIMEOUT_MS", 5000, 100)) * time.Millisecond,
		SyncInterval:          time.Duration(getEnvInt("SYNC_INTERVAL_SECONDS", 60, 5)) * time.Second,
		ConnectivityInterval:  time.Duration(getEnvInt("CONNECTIVITY_INTERVAL_SECONDS", 10, 1)) * time.Second,
		QueueMaxAttempts:      getEnvInt("QUEUE_MAX_ATTEMPTS", 5, 0),
		CacheTTL:              time.Duration(getEnvInt("CACHE_TTL_SECONDS", 60, 1)) * time.Second,
		PartnerCacheTTL:       time.Duration(getEnvInt("PARTNER_CACHE_TTL_SECONDS", 30, 1)) * time.Second,
		DebtDueDays:           getEnvInt("DEBT_DUE_DAYS", 30, 1),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the value is unset, malformed or below min.
func getEnvInt(key string, fallback int, min int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < min {
		return fallback
	}
	return parsed
}
