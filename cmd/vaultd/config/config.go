package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                 string
	CacheDir             string
	DataDir              string
	Driver               string
	DaysToExpire         int
	LXDSocket            string
	ReleaseStreamURL     string
	DailyStreamURL       string
	MaxConcurrentFetches int
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		CacheDir:             getEnv("CACHE_DIR", "/var/cache/multipassd"),
		DataDir:              getEnv("DATA_DIR", "/var/lib/multipassd"),
		Driver:               getEnv("DRIVER", "qemu"),
		DaysToExpire:         getEnvInt("DAYS_TO_EXPIRE", 14),
		LXDSocket:            getEnv("LXD_SOCKET", "/var/snap/lxd/common/lxd/unix.socket"),
		ReleaseStreamURL:     getEnv("RELEASE_STREAM_URL", "https://cloud-images.ubuntu.com/releases"),
		DailyStreamURL:       getEnv("DAILY_STREAM_URL", "https://cloud-images.ubuntu.com/daily"),
		MaxConcurrentFetches: getEnvInt("MAX_CONCURRENT_FETCHES", 2),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
