package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr            string
	UpstreamBaseURL string
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration
	DataDir         string
	CORSOrigin      string
	MeiliURL        string
	MeiliMasterKey  string
	// Redis Configuration
	RedisURL string
	// Object storage - empty endpoint disables archiving
	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveBucket    string
	ArchiveUseSSL    bool
}

func Load() Config {
	return Config{
		Addr:            getenv("API_ADDR", ":8787"),
		UpstreamBaseURL: getenv("THREADPUB_UPSTREAM_URL", "https://api.upstream.example"),
		UpstreamAPIKey:  getenv("THREADPUB_UPSTREAM_KEY", ""),
		UpstreamTimeout: time.Duration(getenvInt("THREADPUB_UPSTREAM_TIMEOUT_SECONDS", 15)) * time.Second,
		DataDir:         getenv("THREADPUB_DATA_DIR", "./data/subjects"),
		CORSOrigin:      getenv("THREADPUB_CORS_ORIGIN", "*"),
		MeiliURL:        getenv("MEILI_URL", ""),
		MeiliMasterKey:  getenv("MEILI_MASTER_KEY", ""),
		// Redis - required for the thread cache and consent records
		RedisURL: getenv("REDIS_URL", "redis://localhost:6379/0"),
		// Archive - empty by default, snapshots disabled if not configured
		ArchiveEndpoint:  getenv("THREADPUB_ARCHIVE_ENDPOINT", ""),
		ArchiveAccessKey: getenv("THREADPUB_ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getenv("THREADPUB_ARCHIVE_SECRET_KEY", ""),
		ArchiveBucket:    getenv("THREADPUB_ARCHIVE_BUCKET", "threadpub"),
		ArchiveUseSSL:    getenvInt("THREADPUB_ARCHIVE_SSL", 1) != 0,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
