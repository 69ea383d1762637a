package config

import (
	"encoding/base64"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"tunesync/internal/security"
)

type Config struct {
	DBDSN    string
	RedisDSN string
	HTTPAddr string
	LogLevel string

	// raw secrets kept in-memory only; never log these
	EncryptionKeyRaw    string
	EncryptionKey       []byte // decoded from EncryptionKeyRaw
	SpotifyClientID     string
	SpotifyClientSecret string
	AdminSecretKey      string
	CORSOrigins         []string

	// sync engine knobs
	PollInterval       time.Duration
	ExpirationOverhead time.Duration
	RetryMaxAttempts   int
	RetryBackoff       time.Duration
	SyncWorkerCount    int
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:               os.Getenv("DB_DSN"),
		RedisDSN:            getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		HTTPAddr:            getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:            getenvDefault("LOG_LEVEL", "info"),
		SpotifyClientID:     os.Getenv("SPOTIFY_CLIENT_ID"),
		SpotifyClientSecret: os.Getenv("SPOTIFY_CLIENT_SECRET"),
		AdminSecretKey:      getenvDefault("ADMIN_SECRET_KEY", ""),
	}

	cfg.EncryptionKeyRaw = os.Getenv("ENCRYPTION_KEY")

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}

	// decode encryption key (base64, must be 32 bytes)
	if cfg.EncryptionKeyRaw != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKeyRaw)
		if err != nil {
			return Config{}, errors.New("ENCRYPTION_KEY must be valid base64")
		}
		if len(key) != security.KeySize {
			return Config{}, errors.New("ENCRYPTION_KEY must be 32 bytes (256 bits)")
		}
		cfg.EncryptionKey = key
	}

	cfg.PollInterval = time.Duration(getenvInt("POLL_INTERVAL_MS", 10000)) * time.Millisecond
	cfg.ExpirationOverhead = time.Duration(getenvInt("EXPIRATION_OVERHEAD_MS", 120000)) * time.Millisecond
	cfg.RetryMaxAttempts = getenvInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.RetryBackoff = time.Duration(getenvInt("RETRY_BACKOFF_MS", 1000)) * time.Millisecond
	cfg.SyncWorkerCount = getenvInt("SYNC_WORKER_COUNT", 4)

	if cfg.PollInterval < time.Second {
		return Config{}, errors.New("POLL_INTERVAL_MS must be at least 1000")
	}
	if cfg.RetryMaxAttempts < 1 {
		return Config{}, errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.SyncWorkerCount < 1 {
		return Config{}, errors.New("SYNC_WORKER_COUNT must be at least 1")
	}

	// parse CORS origins
	corsOrigins := getenvDefault("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000"} // default
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
