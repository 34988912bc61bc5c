package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Imaging formats accepted by default. Everything else is rejected at intake.
var defaultMIMEAllowList = []string{
	"image/jpeg",
	"image/png",
	"image/tiff",
	"application/dicom",
}

// Config is the runtime configuration surface. Everything is read from the
// environment once at startup; nothing is compiled in.
type Config struct {
	ListenAddr string

	// DBDSN selects the persistence backend: postgres:// DSNs open pgx,
	// anything else is treated as a SQLite file path. Empty means the
	// in-memory store (dev and tests only).
	DBDSN string

	// AuthSecret signs access and capability tokens (HS256).
	AuthSecret string

	TokenTTL time.Duration
	GrantTTL time.Duration

	StorageRoot   string
	DigestAlgo    string
	MIMEAllowList []string

	PersistTimeout time.Duration
	MaxUploadBytes int64
	RateBurst      int
	RatePerSec     int
}

const envPrefix = "MEDVAULT_"

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:     getenv("LISTEN_ADDR", ":8080"),
		DBDSN:          getenv("DB_DSN", ""),
		AuthSecret:     getenv("AUTH_SECRET", ""),
		StorageRoot:    getenv("STORAGE_ROOT", "./storage"),
		DigestAlgo:     strings.ToLower(getenv("DIGEST_ALGO", "sha256")),
		MaxUploadBytes: getenvInt64("MAX_UPLOAD_BYTES", 64<<20),
	}

	cfg.TokenTTL = time.Duration(getenvInt("TOKEN_TTL_MINUTES", 480)) * time.Minute
	cfg.GrantTTL = time.Duration(getenvInt("GRANT_TTL_MINUTES", 60)) * time.Minute
	cfg.PersistTimeout = time.Duration(getenvInt("PERSIST_TIMEOUT_SECONDS", 5)) * time.Second
	cfg.RateBurst = getenvInt("RATE_BURST", 50)
	cfg.RatePerSec = getenvInt("RATE_PER_SEC", 25)

	if raw := getenv("MIME_ALLOWLIST", ""); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			m = strings.TrimSpace(strings.ToLower(m))
			if m != "" {
				cfg.MIMEAllowList = append(cfg.MIMEAllowList, m)
			}
		}
	}
	if len(cfg.MIMEAllowList) == 0 {
		cfg.MIMEAllowList = append([]string(nil), defaultMIMEAllowList...)
	}

	if strings.TrimSpace(cfg.AuthSecret) == "" {
		return Config{}, errors.New("config: MEDVAULT_AUTH_SECRET is required")
	}
	if cfg.DigestAlgo != "sha256" && cfg.DigestAlgo != "blake3" {
		return Config{}, fmt.Errorf("config: unsupported digest algorithm %q", cfg.DigestAlgo)
	}
	if cfg.TokenTTL <= 0 || cfg.GrantTTL <= 0 {
		return Config{}, errors.New("config: token and grant TTLs must be positive")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
