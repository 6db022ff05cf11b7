package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                int
	TelegramAPIID       int
	TelegramAPIHash     string
	DataDir             string
	SessionsDir         string
	DatabasePath        string
	WebhookTimeout      time.Duration
	ConnectTimeout      time.Duration
	ExposeSessionString bool
	LogLevel            string
	LogFilePath         string
	LogMaxSizeMB        int
	LogMaxBackups       int
	LogMaxAgeDays       int
}

func LoadFromEnv() (Config, error) {
	dataDir := defaultString(os.Getenv("DATA_DIR"), "./data")

	port, err := parseIntWithDefault("PORT", 3002)
	if err != nil {
		return Config{}, err
	}
	apiID, err := parseIntWithDefault("TELEGRAM_API_ID", 0)
	if err != nil {
		return Config{}, err
	}
	webhookTimeoutMs, err := parseIntWithDefault("WEBHOOK_TIMEOUT_MS", 10000)
	if err != nil {
		return Config{}, err
	}
	connectTimeoutMs, err := parseIntWithDefault("CONNECT_TIMEOUT_MS", 30000)
	if err != nil {
		return Config{}, err
	}
	exposeSession, err := parseBoolWithDefault("EXPOSE_SESSION_STRING", false)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:                port,
		TelegramAPIID:       apiID,
		TelegramAPIHash:     strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH")),
		DataDir:             dataDir,
		SessionsDir:         defaultString(os.Getenv("SESSIONS_DIR"), filepath.Join(dataDir, "sessions")),
		DatabasePath:        defaultString(os.Getenv("DATABASE_PATH"), filepath.Join(dataDir, "gateway.db")),
		WebhookTimeout:      time.Duration(webhookTimeoutMs) * time.Millisecond,
		ConnectTimeout:      time.Duration(connectTimeoutMs) * time.Millisecond,
		ExposeSessionString: exposeSession,
		LogLevel:            defaultString(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"),
		LogFilePath:         filepath.Join(dataDir, "logs", "gateway.log"),
		LogMaxSizeMB:        10,
		LogMaxBackups:       5,
		LogMaxAgeDays:       14,
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.TelegramAPIID <= 0 {
		return errors.New("TELEGRAM_API_ID is required")
	}
	if cfg.TelegramAPIHash == "" {
		return errors.New("TELEGRAM_API_HASH is required")
	}
	if cfg.Port <= 0 {
		return fmt.Errorf("PORT must be > 0: got %d", cfg.Port)
	}
	if cfg.WebhookTimeout <= 0 {
		return errors.New("WEBHOOK_TIMEOUT_MS must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return errors.New("CONNECT_TIMEOUT_MS must be > 0")
	}
	return nil
}

func parseIntWithDefault(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be integer: %w", key, err)
	}
	return v, nil
}

func parseBoolWithDefault(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be boolean: %w", key, err)
	}
	return v, nil
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
