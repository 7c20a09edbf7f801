package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBFile       string
	Addr         string
	DefaultRooms []string

	TokenExpiry    time.Duration
	TypingTTL      time.Duration
	RecoveryWindow time.Duration
	ScreenTimeout  time.Duration

	QueueLimit      int
	MaxMessageChars int
	MaxFileBytes    int64
	MessageRate     float64
	MessageBurst    int

	// Optional webpush credentials for mention notifications.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushContact     string
}

func Load() (*Config, error) {
	cfg := &Config{
		DBFile:          getEnv("PALAVER_DB", "palaver.db"),
		Addr:            getEnv("PALAVER_ADDR", ":8080"),
		DefaultRooms:    splitList(getEnv("PALAVER_DEFAULT_ROOMS", "general")),
		VAPIDPublicKey:  os.Getenv("PALAVER_VAPID_PUBLIC"),
		VAPIDPrivateKey: os.Getenv("PALAVER_VAPID_PRIVATE"),
		PushContact:     getEnv("PALAVER_PUSH_CONTACT", "mailto:admin@localhost"),
	}

	var err error
	if cfg.TokenExpiry, err = getDuration("PALAVER_TOKEN_EXPIRY", "24h"); err != nil {
		return nil, err
	}
	if cfg.TypingTTL, err = getDuration("PALAVER_TYPING_TTL", "3s"); err != nil {
		return nil, err
	}
	if cfg.RecoveryWindow, err = getDuration("PALAVER_RECOVERY_WINDOW", "2m"); err != nil {
		return nil, err
	}
	if cfg.ScreenTimeout, err = getDuration("PALAVER_SCREEN_TIMEOUT", "300ms"); err != nil {
		return nil, err
	}
	if cfg.QueueLimit, err = getInt("PALAVER_QUEUE_LIMIT", 500); err != nil {
		return nil, err
	}
	if cfg.MaxMessageChars, err = getInt("PALAVER_MAX_MESSAGE_CHARS", 10000); err != nil {
		return nil, err
	}
	maxFile, err := getInt("PALAVER_MAX_FILE_BYTES", 25<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxFileBytes = int64(maxFile)
	if cfg.MessageRate, err = getFloat("PALAVER_MESSAGE_RATE", 5); err != nil {
		return nil, err
	}
	if cfg.MessageBurst, err = getInt("PALAVER_MESSAGE_BURST", 10); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("PALAVER_TOKEN_EXPIRY must be greater than 0")
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("PALAVER_TYPING_TTL must be greater than 0")
	}
	if c.RecoveryWindow <= 0 {
		return fmt.Errorf("PALAVER_RECOVERY_WINDOW must be greater than 0")
	}
	if c.ScreenTimeout <= 0 {
		return fmt.Errorf("PALAVER_SCREEN_TIMEOUT must be greater than 0")
	}
	if c.QueueLimit <= 0 {
		return fmt.Errorf("PALAVER_QUEUE_LIMIT must be greater than 0")
	}
	if c.MaxMessageChars <= 0 {
		return fmt.Errorf("PALAVER_MAX_MESSAGE_CHARS must be greater than 0")
	}
	if c.MessageRate <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("message rate limit settings must be greater than 0")
	}
	if len(c.DefaultRooms) == 0 {
		return fmt.Errorf("at least one default room is required")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID keys must be set together or not at all")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
