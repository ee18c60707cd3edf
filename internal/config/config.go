package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	// AllowedOrigins lists browser origins accepted on the websocket
	// endpoint; "*" accepts any.
	AllowedOrigins []string
	AuthSecret  string
	TokenExpiry time.Duration
	LogLevel    slog.Level

	SendTimeout       time.Duration
	EditWindow        time.Duration
	FanoutConcurrency int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; real environment
// variables win over it.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "12h"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}
	sendTimeout, err := time.ParseDuration(getEnv("SEND_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("SEND_TIMEOUT: %w", err)
	}
	editWindow, err := time.ParseDuration(getEnv("EDIT_WINDOW", "5m"))
	if err != nil {
		return nil, fmt.Errorf("EDIT_WINDOW: %w", err)
	}
	concurrency, err := strconv.Atoi(getEnv("FANOUT_CONCURRENCY", "32"))
	if err != nil {
		return nil, fmt.Errorf("FANOUT_CONCURRENCY: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	baseURL := strings.TrimSuffix(getEnv("BASE_URL", "http://localhost:8080"), "/")
	origins := lo.Compact(lo.Map(strings.Split(getEnv("ALLOWED_ORIGINS", baseURL), ","), func(o string, _ int) string {
		return strings.TrimSuffix(strings.TrimSpace(o), "/")
	}))

	cfg := &Config{
		DBFile:            getEnv("PARLEY_DB", "parley.db"),
		AdminAddr:         getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:           getEnv("API_ADDR", ":8080"),
		BaseURL:           baseURL,
		AllowedOrigins:    origins,
		AuthSecret:        os.Getenv("AUTH_SECRET"),
		TokenExpiry:       tokenExpiry,
		LogLevel:          level,
		SendTimeout:       sendTimeout,
		EditWindow:        editWindow,
		FanoutConcurrency: concurrency,
		VAPIDPublicKey:    os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:   os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber:   getEnv("VAPID_SUBSCRIBER", "admin@localhost"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be greater than 0")
	}

	if c.EditWindow <= 0 {
		return fmt.Errorf("EDIT_WINDOW must be greater than 0")
	}

	if c.FanoutConcurrency <= 0 {
		return fmt.Errorf("FANOUT_CONCURRENCY must be greater than 0")
	}

	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS must list at least one origin")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
