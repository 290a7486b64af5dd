package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	DatabaseURL    string
	DatabaseSchema string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	NATSURL string

	BotProviderBaseURL       string
	BotProviderAPIKey        string
	BotProviderTimeout       time.Duration
	BotProviderWebhookSecret string

	GeminiAPIKeys  []string
	GeminiModel    string
	GeminiTimeout  time.Duration
	GeminiCooldown time.Duration

	WhatsAppStorePath string
	WhatsAppLogLevel  string

	PollInterval time.Duration
	PollGrace    time.Duration
	PollBatch    int

	NotifyDelay       time.Duration
	NotifyTick        time.Duration
	NotifyMaxAttempts int
}

// Load reads configuration from environment variables, applying defaults for
// everything that can sensibly default.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "text"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getEnv("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "notetaker"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", "public"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisTLS:      getEnvBool("REDIS_TLS", false),

		NATSURL: getEnv("NATS_URL", "nats://127.0.0.1:4222"),

		BotProviderBaseURL:       getEnv("BOT_PROVIDER_BASE_URL", "https://api.botprovider.example.com"),
		BotProviderAPIKey:        os.Getenv("BOT_PROVIDER_API_KEY"),
		BotProviderTimeout:       getEnvDuration("BOT_PROVIDER_TIMEOUT", 15*time.Second),
		BotProviderWebhookSecret: os.Getenv("BOT_PROVIDER_WEBHOOK_SECRET"),

		GeminiAPIKeys:  splitList(os.Getenv("GEMINI_API_KEYS")),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiTimeout:  getEnvDuration("GEMINI_TIMEOUT", 60*time.Second),
		GeminiCooldown: getEnvDuration("GEMINI_COOLDOWN", 5*time.Minute),

		WhatsAppStorePath: getEnv("WHATSAPP_STORE_PATH", "data/whatsapp.db"),
		WhatsAppLogLevel:  getEnv("WHATSAPP_LOG_LEVEL", "WARN"),

		PollInterval: getEnvDuration("POLL_INTERVAL", 3*time.Minute),
		PollGrace:    getEnvDuration("POLL_GRACE", 10*time.Minute),
		PollBatch:    getEnvInt("POLL_BATCH", 100),

		NotifyDelay:       getEnvDuration("NOTIFY_DELAY", 15*time.Minute),
		NotifyTick:        getEnvDuration("NOTIFY_TICK", 30*time.Second),
		NotifyMaxAttempts: getEnvInt("NOTIFY_MAX_ATTEMPTS", 5),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.BotProviderWebhookSecret == "" {
		return nil, fmt.Errorf("BOT_PROVIDER_WEBHOOK_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
