package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

const (
	defaultModel       = "llama3-8b-8192"
	defaultUpstreamURL = "https://api.groq.com/openai/v1/chat/completions"
)

// Config contains all runtime settings for the relay.
type Config struct {
	BindAddr        string
	ShutdownTimeout time.Duration
	LogLevel        slog.Level

	APIKey      string
	ParamPrefix string

	Model           string
	VisionModel     string
	UpstreamURL     string
	UpstreamTimeout time.Duration
	StreamTimeout   time.Duration
	Temperature     float64

	MaxTurns         int
	MaxMessageLength int
	MaxImageBytes    int
	RateLimitMax     int
	RateLimitWindow  time.Duration
	SessionIdleTTL   time.Duration

	TranscriptTable  string
	DatabaseURL      string
	MetricsNamespace string
	AllowedOrigins   []string
}

// Load reads environment variables (and a local .env file, if present) and
// applies defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         ":" + envOrDefault("PORT", "10000"),
		APIKey:           firstNonEmpty(stringsTrimSpace("LLM_API_KEY"), stringsTrimSpace("GROQ_API_KEY")),
		ParamPrefix:      stringsTrimSpace("PARAM_PREFIX"),
		Model:            envOrDefault("MODEL", defaultModel),
		VisionModel:      stringsTrimSpace("VISION_MODEL"),
		UpstreamURL:      firstNonEmpty(stringsTrimSpace("UPSTREAM_URL"), stringsTrimSpace("GROQ_URL"), defaultUpstreamURL),
		TranscriptTable:  stringsTrimSpace("TRANSCRIPT_TABLE"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		MetricsNamespace: envOrDefault("METRICS_NAMESPACE", "chat_relay"),
		AllowedOrigins:   splitList(envOrDefault("ALLOWED_ORIGINS", "*")),
		ShutdownTimeout:  15 * time.Second,
		UpstreamTimeout:  20 * time.Second,
		StreamTimeout:    30 * time.Second,
		Temperature:      0.7,
		MaxTurns:         20,
		MaxMessageLength: 4000,
		MaxImageBytes:    5 << 20,
		RateLimitMax:     20,
		RateLimitWindow:  60 * time.Second,
		SessionIdleTTL:   6 * time.Hour,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamTimeout, err = durationFromEnv("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StreamTimeout, err = durationFromEnv("STREAM_TIMEOUT", cfg.StreamTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitWindow, err = durationFromEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTTL, err = durationFromEnv("SESSION_IDLE_TTL", cfg.SessionIdleTTL); err != nil {
		return Config{}, err
	}
	if cfg.Temperature, err = floatFromEnv("TEMPERATURE", cfg.Temperature); err != nil {
		return Config{}, err
	}
	if cfg.MaxTurns, err = intFromEnv("MAX_TURNS", cfg.MaxTurns); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessageLength, err = intFromEnv("MAX_MESSAGE_LENGTH", cfg.MaxMessageLength); err != nil {
		return Config{}, err
	}
	if cfg.MaxImageBytes, err = intFromEnv("MAX_IMAGE_BYTES", cfg.MaxImageBytes); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitMax, err = intFromEnv("RATE_LIMIT_MAX", cfg.RateLimitMax); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = levelFromEnv("LOG_LEVEL", slog.LevelInfo); err != nil {
		return Config{}, err
	}

	if cfg.MaxTurns <= 0 {
		return Config{}, fmt.Errorf("MAX_TURNS must be positive")
	}
	if cfg.RateLimitMax <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_MAX must be positive")
	}
	if cfg.RateLimitWindow <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if cfg.MaxMessageLength <= 0 {
		return Config{}, fmt.Errorf("MAX_MESSAGE_LENGTH must be positive")
	}
	if cfg.MaxImageBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_IMAGE_BYTES must be positive")
	}
	if cfg.SessionIdleTTL < 0 {
		return Config{}, fmt.Errorf("SESSION_IDLE_TTL must be >= 0")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("TEMPERATURE must be between 0 and 2")
	}

	return cfg, nil
}

// AllowAnyOrigin reports whether CORS is open to every origin.
func (c Config) AllowAnyOrigin() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// ProviderName derives a short provider label from the upstream host, e.g.
// "groq" for api.groq.com.
func (c Config) ProviderName() string {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.TrimPrefix(u.Hostname(), "api.")
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return fallback, fmt.Errorf("%s parse error: %w", key, err)
	}
	return lvl, nil
}
