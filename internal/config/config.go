package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the question-answering service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowedOrigin    string

	GroqAPIKey        string
	GroqBaseURL       string
	GroqModel         string
	GroqFallbackModel string
	GroqTimeout       time.Duration
	GroqMaxRetries    int
	GroqTemperature   float64
	GroqMaxTokens     int
	GroqTopP          float64

	HistoryCapacity int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "ulemsee"),
		// Development posture, matching the permissive frontend setup.
		AllowedOrigin:     envOrDefault("APP_ALLOWED_ORIGIN", "*"),
		GroqAPIKey:        trimmedEnv("GROQ_API_KEY"),
		GroqBaseURL:       envOrDefault("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		GroqModel:         envOrDefault("GROQ_MODEL", "llama3-70b-8192"),
		GroqFallbackModel: envOrDefault("GROQ_FALLBACK_MODEL", "llama3-8b-8192"),
		GroqTimeout:       30 * time.Second,
		GroqMaxRetries:    3,
		GroqTemperature:   0.7,
		GroqMaxTokens:     1500,
		GroqTopP:          0.9,
		HistoryCapacity:   1000,
		ShutdownTimeout:   15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GroqTimeout, err = durationFromEnv("GROQ_TIMEOUT", cfg.GroqTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GroqMaxRetries, err = intFromEnv("GROQ_MAX_RETRIES", cfg.GroqMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.GroqTemperature, err = floatFromEnv("GROQ_TEMPERATURE", cfg.GroqTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.GroqMaxTokens, err = intFromEnv("GROQ_MAX_TOKENS", cfg.GroqMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.GroqTopP, err = floatFromEnv("GROQ_TOP_P", cfg.GroqTopP)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryCapacity, err = intFromEnv("HISTORY_CAPACITY", cfg.HistoryCapacity)
	if err != nil {
		return Config{}, err
	}

	if cfg.GroqTimeout <= 0 {
		return Config{}, fmt.Errorf("GROQ_TIMEOUT must be positive")
	}
	if cfg.GroqMaxRetries < 1 {
		return Config{}, fmt.Errorf("GROQ_MAX_RETRIES must be at least 1")
	}
	if cfg.GroqTemperature < 0 || cfg.GroqTemperature > 2 {
		return Config{}, fmt.Errorf("GROQ_TEMPERATURE must be in [0, 2]")
	}
	if cfg.GroqMaxTokens <= 0 {
		return Config{}, fmt.Errorf("GROQ_MAX_TOKENS must be positive")
	}
	if cfg.GroqTopP <= 0 || cfg.GroqTopP > 1 {
		return Config{}, fmt.Errorf("GROQ_TOP_P must be in (0, 1]")
	}
	if cfg.HistoryCapacity < 1 {
		return Config{}, fmt.Errorf("HISTORY_CAPACITY must be at least 1")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
