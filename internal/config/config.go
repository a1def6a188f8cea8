package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	VoicebotURL     string
	VoicebotTimeout time.Duration
	RTVIClient      string

	StatusPollInterval time.Duration
	TimerTickInterval  time.Duration
	IntensityInterval  time.Duration
	TopicProgressStep  float64

	DatabaseURL         string
	TranscriptRedactPII bool
}

const (
	RTVIClientWS   = "ws"
	RTVIClientMock = "mock"
)

// Load reads an optional .env file from the working directory, then the
// environment, and applies safe defaults.
func Load() (Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit dotenv paths. Missing files are skipped and
// variables already set in the environment win.
func LoadFiles(paths ...string) (Config, error) {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", p, err)
		}
	}

	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "rivena"),
		AllowAnyOrigin:      false,
		LogLevel:            strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		VoicebotURL:         envOrDefault("VOICEBOT_URL", "http://localhost:7860"),
		RTVIClient:          strings.ToLower(envOrDefault("RTVI_CLIENT", RTVIClientWS)),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		TranscriptRedactPII: true,
		ShutdownTimeout:     15 * time.Second,
		VoicebotTimeout:     15 * time.Second,
		StatusPollInterval:  5 * time.Second,
		TimerTickInterval:   time.Second,
		IntensityInterval:   150 * time.Millisecond,
		TopicProgressStep:   0.05,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.VoicebotTimeout, err = durationFromEnv("VOICEBOT_TIMEOUT", cfg.VoicebotTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StatusPollInterval, err = durationFromEnv("STATUS_POLL_INTERVAL", cfg.StatusPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TimerTickInterval, err = durationFromEnv("TIMER_TICK_INTERVAL", cfg.TimerTickInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.IntensityInterval, err = durationFromEnv("INTENSITY_INTERVAL", cfg.IntensityInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TopicProgressStep, err = floatFromEnv("TOPIC_PROGRESS_STEP", cfg.TopicProgressStep)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptRedactPII, err = boolFromEnv("TRANSCRIPT_REDACT_PII", cfg.TranscriptRedactPII)
	if err != nil {
		return Config{}, err
	}

	if u, err := url.Parse(cfg.VoicebotURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("VOICEBOT_URL must be an http(s) URL")
	}
	if cfg.VoicebotTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBOT_TIMEOUT must be positive")
	}
	if cfg.RTVIClient != RTVIClientWS && cfg.RTVIClient != RTVIClientMock {
		return Config{}, fmt.Errorf("RTVI_CLIENT must be %q or %q", RTVIClientWS, RTVIClientMock)
	}
	if cfg.StatusPollInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("STATUS_POLL_INTERVAL must be at least 100ms")
	}
	if cfg.TimerTickInterval <= 0 || cfg.IntensityInterval <= 0 {
		return Config{}, fmt.Errorf("TIMER_TICK_INTERVAL and INTENSITY_INTERVAL must be positive")
	}
	if cfg.TopicProgressStep <= 0 || cfg.TopicProgressStep > 100 {
		return Config{}, fmt.Errorf("TOPIC_PROGRESS_STEP must be in (0, 100]")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("APP_LOG_LEVEL must be debug, info, warn or error")
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text or json")
	}

	return cfg, nil
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

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
