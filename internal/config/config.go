package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the avatar call service.
type Config struct {
	BindAddr              string
	ShutdownTimeout       time.Duration
	CallInactivityTimeout time.Duration
	FirstAudioSLO         time.Duration
	MetricsNamespace      string

	AllowAnyOrigin bool

	// UpstreamProvider selects the realtime backend: auto, gemini or mock.
	UpstreamProvider string

	GeminiAPIKey string
	LiveModel    string
	LiveVoice    string

	CaptureSampleRate  int
	PlaybackSampleRate int

	// PendingAudioFrames bounds mic frames buffered while the upstream
	// session is still opening.
	PendingAudioFrames int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "moecall"),
		AllowAnyOrigin:   false,
		UpstreamProvider: envOrDefault("UPSTREAM_PROVIDER", "auto"),
		GeminiAPIKey:     trimmedEnv("GEMINI_API_KEY"),
		// Native-audio live model; the voice is a prebuilt Gemini voice name.
		LiveModel:             envOrDefault("LIVE_MODEL", "gemini-2.0-flash-live-001"),
		LiveVoice:             envOrDefault("LIVE_VOICE", "Aoede"),
		CaptureSampleRate:     16000,
		PlaybackSampleRate:    24000,
		PendingAudioFrames:    64,
		DatabaseURL:           trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:       15 * time.Second,
		CallInactivityTimeout: 2 * time.Minute,
		FirstAudioSLO:         700 * time.Millisecond,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallInactivityTimeout, err = durationFromEnv("APP_CALL_INACTIVITY_TIMEOUT", cfg.CallInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureSampleRate, err = intFromEnv("APP_CAPTURE_SAMPLE_RATE", cfg.CaptureSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackSampleRate, err = intFromEnv("APP_PLAYBACK_SAMPLE_RATE", cfg.PlaybackSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.PendingAudioFrames, err = intFromEnv("APP_PENDING_AUDIO_FRAMES", cfg.PendingAudioFrames)
	if err != nil {
		return Config{}, err
	}

	switch cfg.UpstreamProvider {
	case "auto", "gemini", "mock":
	default:
		return Config{}, fmt.Errorf("UPSTREAM_PROVIDER must be auto, gemini or mock")
	}
	if cfg.UpstreamProvider == "gemini" && cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("UPSTREAM_PROVIDER=gemini requires GEMINI_API_KEY")
	}
	if cfg.CallInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CALL_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.CaptureSampleRate <= 0 || cfg.PlaybackSampleRate <= 0 {
		return Config{}, fmt.Errorf("sample rates must be positive")
	}
	if cfg.PendingAudioFrames <= 0 {
		return Config{}, fmt.Errorf("APP_PENDING_AUDIO_FRAMES must be positive")
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

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
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
