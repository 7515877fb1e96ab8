package main

import (
	"fmt"
	"os"
	"time"
)

type config struct {
	Port         string
	DatabasePath string

	BackendURL   string
	BackendToken string
	ProcessorURL string
	ProcessorKey string

	PricingTimeout      time.Duration
	TokenizationTimeout time.Duration
	ProcessorTimeout    time.Duration
	ConfirmTimeout      time.Duration
	CredentialCacheTTL  time.Duration
}

func loadConfig() (config, error) {
	cfg := config{
		Port:         envOrDefault("PORT", "8080"),
		DatabasePath: envOrDefault("DATABASE_PATH", "seatdesk.db"),
		BackendURL:   envOrDefault("BACKEND_URL", "http://localhost:8081"),
		BackendToken: os.Getenv("BACKEND_TOKEN"),
		ProcessorKey: os.Getenv("PROCESSOR_KEY"),
	}
	// The sandbox serves the processor routes too.
	cfg.ProcessorURL = envOrDefault("PROCESSOR_URL", cfg.BackendURL)

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"PRICING_TIMEOUT", 5 * time.Second, &cfg.PricingTimeout},
		{"TOKENIZATION_TIMEOUT", 10 * time.Second, &cfg.TokenizationTimeout},
		{"PROCESSOR_TIMEOUT", 30 * time.Second, &cfg.ProcessorTimeout},
		{"CONFIRM_TIMEOUT", 30 * time.Second, &cfg.ConfirmTimeout},
		{"CREDENTIAL_CACHE_TTL", 5 * time.Minute, &cfg.CredentialCacheTTL},
	}
	for _, d := range durations {
		v, err := durationOrDefault(d.key, d.fallback)
		if err != nil {
			return config{}, err
		}
		*d.dst = v
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}
