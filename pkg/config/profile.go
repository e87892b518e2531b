package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML tuning overlay for a deployment. Zero values leave the
// environment-derived setting untouched.
type Profile struct {
	Name string `yaml:"name" json:"name"`

	Retry struct {
		MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
		InitialDelayMs int    `yaml:"initial_delay_ms" json:"initial_delay_ms"`
		MaxDelayMs     int    `yaml:"max_delay_ms" json:"max_delay_ms"`
		ReviewTimeout  string `yaml:"review_timeout" json:"review_timeout"`
	} `yaml:"retry" json:"retry"`

	RateLimit struct {
		RPS   int `yaml:"rps" json:"rps"`
		Burst int `yaml:"burst" json:"burst"`
	} `yaml:"rate_limit" json:"rate_limit"`
}

// LoadProfile reads and parses a profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &profile, nil
}

func (p *Profile) apply(cfg *Config) {
	if p.Retry.MaxRetries > 0 {
		cfg.MaxRetries = p.Retry.MaxRetries
	}
	if p.Retry.InitialDelayMs > 0 {
		cfg.InitialDelay = time.Duration(p.Retry.InitialDelayMs) * time.Millisecond
	}
	if p.Retry.MaxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(p.Retry.MaxDelayMs) * time.Millisecond
	}
	if p.Retry.ReviewTimeout != "" {
		if d, err := time.ParseDuration(p.Retry.ReviewTimeout); err == nil {
			cfg.ReviewTimeout = d
		}
	}
	if p.RateLimit.RPS > 0 {
		cfg.RateRPS = p.RateLimit.RPS
	}
	if p.RateLimit.Burst > 0 {
		cfg.RateBurst = p.RateLimit.Burst
	}
}
