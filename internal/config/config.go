// Package config loads runtime settings for netwire commands from
// YAML files and NETWIRE_ environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Host string `yaml:"host" validate:"omitempty,hostname|ip"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`

	// Portable forces the portable worker group.
	Portable bool `yaml:"portable"`

	BindTimeout    time.Duration `yaml:"bind_timeout" validate:"gte=0"`
	DialTimeout    time.Duration `yaml:"dial_timeout" validate:"gte=0"`
	DisposeTimeout time.Duration `yaml:"dispose_timeout" validate:"gte=0"`

	// GroupCapacity caps concurrent connections per worker group.
	GroupCapacity int `yaml:"group_capacity" validate:"gte=0"`

	// ThrottleBytesPerSecond rations outbound bytes when positive.
	ThrottleBytesPerSecond int `yaml:"throttle_bytes_per_second" validate:"gte=0"`

	// MetricsAddr exposes Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

func Default() Config {
	return Config{
		Host:           "0.0.0.0",
		BindTimeout:    45 * time.Second,
		DialTimeout:    5 * time.Second,
		DisposeTimeout: 10 * time.Second,
		LogLevel:       "info",
	}
}

// LoadFromFile overlays the YAML file at path onto cfg.
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays NETWIRE_ environment variables onto cfg.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("NETWIRE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("NETWIRE_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: NETWIRE_PORT: %w", err)
		}
		cfg.Port = p
	}
	if v := os.Getenv("NETWIRE_PORTABLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: NETWIRE_PORTABLE: %w", err)
		}
		cfg.Portable = b
	}
	if v := os.Getenv("NETWIRE_BIND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: NETWIRE_BIND_TIMEOUT: %w", err)
		}
		cfg.BindTimeout = d
	}
	if v := os.Getenv("NETWIRE_THROTTLE_BYTES_PER_SECOND"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: NETWIRE_THROTTLE_BYTES_PER_SECOND: %w", err)
		}
		cfg.ThrottleBytesPerSecond = n
	}
	if v := os.Getenv("NETWIRE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("NETWIRE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load builds a config from defaults, an optional file, and the
// environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFromFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	if err := LoadFromEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
