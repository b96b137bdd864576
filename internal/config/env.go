package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are deployment knobs that win over the config file.
type envOverrides struct {
	ControlAddr    *string `env:"CONTROL_ADDR"`
	AudioAddr      *string `env:"AUDIO_ADDR"`
	HealthAddr     *string `env:"HEALTH_ADDR"`
	ScalePort      *string `env:"SCALE_PORT"`
	ScaleBackend   *string `env:"SCALE_BACKEND"`
	DisplayBackend *string `env:"DISPLAY_BACKEND"`
}

const envPrefix = "COCKTAIL_"

// ApplyEnv overlays COCKTAIL_* environment variables onto cfg.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var overrides envOverrides
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&overrides, opts); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}

	setString(&cfg.Control.Addr, overrides.ControlAddr)
	setString(&cfg.Audio.Addr, overrides.AudioAddr)
	setString(&cfg.Health.Addr, overrides.HealthAddr)
	setString(&cfg.Scale.Port, overrides.ScalePort)
	if overrides.ScaleBackend != nil {
		cfg.Scale.Backend = strings.ToLower(strings.TrimSpace(*overrides.ScaleBackend))
	}
	if overrides.DisplayBackend != nil {
		cfg.Display.Backend = strings.ToLower(strings.TrimSpace(*overrides.DisplayBackend))
	}
	return nil
}
