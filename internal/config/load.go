package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Loaded captures resolved config path, parsed values, and non-fatal warnings.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

// Load resolves, reads, parses, and validates the runtime configuration.
// COCKTAIL_* environment overrides are applied after the file and before
// validation.
func Load(explicitPath string) (Loaded, error) {
	return load(explicitPath, nil)
}

func load(explicitPath string, environ map[string]string) (Loaded, error) {
	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	loaded := Loaded{Path: resolvedPath, Config: Default()}
	content, err := os.ReadFile(resolvedPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		loaded.Warnings = append(loaded.Warnings, Warning{
			Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath),
		})
	case err != nil:
		return Loaded{}, fmt.Errorf("read config %q: %w", resolvedPath, err)
	default:
		loaded.Exists = true
		if trimmed := strings.TrimSpace(string(content)); trimmed != "" {
			if !strings.HasPrefix(trimmed, "{") {
				return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, errNotJSONC)
			}
			cfg, warnings, err := decodeJSONC(string(content), loaded.Config)
			if err != nil {
				return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
			}
			loaded.Config = cfg
			loaded.Warnings = append(loaded.Warnings, warnings...)
		}
	}

	if err := ApplyEnv(&loaded.Config, environ); err != nil {
		return Loaded{}, err
	}
	warnings, err := Validate(loaded.Config)
	if err != nil {
		return Loaded{}, fmt.Errorf("validate config %q: %w", resolvedPath, err)
	}
	loaded.Warnings = append(loaded.Warnings, warnings...)
	return loaded, nil
}
