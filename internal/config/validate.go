package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if err := validateAddr("control.addr", cfg.Control.Addr); err != nil {
		return nil, err
	}
	if err := validateAddr("audio.addr", cfg.Audio.Addr); err != nil {
		return nil, err
	}
	if cfg.Health.Addr != "" {
		if err := validateAddr("health.addr", cfg.Health.Addr); err != nil {
			return nil, err
		}
	}
	if cfg.Control.Addr == cfg.Audio.Addr && !strings.HasSuffix(cfg.Control.Addr, ":0") {
		return nil, fmt.Errorf("control.addr and audio.addr must differ")
	}

	if cfg.Control.PollInterval <= 0 {
		return nil, fmt.Errorf("control.poll_interval_ms must be > 0")
	}
	if cfg.Control.WriteTimeout <= 0 {
		return nil, fmt.Errorf("control.write_timeout_ms must be > 0")
	}

	if cfg.Audio.MicSampleRate <= 0 || cfg.Audio.SpeakerSampleRate <= 0 {
		return nil, fmt.Errorf("audio sample rates must be > 0")
	}
	if cfg.Audio.MicChunkSamples <= 0 || cfg.Audio.SpeakerChunkSamples <= 0 {
		return nil, fmt.Errorf("audio chunk sizes must be > 0")
	}
	if cfg.Audio.ReadPoll <= 0 {
		return nil, fmt.Errorf("audio.read_poll_ms must be > 0")
	}

	switch cfg.Scale.Backend {
	case ScaleBackendSerial:
		if strings.TrimSpace(cfg.Scale.Port) == "" {
			return nil, fmt.Errorf("scale.port must not be empty when scale.backend=serial")
		}
		if cfg.Scale.Baud <= 0 {
			return nil, fmt.Errorf("scale.baud must be > 0")
		}
		if cfg.Scale.Factor == 0 {
			return nil, fmt.Errorf("scale.factor must not be 0")
		}
	case ScaleBackendSimulated:
		warnings = append(warnings, Warning{Message: "scale.backend=simulated; weights are not measured"})
	default:
		return nil, fmt.Errorf("scale.backend must be one of: serial, simulated")
	}

	switch cfg.Display.Backend {
	case DisplayBackendTerminal, DisplayBackendLog:
	default:
		return nil, fmt.Errorf("display.backend must be one of: terminal, log")
	}
	if cfg.Display.Width < 3 {
		return nil, fmt.Errorf("display.width must be >= 3")
	}
	if cfg.Display.QueueDepth <= 0 {
		return nil, fmt.Errorf("display.queue_depth must be > 0")
	}
	if cfg.Display.SubmitTimeout <= 0 {
		return nil, fmt.Errorf("display.submit_timeout_ms must be > 0")
	}
	if cfg.Display.PopupDuration < 0 {
		return nil, fmt.Errorf("display.popup_duration_ms must be >= 0")
	}

	return warnings, nil
}

func validateAddr(key, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%s must not be empty", key)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
