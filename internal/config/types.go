// Package config resolves, parses, validates, and defaults cocktail-robot configuration.
package config

import "time"

// Config is the fully materialized runtime configuration used by the device.
type Config struct {
	Control ControlConfig
	Audio   AudioConfig
	Health  HealthConfig
	Scale   ScaleConfig
	Display DisplayConfig
}

// ControlConfig controls the recipe control listener and session pacing.
type ControlConfig struct {
	Addr         string
	PollInterval time.Duration
	WriteTimeout time.Duration
}

// AudioConfig controls the intercom listener and Pulse device selection.
type AudioConfig struct {
	Addr                string
	Input               string
	InputFallback       string
	Output              string
	OutputFallback      string
	MicSampleRate       int
	MicChunkSamples     int
	SpeakerSampleRate   int
	SpeakerChunkSamples int
	ReadPoll            time.Duration
}

// HealthConfig controls the gRPC health endpoint. An empty Addr disables it.
type HealthConfig struct {
	Addr string
}

// ScaleConfig selects the weight sensor backend and its calibration.
type ScaleConfig struct {
	Backend string
	Port    string
	Baud    int
	Factor  float64
	Offset  float64
}

// DisplayConfig controls the render queue and the screen backend.
type DisplayConfig struct {
	Backend       string
	Width         int
	ANSI          bool
	QueueDepth    int
	SubmitTimeout time.Duration
	PopupDuration time.Duration
}

const (
	ScaleBackendSerial    = "serial"
	ScaleBackendSimulated = "simulated"

	DisplayBackendTerminal = "terminal"
	DisplayBackendLog      = "log"
)

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
