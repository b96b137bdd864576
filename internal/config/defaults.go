package config

import "time"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Control: ControlConfig{
			Addr:         ":2345",
			PollInterval: 50 * time.Millisecond,
			WriteTimeout: time.Second,
		},
		Audio: AudioConfig{
			Addr:                ":1234",
			Input:               "default",
			InputFallback:       "default",
			Output:              "default",
			OutputFallback:      "default",
			MicSampleRate:       32000,
			MicChunkSamples:     64,
			SpeakerSampleRate:   48000,
			SpeakerChunkSamples: 1024,
			ReadPoll:            100 * time.Millisecond,
		},
		Health: HealthConfig{Addr: ":2346"},
		Scale: ScaleConfig{
			Backend: ScaleBackendSerial,
			Port:    "/dev/ttyUSB0",
			Baud:    115200,
			Factor:  0.00253508,
			Offset:  8506971.577783272,
		},
		Display: DisplayConfig{
			Backend:       DisplayBackendTerminal,
			Width:         40,
			ANSI:          true,
			QueueDepth:    10,
			SubmitTimeout: time.Second,
			PopupDuration: time.Second,
		},
	}
}
