package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/DonDistillo-Project/cocktail-robot/internal/config"
	"github.com/DonDistillo-Project/cocktail-robot/internal/display"
	"github.com/DonDistillo-Project/cocktail-robot/internal/ipc"
	"github.com/DonDistillo-Project/cocktail-robot/internal/scale"
	"github.com/DonDistillo-Project/cocktail-robot/internal/server"
)

const (
	socketProbeTimeout = 180 * time.Millisecond
	socketRetries      = 8
)

func (r Runner) commandServe(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	openSensor := r.OpenSensor
	if openSensor == nil {
		openSensor = openConfiguredSensor
	}
	sensor, closer, err := openSensor(cfg.Scale, logger)
	if err != nil {
		return r.fail(err)
	}
	defer func() { _ = closer.Close() }()

	var ipcListener net.Listener
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		logger.Warn("status socket disabled", "error", err.Error())
	} else {
		listener, err := ipc.Acquire(ctx, socketPath, socketProbeTimeout, socketRetries)
		if err != nil {
			if errors.Is(err, ipc.ErrAlreadyRunning) {
				logger.Error("device already running", "socket", socketPath)
			}
			return r.fail(err)
		}
		defer func() { _ = listener.Close() }()
		ipcListener = listener
	}

	device := NewDevice(cfg, sensor, newScreen(cfg.Display, r.Stdout, logger), r.OpenAudio, logger)
	if err := device.Listen(ctx); err != nil {
		logger.Error("bind failed", "error", err.Error())
		return r.fail(err)
	}
	logger.Info("device ready",
		"control", device.Addr(server.ListenerControl).String(),
		"audio", device.Addr(server.ListenerAudio).String(),
		"health", cfg.Health.Addr,
		"scale", cfg.Scale.Backend,
		"display", cfg.Display.Backend,
	)
	if r.Ready != nil {
		r.Ready(device)
	}

	if err := device.Run(ctx, ipcListener); err != nil {
		logger.Error("device stopped", "error", err.Error())
		return r.fail(err)
	}
	logger.Info("device stopped")
	return 0
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openConfiguredSensor(cfg config.ScaleConfig, logger *slog.Logger) (scale.Sensor, io.Closer, error) {
	if cfg.Backend == config.ScaleBackendSimulated {
		return scale.NewSimulated(), nopCloser{}, nil
	}
	sensor, err := scale.OpenSerial(scale.SerialConfig{
		Port:         cfg.Port,
		BaudRate:     cfg.Baud,
		LinearFactor: cfg.Factor,
		Offset:       cfg.Offset,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return sensor, sensor, nil
}

func newScreen(cfg config.DisplayConfig, stdout io.Writer, logger *slog.Logger) display.Screen {
	if cfg.Backend == config.DisplayBackendLog {
		return display.LogScreen{Logger: logger}
	}
	return display.NewTerminal(stdout, cfg.Width, cfg.ANSI)
}
