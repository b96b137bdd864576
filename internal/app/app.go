// Package app dispatches parsed CLI invocations: it runs the device in the
// foreground for serve and talks to a running device for everything else.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/DonDistillo-Project/cocktail-robot/internal/audio"
	"github.com/DonDistillo-Project/cocktail-robot/internal/cli"
	"github.com/DonDistillo-Project/cocktail-robot/internal/companion"
	"github.com/DonDistillo-Project/cocktail-robot/internal/config"
	"github.com/DonDistillo-Project/cocktail-robot/internal/doctor"
	"github.com/DonDistillo-Project/cocktail-robot/internal/health"
	"github.com/DonDistillo-Project/cocktail-robot/internal/ipc"
	"github.com/DonDistillo-Project/cocktail-robot/internal/logging"
	"github.com/DonDistillo-Project/cocktail-robot/internal/scale"
	"github.com/DonDistillo-Project/cocktail-robot/internal/version"
)

const (
	ipcTimeout = 220 * time.Millisecond
	// Zeroing waits for a fresh sample from the bridge.
	zeroTimeout = 1500 * time.Millisecond
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	// OpenAudio overrides the Pulse microphone/speaker pair used by serve.
	OpenAudio AudioOpener
	// OpenSensor overrides the configured weight sensor used by serve.
	OpenSensor func(config.ScaleConfig, *slog.Logger) (scale.Sensor, io.Closer, error)
	// Ready is called once serve has bound its listeners.
	Ready func(*Device)
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText())
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, parsed.Help)
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New(logging.Options{Verbose: parsed.Verbose, Stderr: r.Stderr})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandServe:
		return r.commandServe(ctx, cfgLoaded.Config, logger)
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandPorts:
		return r.commandPorts()
	case cli.CommandStatus:
		return r.commandStatus(ctx, parsed.JSON)
	case cli.CommandZero:
		return r.commandZero(ctx)
	case cli.CommandProbe:
		return r.commandProbe(ctx, cfgLoaded.Config, parsed)
	case cli.CommandPlay:
		return r.commandPlay(ctx, cfgLoaded.Config, parsed, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) fail(err error) int {
	fmt.Fprintf(r.Stderr, "error: %v\n", err)
	return 1
}

func (r Runner) commandDevices(ctx context.Context) int {
	inputs, err := audio.ListDevices(ctx)
	if err != nil {
		return r.fail(err)
	}
	outputs, err := audio.ListOutputDevices(ctx)
	if err != nil {
		return r.fail(err)
	}
	if len(inputs) == 0 && len(outputs) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range append(inputs, outputs...) {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s %-6s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.Direction,
			device.ID,
			device.Description,
			device.State,
			availability,
			muted,
		)
	}

	return 0
}

func (r Runner) commandPorts() int {
	ports, err := scale.Ports()
	if err != nil {
		return r.fail(err)
	}
	if len(ports) == 0 {
		fmt.Fprintln(r.Stdout, "no serial ports found")
		return 1
	}
	for _, port := range ports {
		fmt.Fprintln(r.Stdout, port.Name)
	}
	return 0
}

func (r Runner) call(ctx context.Context, command string, timeout time.Duration) (ipc.Response, error) {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		return ipc.Response{}, err
	}
	return ipc.Call(ctx, socketPath, command, timeout)
}

func (r Runner) commandStatus(ctx context.Context, asJSON bool) int {
	resp, err := r.call(ctx, ipc.CommandStatus, ipcTimeout)
	if errors.Is(err, ipc.ErrNotRunning) {
		fmt.Fprintln(r.Stdout, "stopped")
		return 0
	}
	if err != nil {
		return r.fail(err)
	}

	if asJSON {
		encoded, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return r.fail(err)
		}
		fmt.Fprintln(r.Stdout, string(encoded))
		return 0
	}

	if resp.State == "" {
		resp.State = StateIdle
	}
	fmt.Fprintln(r.Stdout, resp.State)
	if c := resp.Control; c != nil {
		fmt.Fprintf(r.Stdout, "control: session=%s peer=%s phase=%s", c.SessionID, c.Peer, c.Phase)
		if c.Recipe != "" {
			fmt.Fprintf(r.Stdout, " recipe=%q", c.Recipe)
		}
		if c.ScaleEnabled {
			fmt.Fprintf(r.Stdout, " target=%.1fg", c.ScaleTarget)
		}
		fmt.Fprintf(r.Stdout, " notifications=%d\n", c.Notifications)
	}
	if a := resp.Audio; a != nil {
		fmt.Fprintf(r.Stdout, "audio: session=%s peer=%s downlink=%dB uplink=%dB\n", a.SessionID, a.Peer, a.DownlinkBytes, a.UplinkBytes)
	}
	return 0
}

func (r Runner) commandZero(ctx context.Context) int {
	resp, err := r.call(ctx, ipc.CommandZero, zeroTimeout)
	if err != nil {
		return r.fail(err)
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

func (r Runner) commandProbe(ctx context.Context, cfg config.Config, parsed cli.Parsed) int {
	addr := parsed.Target
	if addr == "" {
		addr = cfg.Health.Addr
	}
	if addr == "" {
		return r.fail(errors.New("no health address: pass ADDR or set health.addr"))
	}

	report, err := health.Probe(ctx, dialAddr(addr), parsed.Timeout)
	if err != nil {
		return r.fail(err)
	}

	if parsed.JSON {
		out, err := health.FormatJSON(report)
		if err != nil {
			return r.fail(err)
		}
		fmt.Fprintln(r.Stdout, out)
	} else {
		for _, service := range health.Services {
			name := service
			if name == "" {
				name = "overall"
			}
			fmt.Fprintf(r.Stdout, "%s: %s\n", name, report[service].GetStatus())
		}
	}

	if !report.Serving() {
		return 1
	}
	return 0
}

func (r Runner) commandPlay(ctx context.Context, cfg config.Config, parsed cli.Parsed, logger *slog.Logger) int {
	script, err := companion.LoadScript(parsed.Target)
	if err != nil {
		return r.fail(err)
	}

	addr := parsed.ControlAddr
	if addr == "" {
		addr = cfg.Control.Addr
	}
	client, err := companion.Dial(ctx, dialAddr(addr), parsed.Timeout, logger)
	if err != nil {
		return r.fail(err)
	}
	defer func() { _ = client.Close() }()

	total := len(script.Steps)
	err = script.Play(ctx, client, companion.PlayOptions{
		Tolerance: parsed.Tolerance,
		OnStep: func(i int, step companion.Step) {
			line := fmt.Sprintf("[%d/%d] %s", i+1, total, step.Instruction)
			if step.Target > 0 {
				line += fmt.Sprintf(" (%.1fg)", step.Target)
			}
			fmt.Fprintln(r.Stdout, line)
		},
	})
	if err != nil {
		logger.Error("play failed", "script", script.Name, "error", err.Error())
		return r.fail(err)
	}
	fmt.Fprintf(r.Stdout, "%s finished\n", script.Name)
	return 0
}

// dialAddr turns a listen address such as ":2345" into a dialable one.
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(host) != "" {
		return addr
	}
	return net.JoinHostPort("127.0.0.1", port)
}
