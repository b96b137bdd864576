// Package doctor runs runtime readiness diagnostics for config, scale, audio, and listeners.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/DonDistillo-Project/cocktail-robot/internal/audio"
	"github.com/DonDistillo-Project/cocktail-robot/internal/config"
	"github.com/DonDistillo-Project/cocktail-robot/internal/scale"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Hardware lookups, replaced in tests.
var (
	listPorts    = scale.Ports
	selectInput  = audio.SelectDevice
	selectOutput = audio.SelectOutputDevice
)

// Run executes environment/config/runtime checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{}

	message := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		message = fmt.Sprintf("%q not found; using defaults", cfg.Path)
	}
	checks = append(checks, Check{Name: "config", Pass: true, Message: message})

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "status socket directory is set", "XDG_RUNTIME_DIR is empty; status and zero commands are unavailable"))

	checks = append(checks, checkScale(cfg.Config.Scale))
	checks = append(checks, checkAudio(ctx, "audio.input", selectInput, cfg.Config.Audio.Input, cfg.Config.Audio.InputFallback))
	checks = append(checks, checkAudio(ctx, "audio.output", selectOutput, cfg.Config.Audio.Output, cfg.Config.Audio.OutputFallback))

	checks = append(checks, checkBind("control.addr", cfg.Config.Control.Addr))
	checks = append(checks, checkBind("audio.addr", cfg.Config.Audio.Addr))
	if cfg.Config.Health.Addr != "" {
		checks = append(checks, checkBind("health.addr", cfg.Config.Health.Addr))
	}

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkScale confirms the configured bridge port is present.
func checkScale(cfg config.ScaleConfig) Check {
	if cfg.Backend == config.ScaleBackendSimulated {
		return Check{Name: "scale", Pass: true, Message: "simulated backend; no hardware needed"}
	}

	ports, err := listPorts()
	if err != nil {
		return Check{Name: "scale", Pass: false, Message: err.Error()}
	}
	names := make([]string, 0, len(ports))
	for _, port := range ports {
		if port.Name == cfg.Port {
			return Check{Name: "scale", Pass: true, Message: fmt.Sprintf("found %s", cfg.Port)}
		}
		names = append(names, port.Name)
	}
	if len(names) == 0 {
		return Check{Name: "scale", Pass: false, Message: fmt.Sprintf("%s not found; no serial ports present", cfg.Port)}
	}
	return Check{Name: "scale", Pass: false, Message: fmt.Sprintf("%s not found; available: %s", cfg.Port, strings.Join(names, ", "))}
}

// checkAudio runs live device selection to surface selection/fallback issues.
func checkAudio(
	ctx context.Context,
	name string,
	selectFn func(context.Context, string, string) (audio.Selection, error),
	want, fallback string,
) Check {
	selection, err := selectFn(ctx, want, fallback)
	if err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: name, Pass: true, Message: message}
}

// checkBind verifies the address can be bound right now.
func checkBind(name, addr string) Check {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("cannot bind %s: %v", addr, err)}
	}
	_ = ln.Close()
	return Check{Name: name, Pass: true, Message: fmt.Sprintf("%s is free", addr)}
}
