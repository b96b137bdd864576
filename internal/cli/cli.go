// Package cli parses the cocktail-robot command line with cobra into a
// Parsed invocation the app runner dispatches on.
package cli

import (
	"bytes"
	"time"

	"github.com/spf13/cobra"
)

type Command string

const (
	CommandServe   Command = "serve"
	CommandStatus  Command = "status"
	CommandZero    Command = "zero"
	CommandProbe   Command = "probe"
	CommandPlay    Command = "play"
	CommandDevices Command = "devices"
	CommandPorts   Command = "ports"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

const (
	DefaultDialTimeout = 3 * time.Second
	DefaultTolerance   = 1.0
)

// Parsed is one resolved invocation.
type Parsed struct {
	Command    Command
	ConfigPath string
	Verbose    bool
	ShowHelp   bool
	// Help holds the rendered help when ShowHelp is set.
	Help string

	// JSON selects machine-readable output for status and probe.
	JSON bool
	// Target is the probe address or the play script path.
	Target      string
	ControlAddr string
	Tolerance   float64
	Timeout     time.Duration
}

// Parse resolves args without running anything.
func Parse(args []string) (Parsed, error) {
	var parsed Parsed
	var help bytes.Buffer

	root := newRoot(&parsed)
	root.SetArgs(args)
	root.SetOut(&help)
	root.SetErr(&help)
	if err := root.Execute(); err != nil {
		return Parsed{}, err
	}

	if parsed.Command == "" || parsed.Command == CommandHelp {
		parsed.Command = CommandHelp
		parsed.ShowHelp = true
		parsed.Help = help.String()
		if parsed.Help == "" {
			parsed.Help = HelpText()
		}
	}
	return parsed, nil
}

// HelpText renders the top-level usage.
func HelpText() string {
	var parsed Parsed
	root := newRoot(&parsed)
	return root.Long + "\n\n" + root.UsageString()
}

func newRoot(parsed *Parsed) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "cocktail-robot",
		Short: "Cocktail scale device runtime",
		Long: `cocktail-robot runs the recipe scale device: a control port that streams
weight readings to the companion app, an intercom audio port, a status
screen, and a gRPC health endpoint.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				parsed.Command = CommandVersion
				return nil
			}
			return cmd.Help()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&parsed.ConfigPath, "config", "", "config file path (default: $XDG_CONFIG_HOME/cocktail-robot/config.jsonc)")
	root.Flags().BoolVar(&showVersion, "version", false, "show version")

	set := func(command Command) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			parsed.Command = command
			if len(args) > 0 {
				parsed.Target = args[0]
			}
			return nil
		}
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the device: control and audio listeners, screen, scale",
		Args:  cobra.NoArgs,
		RunE:  set(CommandServe),
	}
	serve.Flags().BoolVarP(&parsed.Verbose, "verbose", "v", false, "mirror debug logs to stderr")

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the running device's session status",
		Args:  cobra.NoArgs,
		RunE:  set(CommandStatus),
	}
	status.Flags().BoolVar(&parsed.JSON, "json", false, "print the raw status response")

	zero := &cobra.Command{
		Use:   "zero",
		Short: "Tare the scale of the running device",
		Args:  cobra.NoArgs,
		RunE:  set(CommandZero),
	}

	probe := &cobra.Command{
		Use:   "probe [ADDR]",
		Short: "Check a device's gRPC health endpoint (default: configured health.addr)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  set(CommandProbe),
	}
	probe.Flags().DurationVar(&parsed.Timeout, "timeout", DefaultDialTimeout, "readiness timeout")
	probe.Flags().BoolVar(&parsed.JSON, "json", false, "print the report as JSON")

	play := &cobra.Command{
		Use:   "play SCRIPT",
		Short: "Play a YAML recipe script against a device",
		Args:  cobra.ExactArgs(1),
		RunE:  set(CommandPlay),
	}
	play.Flags().StringVar(&parsed.ControlAddr, "control", "", "device control address (default: configured control.addr)")
	play.Flags().Float64Var(&parsed.Tolerance, "tolerance", DefaultTolerance, "grams short of a target that still completes a step")
	play.Flags().DurationVar(&parsed.Timeout, "timeout", DefaultDialTimeout, "dial timeout")

	root.AddCommand(
		serve,
		status,
		zero,
		probe,
		play,
		&cobra.Command{Use: "devices", Short: "List Pulse microphones and speakers", Args: cobra.NoArgs, RunE: set(CommandDevices)},
		&cobra.Command{Use: "ports", Short: "List serial ports for the scale bridge", Args: cobra.NoArgs, RunE: set(CommandPorts)},
		&cobra.Command{Use: "doctor", Short: "Run configuration and environment checks", Args: cobra.NoArgs, RunE: set(CommandDoctor)},
		&cobra.Command{Use: "version", Short: "Print version information", Args: cobra.NoArgs, RunE: set(CommandVersion)},
	)
	return root
}
