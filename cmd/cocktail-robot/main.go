// Command cocktail-robot runs the weighing appliance and its maintenance
// commands.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/DonDistillo-Project/cocktail-robot/internal/app"
)

// exitInterrupted is returned when a second signal abandons a graceful stop.
const exitInterrupted = 130

var stopSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run cancels the command on the first stop signal. A second signal exits
// at once, so a stuck audio or serial device cannot hold the process.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, stopSignals...)
	defer signal.Stop(signals)

	go func() {
		select {
		case sig := <-signals:
			fmt.Fprintf(stderr, "received %s, stopping\n", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		<-signals
		fmt.Fprintln(stderr, "forced exit")
		os.Exit(exitInterrupted)
	}()

	return app.Execute(ctx, args, stdout, stderr)
}
