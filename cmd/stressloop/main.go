package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "stressloop",
		Short: "Adaptive stress-feedback control service",
		Long: `stressloop ingests beat-to-beat RR intervals, classifies momentary stress,
smooths it per session and steers task difficulty with a PID controller.

Examples:
  stressloop serve --config configs/stressloop.yaml
  stressloop classify 800 810 790 805 --model configs/models/stress.yaml`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newClassifyCommand())
	return root
}
