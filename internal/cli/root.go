// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"opull/pkg/opull"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Config  string
	JSONOut bool
	Quiet   bool
	Verbose bool
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "opull",
		Short:         "Pull Ollama and Hugging Face models into a local Ollama store",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to settings file (JSON or YAML)")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (status lines only, no progress bar)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose output (per-layer detail)")

	root.AddCommand(newPullCmd(ro))
	root.AddCommand(newListCmd(ro))
	root.AddCommand(newTagsCmd(ro))
	root.AddCommand(newConfigCmd(ro))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newVersionCmd(version))

	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// provider maps the --hub flag onto a provider choice.
func provider(hub bool) opull.Provider {
	if hub {
		return opull.ProviderHub
	}
	return opull.ProviderRegistry
}
