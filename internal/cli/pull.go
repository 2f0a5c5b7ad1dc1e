// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"opull/pkg/opull"
)

func newPullCmd(ro *RootOpts) *cobra.Command {
	var (
		hub        bool
		modelsPath string
		concurrent int
		retries    int
		noVerifyCk bool
		keepOnErr  bool
	)

	cmd := &cobra.Command{
		Use:   "pull MODEL[:TAG]",
		Short: "Download a model into the local Ollama store",
		Long: `Downloads a model's manifest and blobs into the Ollama models directory.

By default MODEL names an Ollama library model (e.g. llama3.2:3b). With
--hub, MODEL is a Hugging Face GGUF repo and TAG a quantization
(e.g. bartowski/Llama-3.2-1B-Instruct-GGUF:Q4_K_M).

Interrupted pulls keep partial files and resume on the next attempt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opull.LoadSettings(ro.Config)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("models-path") {
				settings.OllamaLibrary.ModelsPath = modelsPath
			}
			if cmd.Flags().Changed("max-concurrent") {
				settings.OllamaLibrary.MaxConcurrent = concurrent
			}
			if cmd.Flags().Changed("retries") {
				settings.OllamaLibrary.Retries = retries
			}
			if noVerifyCk {
				settings.OllamaServer.CheckModelPresence = false
			}
			if keepOnErr {
				settings.OllamaServer.RemoveDownloadedOnError = false
			}

			var ref opull.ModelRef
			if hub {
				ref, err = opull.ParseHubRef(args[0])
			} else {
				ref, err = opull.ParseRegistryRef(args[0])
			}
			if err != nil {
				return err
			}

			progress, closeProgress := newProgress(ro)
			defer closeProgress()

			sess, err := opull.NewSession(settings, provider(hub), progress)
			if err != nil {
				return err
			}
			res, err := sess.Pull(cmd.Context(), ref)
			if err != nil {
				return err
			}
			closeProgress()
			return printResult(ro, res)
		},
	}

	cmd.Flags().BoolVar(&hub, "hub", false, "Pull from the Hugging Face hub instead of the Ollama registry")
	cmd.Flags().StringVar(&modelsPath, "models-path", "", "Ollama models directory (overrides settings)")
	cmd.Flags().IntVar(&concurrent, "max-concurrent", 0, "Concurrent blob downloads (overrides settings)")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retry attempts per request (overrides settings)")
	cmd.Flags().BoolVar(&noVerifyCk, "no-presence-check", false, "Skip asking the Ollama server about the model afterwards")
	cmd.Flags().BoolVar(&keepOnErr, "keep-on-error", false, "Keep this session's partial files when the pull fails")

	return cmd
}

func printResult(ro *RootOpts, res *opull.Result) error {
	if ro.JSONOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetEscapeHTML(false)
		return enc.Encode(res)
	}

	switch res.Outcome {
	case opull.OutcomeSuccess:
		color.Green("Model %s pulled successfully", res.Model)
	case opull.OutcomeWarning:
		color.Green("Model %s pulled", res.Model)
		color.Yellow("warning: %s", res.Warning)
	case opull.OutcomeCancelled:
		color.Yellow("Pull of %s cancelled; partial downloads may resume later", res.Model)
	default:
		fmt.Printf("Pull of %s finished: %s\n", res.Model, res.Outcome)
	}
	return nil
}
