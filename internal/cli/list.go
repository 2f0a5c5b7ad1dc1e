// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"opull/pkg/opull"
)

func newListCmd(ro *RootOpts) *cobra.Command {
	var (
		hub   bool
		limit int
		token string
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List models available in the Ollama library or the Hugging Face hub",
		Long: `Lists models one page at a time. Each page ends with a continuation
token; pass it back with --page-token to fetch the next page, or use --all
to walk every page.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opull.LoadSettings(ro.Config)
			if err != nil {
				return err
			}
			resolver, err := opull.NewResolver(provider(hub), settings, nil)
			if err != nil {
				return err
			}

			return listPages(cmd, ro, all, token, func(tok string) (opull.Page, error) {
				return resolver.ListModels(cmd.Context(), limit, tok)
			})
		},
	}

	cmd.Flags().BoolVar(&hub, "hub", false, "List Hugging Face GGUF models instead of the Ollama library")
	cmd.Flags().IntVar(&limit, "limit", 25, "Page size")
	cmd.Flags().StringVar(&token, "page-token", "", "Continuation token from a previous page")
	cmd.Flags().BoolVar(&all, "all", false, "Fetch every page")

	return cmd
}

func newTagsCmd(ro *RootOpts) *cobra.Command {
	var (
		hub   bool
		limit int
		token string
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "tags MODEL",
		Short: "List the available tags (or quantizations) of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opull.LoadSettings(ro.Config)
			if err != nil {
				return err
			}
			resolver, err := opull.NewResolver(provider(hub), settings, nil)
			if err != nil {
				return err
			}

			return listPages(cmd, ro, all, token, func(tok string) (opull.Page, error) {
				return resolver.ListTags(cmd.Context(), args[0], limit, tok)
			})
		},
	}

	cmd.Flags().BoolVar(&hub, "hub", false, "List Hugging Face quantization tags instead of library tags")
	cmd.Flags().IntVar(&limit, "limit", 25, "Page size")
	cmd.Flags().StringVar(&token, "page-token", "", "Continuation token from a previous page")
	cmd.Flags().BoolVar(&all, "all", false, "Fetch every page")

	return cmd
}

func listPages(cmd *cobra.Command, ro *RootOpts, all bool, token string, fetch func(string) (opull.Page, error)) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)

	for {
		page, err := fetch(token)
		if err != nil {
			return err
		}
		if ro.JSONOut {
			if err := enc.Encode(page); err != nil {
				return err
			}
		} else {
			for _, item := range page.Items {
				fmt.Println(item)
			}
			if page.NextToken != "" && !all {
				fmt.Fprintf(os.Stderr, "next page: --page-token %s\n", page.NextToken)
			}
		}
		if !all || page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}
