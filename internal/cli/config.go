// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"opull/pkg/opull"
)

func newConfigCmd(ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage settings",
	}

	cmd.AddCommand(newConfigInitCmd(ro))
	cmd.AddCommand(newConfigShowCmd(ro))
	cmd.AddCommand(newConfigPathCmd(ro))

	return cmd
}

func newConfigInitCmd(ro *RootOpts) *cobra.Command {
	var (
		force   bool
		useYAML bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default settings file",
		Long: `Creates a settings file with default values at ~/.config/opull/settings.json
(or .yaml). Fields omitted from the file keep their defaults, so it is safe
to trim it down to the values you change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(ro)
			if err != nil {
				return err
			}
			if useYAML {
				path = strings.TrimSuffix(path, filepath.Ext(path)) + ".yaml"
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("settings file already exists: %s\nUse --force to overwrite", path)
			}

			if err := opull.SaveSettings(path, opull.DefaultSettings()); err != nil {
				return err
			}

			fmt.Printf("Created settings file: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing settings file")
	cmd.Flags().BoolVar(&useYAML, "yaml", false, "Write YAML instead of JSON")

	return cmd
}

func newConfigShowCmd(ro *RootOpts) *cobra.Command {
	var yamlOut bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opull.LoadSettings(ro.Config)
			if err != nil {
				return err
			}
			// The API key is a credential; show a placeholder, not the value.
			if settings.OllamaServer.APIKey != "" {
				settings.OllamaServer.APIKey = "********"
			}

			if yamlOut {
				data, err := yaml.Marshal(settings)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(settings)
		},
	}

	cmd.Flags().BoolVar(&yamlOut, "yaml", false, "Print YAML instead of JSON")

	return cmd
}

func newConfigPathCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the settings file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(ro)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}

func configPath(ro *RootOpts) (string, error) {
	if ro.Config != "" {
		return ro.Config, nil
	}
	return opull.DefaultSettingsPath()
}
