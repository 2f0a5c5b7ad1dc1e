// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"opull/internal/server"
	"opull/pkg/opull"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	var (
		addr string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start an HTTP server for pull jobs",
		Long: `Starts an HTTP server that provides:
  - REST API for starting and inspecting pull jobs
  - WebSocket for live progress updates

The models directory and upstream endpoints come from the settings file
only, never from API requests.

Example:
  opull serve
  opull serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opull.LoadSettings(ro.Config)
			if err != nil {
				return err
			}

			srv := server.New(server.Config{
				Addr:     addr,
				Port:     port,
				Settings: settings,
			})

			color.Cyan("opull job server")
			fmt.Printf("listening on %s:%d\n", addr, port)
			return srv.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")

	return cmd
}
