// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/server"
)

// Server is global so that tests can control and verify it.
var Server *server.Command

func newServeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Server = server.NewCommand(stdin, stdout, stderr)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve snapshots to worker ranks.",
		Long: `snapserve serve runs the serving rank.

It waits for the configured number of worker ranks to connect,
loads snapshots on demand and serves arrays until shut down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := Server.Start(); err != nil {
				return errors.Wrap(err, "running server")
			}
			return Server.Wait()
		},
	}
	server.BuildServerFlags(serveCmd, Server)
	return serveCmd
}
