// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml"
	"github.com/spf13/cobra"

	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/server"
)

func newConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration.",
		Long: `snapserve config prints the default configuration as TOML,
ready to be edited and passed back via --config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := server.NewConfig()
			out, err := toml.Marshal(*conf)
			if err != nil {
				return errors.Wrap(err, "marshalling default config")
			}
			fmt.Fprintf(stdout, "%s\n", out)
			return nil
		},
	}
}
