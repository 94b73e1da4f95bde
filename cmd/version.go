// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/haloscope/snapserve"
)

func newVersionCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(stdout, snapserve.VersionInfo())
			return nil
		},
	}
}
