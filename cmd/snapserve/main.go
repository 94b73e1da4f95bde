// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// This is the entrypoint for the snapserve binary.
package main

import (
	"fmt"
	"os"

	"github.com/haloscope/snapserve/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
