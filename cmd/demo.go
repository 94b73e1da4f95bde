// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haloscope/snapserve"
	"github.com/haloscope/snapserve/dataset"
	"github.com/haloscope/snapserve/logger"
	"github.com/haloscope/snapserve/synthload"
	"github.com/haloscope/snapserve/transport"
)

func newDemoCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var radius float64
	var verbose bool
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a serving rank and a worker against a synthetic snapshot.",
		Long: `snapserve demo runs a serving rank and a worker in one process.

The worker opens a synthetic snapshot, selects a sphere about the
origin and reports what it finds. Useful as a smoke test of the
whole stack without any real data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.NopLogger
			if verbose {
				log = logger.NewVerboseLogger(stderr)
			}
			return transport.RunLocal(2, func(x *transport.Local) error {
				if x.Rank() == 0 {
					srv := snapserve.NewServer(log, nil)
					srv.RegisterLoader(synthload.New("demo"))
					return srv.Serve(x)
				}
				defer func() { _ = snapserve.SendShutdown(x, 0) }()
				return runDemo(stdout, x, radius)
			})
		},
	}
	flags := demoCmd.Flags()
	flags.Float64VarP(&radius, "radius", "r", 5, "Sphere radius about the origin.")
	flags.BoolVar(&verbose, "verbose", false, "Enable verbose logging to stderr.")
	return demoCmd
}

func runDemo(w io.Writer, x transport.Exchange, radius float64) error {
	conn, err := snapserve.Open(x, 0, synthload.LoaderName, "demo")
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Fprintf(w, "opened %q snapshot with %d families\n", conn.Kind(), len(conn.Families()))

	v, err := conn.View(dataset.Sphere{Radius: radius}, snapserve.ModeShared)
	if err != nil {
		return err
	}
	defer func() { _ = v.Release() }()

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "family\tparticles\n")
	for _, fam := range v.Families() {
		n, err := v.FamilyLen(fam.Tag)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\n", fam.Tag, n)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	r, err := v.Array("r")
	if err != nil {
		return err
	}
	var rmax float64
	for i := 0; i < r.Len(); i++ {
		if d := r.Float64At(i, 0); d > rmax {
			rmax = d
		}
	}
	fmt.Fprintf(w, "%d particles within %g of the origin, farthest at %.3f\n", v.Len(), radius, rmax)
	return nil
}
