// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/haloscope/snapserve/toml"
)

const defaultBindPort = "10467"

// Config represents the configuration for the serve command.
type Config struct {
	// Bind is the host:port on which the serving rank listens for worker
	// connections. A port of 0 picks a free port; Command.Addr reports it.
	Bind string `toml:"bind"`

	// Ranks is the size of the exchange group, this process included.
	// Serving starts once the other Ranks-1 processes have dialed in.
	Ranks int `toml:"ranks"`

	// LogPath configures where the server writes logs. Empty means stderr.
	LogPath string `toml:"log-path"`

	// Verbose toggles debug logging.
	Verbose bool `toml:"verbose"`

	// Synth pre-registers synthetic snapshots so a server can run without
	// any real data on disk. Deployments with real readers register their
	// loaders in code instead.
	Synth SynthOptions `toml:"synth"`

	Debug struct {
		// Bind is the host:port of the HTTP endpoint serving /debug/vars
		// and /metrics. Empty disables the endpoint.
		Bind string `toml:"bind"`
	} `toml:"debug"`

	Metric struct {
		// Service can be expvar, statsd, prometheus, or none.
		Service string `toml:"service"`
		// Host tells the statsd client where to write.
		Host string `toml:"host"`
		// PollInterval is how often runtime gauges (goroutines, heap) are
		// sampled. Zero disables sampling.
		PollInterval toml.Duration `toml:"poll-interval"`
	} `toml:"metric"`
}

// SynthOptions configures the built-in synthetic loader. Zero counts keep
// the loader's defaults.
type SynthOptions struct {
	// Paths lists the snapshot paths the loader answers for.
	Paths []string `toml:"paths"`

	// DM, Gas and Star override the per-family particle counts used for
	// every registered path.
	DM   int `toml:"dm"`
	Gas  int `toml:"gas"`
	Star int `toml:"star"`

	// Objects is the number of clustered objects particles are drawn
	// around; Boxsize is the periodic box edge length.
	Objects int     `toml:"objects"`
	Boxsize float64 `toml:"boxsize"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{
		Bind:  ":" + defaultBindPort,
		Ranks: 2,
	}
	c.Metric.Service = "none"
	c.Metric.PollInterval = toml.Duration(0 * time.Second)
	return c
}

// BuildServerFlags attaches the serve command's flags to cmd, each bound to
// a field of srv.Config so that flags, environment variables and the config
// file all funnel into the same place.
func BuildServerFlags(cmd *cobra.Command, srv *Command) {
	flags := cmd.Flags()
	flags.StringVarP(&srv.Config.Bind, "bind", "b", srv.Config.Bind, "Host:port on which to listen for worker ranks.")
	flags.IntVarP(&srv.Config.Ranks, "ranks", "n", srv.Config.Ranks, "Size of the exchange group, this server included.")
	flags.StringVar(&srv.Config.LogPath, "log-path", srv.Config.LogPath, "Log path")
	flags.BoolVar(&srv.Config.Verbose, "verbose", srv.Config.Verbose, "Enable verbose logging")

	// Synthetic loader
	flags.StringSliceVar(&srv.Config.Synth.Paths, "synth.paths", srv.Config.Synth.Paths, "Comma separated snapshot paths served by the synthetic loader.")
	flags.IntVar(&srv.Config.Synth.DM, "synth.dm", srv.Config.Synth.DM, "Dark matter particles per synthetic snapshot. Zero keeps the default.")
	flags.IntVar(&srv.Config.Synth.Gas, "synth.gas", srv.Config.Synth.Gas, "Gas particles per synthetic snapshot. Zero keeps the default.")
	flags.IntVar(&srv.Config.Synth.Star, "synth.star", srv.Config.Synth.Star, "Star particles per synthetic snapshot. Zero keeps the default.")
	flags.IntVar(&srv.Config.Synth.Objects, "synth.objects", srv.Config.Synth.Objects, "Clustered objects per synthetic snapshot. Zero keeps the default.")
	flags.Float64Var(&srv.Config.Synth.Boxsize, "synth.boxsize", srv.Config.Synth.Boxsize, "Periodic box edge length. Zero keeps the default.")

	// Debug
	flags.StringVar(&srv.Config.Debug.Bind, "debug.bind", srv.Config.Debug.Bind, "Host:port of the HTTP endpoint serving /debug/vars and /metrics. Empty disables it.")

	// Metric
	flags.StringVar(&srv.Config.Metric.Service, "metric.service", srv.Config.Metric.Service, "Where to send stats: can be expvar (in-memory served at /debug/vars), prometheus, statsd or none.")
	flags.StringVar(&srv.Config.Metric.Host, "metric.host", srv.Config.Metric.Host, "URI to send metrics when metric.service is statsd.")
	flags.DurationVar((*time.Duration)(&srv.Config.Metric.PollInterval), "metric.poll-interval", time.Duration(srv.Config.Metric.PollInterval), "Polling interval for runtime gauges. Zero to disable.")
}
