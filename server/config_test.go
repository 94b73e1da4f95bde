// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"testing"
	"time"

	gotoml "github.com/pelletier/go-toml"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haloscope/snapserve/server"
	"github.com/haloscope/snapserve/toml"
)

func TestNewConfig(t *testing.T) {
	c := server.NewConfig()
	assert.Equal(t, ":10467", c.Bind)
	assert.Equal(t, 2, c.Ranks)
	assert.Equal(t, "none", c.Metric.Service)
	assert.Zero(t, time.Duration(c.Metric.PollInterval))
	assert.Empty(t, c.Synth.Paths)
}

func TestConfig_UnmarshalTOML(t *testing.T) {
	doc := `
bind = "localhost:10470"
ranks = 4
log-path = "/var/log/snapserve.log"
verbose = true

[synth]
paths = ["sim/run1/snap_000", "sim/run1/snap_001"]
dm = 4096
objects = 16
boxsize = 100.0

[debug]
bind = "localhost:10471"

[metric]
service = "statsd"
host = "localhost:8125"
poll-interval = "30s"
`
	c := server.NewConfig()
	require.NoError(t, gotoml.Unmarshal([]byte(doc), c))

	assert.Equal(t, "localhost:10470", c.Bind)
	assert.Equal(t, 4, c.Ranks)
	assert.Equal(t, "/var/log/snapserve.log", c.LogPath)
	assert.True(t, c.Verbose)
	assert.Equal(t, []string{"sim/run1/snap_000", "sim/run1/snap_001"}, c.Synth.Paths)
	assert.Equal(t, 4096, c.Synth.DM)
	assert.Equal(t, 0, c.Synth.Gas)
	assert.Equal(t, 16, c.Synth.Objects)
	assert.Equal(t, 100.0, c.Synth.Boxsize)
	assert.Equal(t, "localhost:10471", c.Debug.Bind)
	assert.Equal(t, "statsd", c.Metric.Service)
	assert.Equal(t, "localhost:8125", c.Metric.Host)
	assert.Equal(t, toml.Duration(30*time.Second), c.Metric.PollInterval)
}

func TestConfig_MarshalRoundTrip(t *testing.T) {
	c := server.NewConfig()
	c.Synth.Paths = []string{"snap/007"}
	c.Metric.PollInterval = toml.Duration(90 * time.Second)

	out, err := gotoml.Marshal(*c)
	require.NoError(t, err)
	assert.Contains(t, string(out), `bind = ":10467"`)
	assert.Contains(t, string(out), `poll-interval = "1m30s"`)

	back := server.NewConfig()
	require.NoError(t, gotoml.Unmarshal(out, back))
	assert.Equal(t, c, back)
}

func TestBuildServerFlags(t *testing.T) {
	cmd := &cobra.Command{}
	srv := server.NewCommand(nil, nil, nil)
	server.BuildServerFlags(cmd, srv)

	require.NoError(t, cmd.ParseFlags([]string{
		"--bind", "localhost:10499",
		"-n", "8",
		"--synth.paths", "snap/000,snap/001",
		"--metric.service", "prometheus",
		"--metric.poll-interval", "1m",
	}))

	assert.Equal(t, "localhost:10499", srv.Config.Bind)
	assert.Equal(t, 8, srv.Config.Ranks)
	assert.Equal(t, []string{"snap/000", "snap/001"}, srv.Config.Synth.Paths)
	assert.Equal(t, "prometheus", srv.Config.Metric.Service)
	assert.Equal(t, toml.Duration(time.Minute), srv.Config.Metric.PollInterval)

	// Unset flags keep the configured defaults.
	assert.Equal(t, "none", server.NewConfig().Metric.Service)
	assert.Empty(t, srv.Config.LogPath)
}
