// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package snapserve

import (
	"runtime"
	"time"
)

// Version information, wired in at build time via -ldflags.
var (
	Version   string
	Commit    string
	BuildTime string
	GoVersion = runtime.Version()
)

// VersionInfo returns a one-line human-readable description of this build.
func VersionInfo() string {
	version := Version
	if version == "" {
		version = "v0.x"
	}
	buildTime := BuildTime
	if buildTime != "" {
		// Normalize the build time into a friendly format in the user's time zone.
		if t, err := time.Parse("2006-01-02T15:04:05+0000", BuildTime); err == nil {
			buildTime = t.Local().Format("Jan _2 2006 3:04PM")
		}
	}
	var suffix string
	switch {
	case Commit != "" && buildTime != "":
		suffix = " (" + buildTime + ", " + Commit + ")"
	case Commit != "":
		suffix = " (" + Commit + ")"
	case buildTime != "":
		suffix = " (" + buildTime + ")"
	}
	return "snapserve " + version + suffix + " " + GoVersion
}
