// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package versions reports build information for authworker.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknown = "unknown"

// Set at build time with -ldflags "-X ...versions.Version=v1.2.3".
var (
	Version   = "dev"
	Commit    = unknown
	BuildDate = unknown
)

// Info is the build information of the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information, falling back to VCS settings embedded
// by the Go toolchain for development builds.
func Get() Info {
	return resolve(Version, Commit, BuildDate, vcsSettings())
}

func vcsSettings() map[string]string {
	settings := map[string]string{}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			settings[s.Key] = s.Value
		}
	}
	return settings
}

func resolve(version, commit, buildDate string, vcs map[string]string) Info {
	if version == "dev" {
		if commit == unknown && vcs["vcs.revision"] != "" {
			commit = vcs["vcs.revision"]
		}
		if buildDate == unknown && vcs["vcs.time"] != "" {
			buildDate = vcs["vcs.time"]
		}
		version = fmt.Sprintf("build-%.*s", 8, commit)
	}
	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 MST")
	}

	return Info{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("authworker %s (commit %s, built %s, %s %s)",
		i.Version, i.Commit, i.BuildDate, i.GoVersion, i.Platform)
}
