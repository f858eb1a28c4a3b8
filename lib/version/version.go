// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the running certfile build.
package version

import "runtime/debug"

// Version is the release version, injected at build time via
// -ldflags "-X github.com/bureau-foundation/certfile/lib/version.Version=...".
// Empty for plain source builds.
var Version string

// Info describes the running build.
type Info struct {
	// Version is the release version, or "devel" when built from
	// source without version injection.
	Version string `json:"version"`

	// Revision is the VCS commit the binary was built from, when the
	// Go toolchain recorded one.
	Revision string `json:"revision,omitempty"`

	// Modified is true when the build had uncommitted changes.
	Modified bool `json:"modified,omitempty"`

	// GoVersion is the toolchain that produced the binary.
	GoVersion string `json:"go_version"`
}

// Current returns build information for the running binary.
func Current() Info {
	info := Info{Version: Version}
	if info.Version == "" {
		info.Version = "devel"
	}

	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = build.GoVersion
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		}
	}
	return info
}

// String returns a one-line human-readable version description.
func (i Info) String() string {
	description := i.Version
	if i.Revision != "" {
		short := i.Revision
		if len(short) > 12 {
			short = short[:12]
		}
		description += " (" + short
		if i.Modified {
			description += ", modified"
		}
		description += ")"
	}
	return description
}
