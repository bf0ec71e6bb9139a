// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package version

import (
	"fmt"
	"strings"
)

var (
	// GitCommit is the git commit the binary was built from, injected via
	// -ldflags at build time.
	GitCommit string

	// GitDescribe is the output of `git describe --tags`, when the build
	// is cut from an exact tag.
	GitDescribe string

	// Version, VersionPrerelease, and VersionMetadata compose the
	// semantic version string.
	Version           = "0.1.0"
	VersionPrerelease = "dev"
	VersionMetadata   = ""
)

// GetHumanVersion composes the human-readable version string reported by
// `azmanagers version` and the agent's startup log line.
func GetHumanVersion() string {
	version := Version
	if GitDescribe != "" {
		version = GitDescribe
	}

	release := VersionPrerelease
	if release != "" && !strings.HasSuffix(version, "-"+release) {
		version += fmt.Sprintf("-%s", release)
	}

	version = fmt.Sprintf("v%s", strings.TrimPrefix(version, "v"))

	if VersionMetadata != "" {
		version += fmt.Sprintf("+%s", VersionMetadata)
	}

	if GitDescribe == "" && GitCommit != "" {
		version += fmt.Sprintf(" (%s)", GitCommit)
	}

	return version
}
