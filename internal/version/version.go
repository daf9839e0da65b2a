// SPDX-License-Identifier: MIT

// Package version carries the build identity stamped in via ldflags.
package version

var (
	// Version is the current release. The build system overrides it:
	//
	//	-ldflags "-X github.com/renewtv/renewd/internal/version.Version=v1.4.0"
	Version = "v0.0.0-dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
