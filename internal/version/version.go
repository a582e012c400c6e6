// Package version exposes the build metadata stamped into the proxy
// binary via -ldflags at release time.
package version

import "runtime"

// A from-source build reports these defaults; release builds overwrite
// them with -X flags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "none"
)

// GoVersion reports the toolchain the binary was built with.
func GoVersion() string { return runtime.Version() }
