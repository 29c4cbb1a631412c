// Package version derives the daemon's version string from build
// metadata. A -ldflags override wins, then the VCS revision stamped by
// the toolchain, then "dev".
package version

import "runtime/debug"

// AppName identifies the daemon in version strings, logs, and the MCP
// client handshake.
const AppName = "orchd"

// commitOverride is set with -ldflags for builds where the .git
// directory is not present.
var commitOverride string

// GitCommit is the short commit hash, or "dev" when nothing stamped the
// build (go test, source tarballs).
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "orchd/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
