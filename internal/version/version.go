package version

import "runtime/debug"

// Set at build time with -ldflags "-X github.com/bnema/agentloop/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

// String returns the version, falling back to module build info for
// `go install` builds.
func String() string {
	v := Version
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	if Commit != "" {
		v += " (" + Commit + ")"
	}
	return v
}
