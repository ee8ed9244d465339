package version

import "fmt"

var (
	// Version is the semantic version of this build. Overridden via
	// ldflags on release builds.
	Version = "1.0.0"
	// Commit is the short git hash the build was cut from, "none" for
	// local builds.
	Commit = "none"
	// BuildTime is the UTC timestamp of the build, "unknown" for local
	// builds.
	BuildTime = "unknown"
)

// Short returns just the semantic version.
func Short() string {
	return Version
}

// Full returns the version with commit hash and build timestamp.
func Full() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s", Version, Commit, BuildTime)
}
