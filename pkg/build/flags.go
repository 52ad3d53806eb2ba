// SPDX-License-Identifier: MIT
//
// Package build manages build information embedded into the binary at
// compile time via linker flags: application name, build timestamp, Git
// commit hash, and semantic version. Used for the --version output and
// startup logging.
package build

type ldFlags struct {
	Name    string
	Time    string
	Commit  string
	Version string
}

// Package-level variables for build information. These are populated by -ldflags
// during compilation, for example:
//
//	go build -ldflags "-X lumen/pkg/build.buildVersion=0.3.0"
//
// Unset flags keep their development defaults.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = &ldFlags{
		Name:    "lumen",
		Time:    "unknown",
		Commit:  "unknown",
		Version: "dev",
	}
)

// Initialize copies build information from ldflags variables into the
// buildFlags struct. Must be called early in program startup; flags left
// empty by the build keep their development defaults.
func Initialize() {
	if buildName != "" {
		buildFlags.Name = buildName
	}
	if buildTime != "" {
		buildFlags.Time = buildTime
	}
	if buildCommit != "" {
		buildFlags.Commit = buildCommit
	}
	if buildVersion != "" {
		buildFlags.Version = buildVersion
	}
}

// GetBuildFlags returns the current build information. Call Initialize()
// first so ldflags values are applied.
func GetBuildFlags() *ldFlags {
	return buildFlags
}
