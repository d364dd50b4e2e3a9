// Package version provides build-time version information.
package version

import "fmt"

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/javanstorm/vmkitchen/internal/version.Version=1.0.0 \
//	                   -X github.com/javanstorm/vmkitchen/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/javanstorm/vmkitchen/internal/version.BuildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	// Version is the semantic version of the application.
	Version = "dev"

	// Commit is the git commit SHA at build time.
	Commit = "unknown"

	// BuildDate is the date when the binary was built.
	BuildDate = "unknown"
)

// String returns the one-line version banner.
func String() string {
	return fmt.Sprintf("vmkitchen %s (%s, built %s)", Version, Commit, BuildDate)
}
