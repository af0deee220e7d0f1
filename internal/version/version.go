// Package version carries the build stamp set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is when the binary was built.
	BuildTime = "unknown"
)

// String formats the build stamp for logs and -version.
func String() string {
	return fmt.Sprintf("rover %s (%s, built %s)", Version, GitSHA, BuildTime)
}
