// Package version provides the redisq version string.
// The version is set at build time via -ldflags.
package version

// Version is the current redisq version.
// Override at build time: go build -ldflags "-X github.com/redisq/redisq/internal/version.Version=2.0.0"
var Version = "1.0.0"

// BuildTime is the build timestamp.
// Override at build time: go build -ldflags "-X github.com/redisq/redisq/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var BuildTime = "unknown"
