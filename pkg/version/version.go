// Package version holds the build-time version string, overridden at
// link time with -ldflags "-X .../pkg/version.Version=...".
package version

// Version is set at build time; "dev" marks a non-release build.
var Version = "dev"
