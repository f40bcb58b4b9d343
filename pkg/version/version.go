// Package version exposes build-time version metadata.
package version

// MarshalVersion is the semantic version string embedded at build time.
var MarshalVersion = "0.0.0-src"

// Set version at compile time with
// go build -ldflags "-X marshal/pkg/version.MarshalVersion=1.0.0" -o marshal
