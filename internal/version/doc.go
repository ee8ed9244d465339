// Package version carries the build metadata injected via ldflags and
// renders it for CLI output.
package version
