// Package buildinfo exposes version metadata stamped at build time.
package buildinfo

// Version is overridden via -ldflags "-X loom/internal/buildinfo.Version=...".
var Version = "dev"
