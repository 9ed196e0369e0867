// Package config loads the middlewared daemon configuration.
//
// Configuration starts from Default and is overlaid by file layers, JSON or
// YAML by extension, then by MIDDLEWARED_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/middlewared.yaml")
//	loader.AddLayer("/etc/middlewared.local.yaml") // overrides the first
//	cfg, err := loader.Load()
//
// A layer only overrides the keys it sets:
//
//	jobs:
//	  log_ring_size: 128KB
//	  retention: 2d
//	log:
//	  level: debug
//
// Durations accept Go duration strings plus a day suffix ("14d"); sizes
// accept datasize strings ("64KB", "1MB").
//
// Manager holds the live configuration. Reload re-reads the layers and
// notifies OnChange subscribers of each changed top level section, which
// the daemon uses to apply log level changes on SIGHUP.
//
// File layers are read with size and nesting limits, and environment
// values are checked for length and NUL bytes.
package config
