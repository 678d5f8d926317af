// Package cmd implements the command-line interface for the cedar
// key-value engine. It provides a hierarchical command structure for
// inspecting and exercising the engine.
//
// The package is organized into several subpackages:
//
//   - checkaof: Validate and repair append-only log files
//   - bench: In-process benchmarks over the engine's hot paths
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See cedar -help for a list of all commands.
package cmd
