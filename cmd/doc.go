// Package cmd implements the command-line interface of dVar. Every command
// opens the configured backend, loads the cache, runs and closes the backend
// again, so pending writes are flushed before the process exits.
//
// The package is organized into several subpackages:
//
//   - vars: Commands for variables (set, add, rem, delete, get, userclear, ...)
//   - storage: Commands for the storage backend (info, migrate, export)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dvar -help for a list of all commands.
package cmd
