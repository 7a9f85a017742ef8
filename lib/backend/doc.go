// Package backend defines the durable storage contract shared by all dVar
// storage media.
//
// The package focuses on:
//   - A single Backend interface with exact-key, prefix and full enumeration access
//   - Optional capabilities discovered through type assertion (BatchCapable, RawConnProvider)
//   - Feature flags summarising those capabilities for logging and diagnostics
//   - A typed Error with return codes shared by all implementations
//
// Key Components:
//
//   - Backend Interface: Connect, Set, Get, Delete, Keys, KeysWithPrefix, Entries and
//     Close. Get reports absence with found=false and never fails for a missing key.
//     Delete of a missing key is a no-op. After Close every operation fails with an
//     Error carrying RetCClosed.
//
//   - BatchCapable: backends that can wrap a sequence of Set/Delete calls in one
//     atomic unit. EndBatch must be called exactly once per BeginBatch, on the
//     failure path too, with commit=false to roll back.
//
//   - RawConnProvider: backends that hand out their *sql.DB pool together with the
//     upsert/delete statements matching their schema so that callers can build their
//     own transaction.
//
//   - Type: the configured storage medium (sqlite, mysql, mariadb, yaml).
//
// Implementations live in the engines subpackages:
//
//   - engines/sqlite: embedded single-file store (modernc.org/sqlite), WAL mode, batching
//   - engines/mysql: pooled networked store (go-sql-driver/mysql), raw connection access
//   - engines/yaml: flat-file store with a debounced background save
//
// The testing subpackage provides a conformance suite (RunBackendTests) that every
// implementation runs, plus an in-memory fake used by the higher layers.
package backend
