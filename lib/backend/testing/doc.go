// Package testing provides a shared conformance suite for backend.Backend
// implementations and an in-memory fake backend for the packages built on top of
// the storage contract.
//
// The package contains:
//   - RunBackendTests: validates the storage contract (upsert, absence, delete no-op,
//     enumeration, persistence across reopen, closed errors, batching)
//   - RunBackendBenchmarks: throughput of the single key operations
//   - Memory: a concurrency-safe fake with fault injection, call counters and a
//     gauge for the number of concurrently running write batches
//
// Example usage:
//
//	// a medium factory returns an opener; every opener call creates a new,
//	// unconnected backend over the same medium
//	factory := func(t testing.TB) func() backend.Backend {
//		dir := t.TempDir()
//		return func() backend.Backend { return sqlite.New(dir, backend.DefaultSchema()) }
//	}
//
//	backendtesting.RunBackendTests(t, "sqlite", factory)
package testing
