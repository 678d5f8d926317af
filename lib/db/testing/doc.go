// Package testing provides standardised tests and benchmarks for the
// engine's dataset.
//
// The package contains:
//   - testing: A test suite validating store semantics, expiry behavior,
//     command-sink observation and replay convergence
//   - benchmark: Performance tests for measuring throughput of common
//     dataset operations
//
// Example usage:
//
//	// Creating a factory function
//	factory := func() *db.Store {
//		return db.New(db.DefaultConfig())
//	}
//
//	// Running the standard test suite
//	testing.RunStoreTests(t, "Store", factory)
//
//	// Running performance benchmarks
//	testing.RunStoreBenchmarks(b, "Store", factory)
package testing
