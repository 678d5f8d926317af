// Package db implements the in-memory dataset of the engine.
//
// The dataset is a fixed array of numbered namespaces. Each namespace is
// a pair of incremental hash tables: the key index mapping key names to
// reference-counted objects, and the expiry index mapping key names to
// absolute unix-millisecond deadlines.
//
// The package focuses on:
//   - Single-writer mutation: every operation must run on one logical
//     engine thread, matching the dict package underneath
//   - Write observation: a CommandSink attached to the store receives
//     every applied write in wire-argument form, which is how the
//     append-only log writer records the mutation stream
//   - Deterministic replay: the Executor applies logged commands back to
//     the store without re-feeding them to the sink
//
// Key Components:
//
//   - Store: The dataset handle. Holds the namespaces, the injectable
//     clock, the optional CommandSink and the optional DeferFree hook
//     that moves large value releases to a background worker.
//
//   - Database: One namespace, exposing read-side access (Range, Len,
//     ExpireAt) for the rewrite engine and for tests.
//
//   - Executor: The replay dispatcher. Parses SELECT, SET, DEL,
//     PEXPIREAT, RPUSH, LPUSH, SADD, ZADD, HSET and the stream commands
//     and applies them through non-feeding internal helpers.
//
//   - Snapshot: A point-in-time copy of the dataset, safe to walk from
//     another goroutine while the engine keeps writing. The log rewrite
//     serializes a snapshot instead of the live tables.
//
// Note on Expiry:
//   - Keys are removed lazily on access and proactively by
//     ActiveExpireCycle, which samples the expiry index fairly.
//   - Every expiry-driven removal is propagated to the sink as an
//     explicit DEL. A replayed log therefore converges to the same
//     dataset even when replayed on a machine with a different clock.
//
// Related Packages:
//
// The dict package (github.com/ValentinKolb/cedar/lib/dict) provides the
// incremental hash table both indexes are built on.
//
// The obj package (github.com/ValentinKolb/cedar/lib/obj) provides the
// reference-counted value types the key index stores.
//
// The testing package (github.com/ValentinKolb/cedar/lib/db/testing)
// provides a standardized test and benchmark suite for the store.
package db
