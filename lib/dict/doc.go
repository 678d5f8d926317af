// Package dict implements the incrementally-resizable hash table that backs
// the cedar keyspace and the indexed hash-field containers.
//
// The table keeps two bucket arrays. Normally only the first is allocated;
// during a resize the second array holds the new capacity and entries
// migrate bucket-by-bucket, one small step piggybacked on every lookup,
// insert and delete. Queries probe both arrays while the migration runs, so
// the table stays fully usable at every point of a resize.
//
// Key design points:
//
//   - Entries live in an arena and chains are linked by arena index instead
//     of pointers. Unlinking stays O(1) and handles stay valid across
//     resizes because entries never move between arena slots.
//
//   - A Type descriptor supplied at construction time carries the hash
//     function, key equality, optional key/value destructors and an
//     optional expansion admission hook. The hook models copy-on-write
//     aware growth suppression while a snapshot child is alive.
//
//   - Safe iterators pause rehashing for their lifetime and permit deleting
//     the currently-yielded entry. Unsafe iterators capture a fingerprint
//     of both tables and panic on release if the table was mutated while
//     they ran.
//
//   - Scan walks the table with a reverse-binary-increment cursor. The walk
//     is stateless between calls and guarantees that every key present for
//     the entire scan is visited at least once, even if the table is
//     resized between calls.
//
// Thread-safety: the dict is strictly single-writer and performs no internal
// locking. All access must happen on one logical thread.
package dict
