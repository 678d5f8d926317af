// Package obj defines the value object model shared by the dataset, the
// append-only log writer and the rewrite engine: a reference-counted Object
// wrapping a closed union of value representations (string, list, set,
// sorted set, hash, stream).
//
// The composite types here intentionally carry only the iteration, length
// and append contracts the core needs. Specialised encodings (compact
// lists, skiplists, radix-tree streams) are external collaborators and out
// of scope.
package obj
