// Package hashobj implements the hash-field container: a map of byte-string
// fields to byte-string values that is polymorphic over two representations.
//
// Small maps use a compact flat sequence of field/value pairs searched by
// linear scan, which is cache friendly and allocation free per lookup. Once
// the field count or any single field/value length crosses the configured
// thresholds the map converts to an indexed representation backed by the
// incremental hash table from lib/dict. The conversion is one-way: an
// indexed map never reverts to compact within its lifetime.
package hashobj
