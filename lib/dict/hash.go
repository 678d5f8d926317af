package dict

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// Seed Generation
// --------------------------------------------------------------------------

// GenerateSeed creates a robust random seed for internal hash distribution
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fallback with the current time, only as a last resort
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString generates a hash value for a string with a seed
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution
func HashString(s string, seed uint64) uint64 {

	// FNV-1a hash with seed incorporation
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	// Start with the offset combined with the seed for uniqueness
	hash := uint64(offset64) ^ seed

	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}

	return hash
}

// HashBytes is the byte-slice variant of HashString
func HashBytes(b []byte, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed

	for i := 0; i < len(b); i++ {
		hash ^= uint64(b[i])
		hash *= prime64
	}

	return hash
}

// mix64 scrambles a 64-bit integer with shift-xor-multiply rounds.
// It is the combining step used by the table fingerprint and the
// integer-key hash. Not collision resistant, just well distributed.
func mix64(hash uint64) uint64 {
	hash = (^hash) + (hash << 21)
	hash = hash ^ (hash >> 24)
	hash = (hash + (hash << 3)) + (hash << 8)
	hash = hash ^ (hash >> 14)
	hash = (hash + (hash << 2)) + (hash << 4)
	hash = hash ^ (hash >> 28)
	hash = hash + (hash << 31)
	return hash
}

// --------------------------------------------------------------------------
// Ready-made Type descriptors
// --------------------------------------------------------------------------

// StringType returns a Type descriptor for string keys using a seeded
// FNV-1a hash. Every call generates a fresh seed so independent tables
// hash the same key differently.
func StringType[V any]() Type[string, V] {
	seed := GenerateSeed()
	return Type[string, V]{
		Hash:  func(s string) uint64 { return HashString(s, seed) },
		Equal: func(a, b string) bool { return a == b },
	}
}

// BytesType returns a Type descriptor for byte-slice keys
func BytesType[V any]() Type[[]byte, V] {
	seed := GenerateSeed()
	return Type[[]byte, V]{
		Hash: func(b []byte) uint64 { return HashBytes(b, seed) },
		Equal: func(a, b []byte) bool {
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
	}
}

// Uint64Type returns a Type descriptor for integer keys
func Uint64Type[V any]() Type[uint64, V] {
	seed := GenerateSeed()
	return Type[uint64, V]{
		Hash:  func(k uint64) uint64 { return mix64(k ^ seed) },
		Equal: func(a, b uint64) bool { return a == b },
	}
}
