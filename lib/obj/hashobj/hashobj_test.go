package hashobj

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	m := New(DefaultConfig())

	assert.False(t, m.Set([]byte("f1"), []byte("v1")))
	assert.True(t, m.Set([]byte("f1"), []byte("v2")))

	v, ok := m.Get([]byte("f1"))
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)

	assert.True(t, m.Exists([]byte("f1")))
	assert.False(t, m.Exists([]byte("nope")))

	assert.True(t, m.Delete([]byte("f1")))
	assert.False(t, m.Delete([]byte("f1")))
	assert.Equal(t, 0, m.Len())
}

func TestValueCopied(t *testing.T) {
	m := New(DefaultConfig())
	buf := []byte("original")
	m.Set([]byte("f"), buf)
	buf[0] = 'X'

	v, _ := m.Get([]byte("f"))
	assert.Equal(t, []byte("original"), v)
}

func TestCompactInsertionOrder(t *testing.T) {
	m := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		m.Set([]byte(fmt.Sprintf("f%d", i)), []byte(fmt.Sprintf("v%d", i)))
	}
	require.Equal(t, EncodingCompact, m.Encoding())

	i := 0
	m.Range(func(field, value []byte) bool {
		assert.Equal(t, fmt.Sprintf("f%d", i), string(field))
		i++
		return true
	})
	assert.Equal(t, 10, i)
}

func TestConversionOnFieldCount(t *testing.T) {
	cfg := Config{MaxCompactEntries: 4, MaxCompactValueLen: 64}
	m := New(cfg)

	for i := 0; i < 4; i++ {
		m.Set([]byte(fmt.Sprintf("f%d", i)), []byte("v"))
	}
	assert.Equal(t, EncodingCompact, m.Encoding())

	m.Set([]byte("f4"), []byte("v"))
	assert.Equal(t, EncodingIndexed, m.Encoding())
	assert.Equal(t, 5, m.Len())
}

func TestConversionOnValueLength(t *testing.T) {
	cfg := Config{MaxCompactEntries: 128, MaxCompactValueLen: 8}
	m := New(cfg)

	m.Set([]byte("small"), []byte("v"))
	assert.Equal(t, EncodingCompact, m.Encoding())

	m.Set([]byte("big"), bytes.Repeat([]byte("x"), 9))
	assert.Equal(t, EncodingIndexed, m.Encoding())
}

// TestConversionIdempotence checks that the (field, value) set is identical
// no matter at which point of a bulk write the conversion triggers
func TestConversionIdempotence(t *testing.T) {
	collect := func(m *Map) map[string]string {
		out := map[string]string{}
		m.Range(func(f, v []byte) bool {
			out[string(f)] = string(v)
			return true
		})
		return out
	}

	flat := make([][]byte, 0, 40)
	for i := 0; i < 20; i++ {
		flat = append(flat, []byte(fmt.Sprintf("f%d", i)), []byte(fmt.Sprintf("v%d", i)))
	}

	// trigger at field 1 vs at field N of the same bulk write
	early := New(Config{MaxCompactEntries: 1, MaxCompactValueLen: 64})
	early.SetAll(flat...)
	late := New(Config{MaxCompactEntries: 19, MaxCompactValueLen: 64})
	late.SetAll(flat...)
	never := New(Config{MaxCompactEntries: 128, MaxCompactValueLen: 64})
	never.SetAll(flat...)

	assert.Equal(t, EncodingIndexed, early.Encoding())
	assert.Equal(t, EncodingIndexed, late.Encoding())
	assert.Equal(t, EncodingCompact, never.Encoding())

	want := collect(never)
	assert.Equal(t, want, collect(early))
	assert.Equal(t, want, collect(late))
}

func TestConvertIndexedIsNoOp(t *testing.T) {
	m := New(Config{MaxCompactEntries: 1, MaxCompactValueLen: 64})
	m.Set([]byte("a"), []byte("1"))
	m.Set([]byte("b"), []byte("2"))
	require.Equal(t, EncodingIndexed, m.Encoding())

	m.convert() // must not reset the table
	v, ok := m.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestDuplicateFieldIsFatal(t *testing.T) {
	m := New(Config{MaxCompactEntries: 128, MaxCompactValueLen: 64})
	// corrupt the compact form directly, bypassing the dedup in set
	m.compact = append(m.compact,
		pair{field: []byte("dup"), value: []byte("1")},
		pair{field: []byte("dup"), value: []byte("2")},
	)

	assert.Panics(t, func() { m.convert() })
}

func TestRandomField(t *testing.T) {
	m := New(Config{MaxCompactEntries: 4, MaxCompactValueLen: 64})

	_, _, ok := m.RandomField()
	assert.False(t, ok)

	for i := 0; i < 32; i++ {
		m.Set([]byte(fmt.Sprintf("f%d", i)), []byte(fmt.Sprintf("v%d", i)))
	}
	require.Equal(t, EncodingIndexed, m.Encoding())

	for i := 0; i < 100; i++ {
		f, v, ok := m.RandomField()
		require.True(t, ok)
		got, found := m.Get(f)
		require.True(t, found)
		assert.Equal(t, got, v)
	}
}

func TestIndexedDelete(t *testing.T) {
	m := New(Config{MaxCompactEntries: 2, MaxCompactValueLen: 64})
	for i := 0; i < 10; i++ {
		m.Set([]byte(fmt.Sprintf("f%d", i)), []byte("v"))
	}
	require.Equal(t, EncodingIndexed, m.Encoding())

	assert.True(t, m.Delete([]byte("f3")))
	assert.False(t, m.Exists([]byte("f3")))
	assert.Equal(t, 9, m.Len())
	// never reverts to compact
	assert.Equal(t, EncodingIndexed, m.Encoding())
}
