package hashobj

import (
	"fmt"
	"math/rand/v2"

	"github.com/ValentinKolb/cedar/lib/dict"
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config controls when a compact map converts to the indexed representation
type Config struct {
	// MaxCompactEntries is the field count above which the map converts
	MaxCompactEntries int

	// MaxCompactValueLen is the byte length of a single field or value
	// above which the map converts
	MaxCompactValueLen int
}

// DefaultConfig returns the default conversion thresholds
func DefaultConfig() Config {
	return Config{
		MaxCompactEntries:  128,
		MaxCompactValueLen: 64,
	}
}

// --------------------------------------------------------------------------
// Representation
// --------------------------------------------------------------------------

// Encoding identifies the current representation of a Map
type Encoding uint8

const (
	// EncodingCompact is an ordered flat sequence of field/value pairs
	// searched by linear scan
	EncodingCompact Encoding = iota

	// EncodingIndexed wraps a hash table keyed by field
	EncodingIndexed
)

func (e Encoding) String() string {
	switch e {
	case EncodingCompact:
		return "compact"
	case EncodingIndexed:
		return "indexed"
	default:
		return "unknown"
	}
}

type pair struct {
	field []byte
	value []byte
}

// Map is the hash-field container. It starts compact and converts one-way
// to the indexed representation once the configured thresholds are crossed.
//
// Thread-safety: like the dict underneath, a Map is single-writer and
// performs no internal locking.
type Map struct {
	cfg Config
	enc Encoding

	compact []pair
	indexed *dict.Dict[string, []byte]
}

// New creates an empty compact map
func New(cfg Config) *Map {
	return &Map{cfg: cfg, enc: EncodingCompact}
}

// Encoding returns the current representation
func (m *Map) Encoding() Encoding {
	return m.enc
}

// Len returns the number of fields
func (m *Map) Len() int {
	if m.enc == EncodingIndexed {
		return m.indexed.Len()
	}
	return len(m.compact)
}

// --------------------------------------------------------------------------
// Field Operations
// --------------------------------------------------------------------------

// compactIndex returns the position of field in the compact sequence
func (m *Map) compactIndex(field []byte) int {
	for i := range m.compact {
		if string(m.compact[i].field) == string(field) {
			return i
		}
	}
	return -1
}

// Set stores value under field and reports whether an existing field was
// updated (true) or a new one inserted (false). Field and value bytes are
// copied; the caller keeps ownership of its slices.
func (m *Map) Set(field, value []byte) bool {
	updated := m.set(field, value)
	m.convertIfNeeded()
	return updated
}

// SetAll applies a bulk write of field/value pairs (given flat, so an even
// number of slices) and checks the conversion trigger once afterwards
func (m *Map) SetAll(fieldValues ...[]byte) {
	if len(fieldValues)%2 != 0 {
		panic("hashobj: SetAll requires an even number of arguments")
	}
	for i := 0; i < len(fieldValues); i += 2 {
		m.set(fieldValues[i], fieldValues[i+1])
	}
	m.convertIfNeeded()
}

func (m *Map) set(field, value []byte) bool {
	if m.enc == EncodingIndexed {
		return m.indexed.Set(string(field), append([]byte(nil), value...))
	}
	if i := m.compactIndex(field); i >= 0 {
		m.compact[i].value = append([]byte(nil), value...)
		return true
	}
	m.compact = append(m.compact, pair{
		field: append([]byte(nil), field...),
		value: append([]byte(nil), value...),
	})
	return false
}

// Get returns the value stored under field
func (m *Map) Get(field []byte) ([]byte, bool) {
	if m.enc == EncodingIndexed {
		return m.indexed.Get(string(field))
	}
	if i := m.compactIndex(field); i >= 0 {
		return m.compact[i].value, true
	}
	return nil, false
}

// Exists reports whether field is present
func (m *Map) Exists(field []byte) bool {
	_, ok := m.Get(field)
	return ok
}

// Delete removes field and reports whether it existed
func (m *Map) Delete(field []byte) bool {
	if m.enc == EncodingIndexed {
		return m.indexed.Delete(string(field))
	}
	if i := m.compactIndex(field); i >= 0 {
		m.compact = append(m.compact[:i], m.compact[i+1:]...)
		return true
	}
	return false
}

// Range iterates all field/value pairs. The order is the insertion order
// for the compact representation and unspecified for the indexed one.
// Iteration stops early when fn returns false.
func (m *Map) Range(fn func(field, value []byte) bool) {
	if m.enc == EncodingIndexed {
		m.indexed.Range(func(k string, v []byte) bool {
			return fn([]byte(k), v)
		})
		return
	}
	for i := range m.compact {
		if !fn(m.compact[i].field, m.compact[i].value) {
			return
		}
	}
}

// RandomField returns a random field/value pair. The indexed representation
// delegates to the table's fair sampler.
func (m *Map) RandomField() (field, value []byte, ok bool) {
	if m.Len() == 0 {
		return nil, nil, false
	}
	if m.enc == EncodingIndexed {
		h, found := m.indexed.FairRandomEntry()
		if !found {
			return nil, nil, false
		}
		return []byte(h.Key()), h.Value(), true
	}
	p := m.compact[rand.IntN(len(m.compact))]
	return p.field, p.value, true
}

// --------------------------------------------------------------------------
// Conversion
// --------------------------------------------------------------------------

// convertIfNeeded applies the one-way compact to indexed conversion once a
// threshold is crossed
func (m *Map) convertIfNeeded() {
	if m.enc == EncodingIndexed {
		return
	}
	if len(m.compact) <= m.cfg.MaxCompactEntries && !m.anyOversized() {
		return
	}
	m.convert()
}

func (m *Map) anyOversized() bool {
	for i := range m.compact {
		if len(m.compact[i].field) > m.cfg.MaxCompactValueLen ||
			len(m.compact[i].value) > m.cfg.MaxCompactValueLen {
			return true
		}
	}
	return false
}

// convert replays the compact sequence into a fresh hash table. A duplicate
// field in the compact form indicates upstream corruption and is fatal.
// Converting an already-indexed map is a no-op.
func (m *Map) convert() {
	if m.enc == EncodingIndexed {
		return
	}
	d := dict.New(dict.StringType[[]byte]())
	for i := range m.compact {
		if !d.Add(string(m.compact[i].field), m.compact[i].value) {
			panic(fmt.Sprintf("hashobj: duplicate field %q in compact representation", m.compact[i].field))
		}
	}
	m.indexed = d
	m.compact = nil
	m.enc = EncodingIndexed
}
