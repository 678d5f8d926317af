package dict

import (
	"errors"
	"math/bits"
	"math/rand/v2"
	"time"
	"unsafe"
)

// --------------------------------------------------------------------------
// Constants and Errors
// --------------------------------------------------------------------------

const (
	// initialSize is the capacity of the first bucket array allocation
	initialSize = 4

	// forceResizeRatio is the used/size ratio at which the table grows
	// even when resizing has been disabled
	forceResizeRatio = 5

	// noEntry terminates bucket chains and the free list
	noEntry int32 = -1

	// rehashNone marks the table as not rehashing
	rehashNone int64 = -1
)

var (
	// ErrRehashing is returned when an expansion is requested while an
	// incremental rehash is already in progress
	ErrRehashing = errors.New("dict: expand rejected while rehashing")

	// ErrSizeTooSmall is returned when the requested capacity cannot hold
	// the live entries
	ErrSizeTooSmall = errors.New("dict: requested size below live entry count")

	// ErrExpandDenied is returned when the admission hook vetoes the
	// memory/ratio tradeoff of an expansion
	ErrExpandDenied = errors.New("dict: expansion denied by admission hook")
)

// --------------------------------------------------------------------------
// Type Descriptor
// --------------------------------------------------------------------------

// Type is the capability descriptor supplied at table construction time.
// Hash and Equal are mandatory, everything else is optional.
type Type[K, V any] struct {
	// Hash computes the hash of a key
	Hash func(key K) uint64

	// Equal reports whether two keys are the same
	Equal func(a, b K) bool

	// OnKeyRelease is invoked when the table destroys a key (optional)
	OnKeyRelease func(key K)

	// OnValueRelease is invoked when the table destroys a value (optional)
	OnValueRelease func(value V)

	// ExpandAllowed can veto a grow operation based on the memory the new
	// bucket array would take and the current load factor (optional).
	// This models growth suppression while a snapshot child is alive.
	ExpandAllowed func(newBytes uintptr, usedRatio float64) bool
}

// --------------------------------------------------------------------------
// Internal Structures
// --------------------------------------------------------------------------

// entry is an arena slot. Chains are linked by arena index instead of
// pointers so unlinking stays O(1) without aliasing ambiguity.
type entry[K, V any] struct {
	key   K
	value V
	next  int32
}

// table is one of the two bucket arrays
type table struct {
	buckets  []int32 // head arena index per bucket, noEntry when empty
	sizemask uint64  // len(buckets)-1
	used     uint64  // live entries in this table
}

func (t *table) size() uint64 {
	return uint64(len(t.buckets))
}

func (t *table) reset() {
	t.buckets = nil
	t.sizemask = 0
	t.used = 0
}

// --------------------------------------------------------------------------
// Dict
// --------------------------------------------------------------------------

// Dict is an incrementally-resizable chained hash table. While a resize is
// in progress entries live in two bucket arrays and migrate bucket-by-bucket,
// piggybacked on ordinary operations, instead of in one stop-the-world pass.
//
// Thread-safety: Dict is not safe for concurrent use. All mutation must
// happen on one logical thread; concurrent readers are not supported either.
type Dict[K, V any] struct {
	typ Type[K, V]

	ht [2]table

	// rehashIdx is the next ht[0] bucket to migrate, rehashNone when idle.
	// Every bucket below rehashIdx is guaranteed empty.
	rehashIdx int64

	// pauseRehash suppresses the piggybacked rehash step while safe
	// iterators are alive
	pauseRehash int

	// entry arena shared by both tables
	entries  []entry[K, V]
	freeHead int32

	resizeEnabled bool
}

// New creates an empty table from a type descriptor. No bucket memory is
// allocated until the first insert.
func New[K, V any](typ Type[K, V]) *Dict[K, V] {
	if typ.Hash == nil || typ.Equal == nil {
		panic("dict: Type.Hash and Type.Equal are mandatory")
	}
	d := &Dict[K, V]{
		typ:       typ,
		rehashIdx: rehashNone,
		freeHead:  noEntry,
	}
	d.ht[0].reset()
	d.ht[1].reset()
	d.resizeEnabled = true
	return d
}

// Len returns the number of live entries
func (d *Dict[K, V]) Len() int {
	return int(d.ht[0].used + d.ht[1].used)
}

// BucketCount returns the total number of buckets across both tables
func (d *Dict[K, V]) BucketCount() int {
	return len(d.ht[0].buckets) + len(d.ht[1].buckets)
}

// Rehashing reports whether an incremental rehash is in progress
func (d *Dict[K, V]) Rehashing() bool {
	return d.rehashIdx != rehashNone
}

// SetResizeEnabled toggles automatic growing/shrinking. Even when disabled
// the table still grows once used/size exceeds forceResizeRatio.
func (d *Dict[K, V]) SetResizeEnabled(enabled bool) {
	d.resizeEnabled = enabled
}

// --------------------------------------------------------------------------
// Arena Management
// --------------------------------------------------------------------------

// allocEntry takes a slot from the free list or appends one
func (d *Dict[K, V]) allocEntry(key K) int32 {
	if d.freeHead != noEntry {
		idx := d.freeHead
		d.freeHead = d.entries[idx].next
		d.entries[idx].key = key
		d.entries[idx].next = noEntry
		return idx
	}
	d.entries = append(d.entries, entry[K, V]{key: key, next: noEntry})
	return int32(len(d.entries) - 1)
}

// releaseEntry runs the destructors and returns the slot to the free list
func (d *Dict[K, V]) releaseEntry(idx int32) {
	e := &d.entries[idx]
	if d.typ.OnKeyRelease != nil {
		d.typ.OnKeyRelease(e.key)
	}
	if d.typ.OnValueRelease != nil {
		d.typ.OnValueRelease(e.value)
	}
	var zero entry[K, V]
	*e = zero
	e.next = d.freeHead
	d.freeHead = idx
}

// recycleEntry returns an already-unlinked slot without running destructors
func (d *Dict[K, V]) recycleEntry(idx int32) {
	var zero entry[K, V]
	d.entries[idx] = zero
	d.entries[idx].next = d.freeHead
	d.freeHead = idx
}

// --------------------------------------------------------------------------
// Handles
// --------------------------------------------------------------------------

// Handle references a live entry by arena index. A handle stays valid until
// the entry it names is deleted; it never dangles across resizes because the
// arena never moves entries between slots.
type Handle[K, V any] struct {
	d   *Dict[K, V]
	idx int32
}

// Key returns the entry key
func (h Handle[K, V]) Key() K {
	return h.d.entries[h.idx].key
}

// Value returns the entry value
func (h Handle[K, V]) Value() V {
	return h.d.entries[h.idx].value
}

// SetValue replaces the entry value without running the value destructor
func (h Handle[K, V]) SetValue(v V) {
	h.d.entries[h.idx].value = v
}

// ReplaceValue releases the old value and stores the new one
func (h Handle[K, V]) ReplaceValue(v V) {
	if h.d.typ.OnValueRelease != nil {
		h.d.typ.OnValueRelease(h.d.entries[h.idx].value)
	}
	h.d.entries[h.idx].value = v
}

// --------------------------------------------------------------------------
// Expansion and Rehashing
// --------------------------------------------------------------------------

// nextPower rounds up to the next power of two, at least initialSize
func nextPower(size uint64) uint64 {
	if size <= initialSize {
		return initialSize
	}
	return 1 << bits.Len64(size-1)
}

// TryExpand grows (or initially allocates) the bucket array to hold at
// least size entries. It is the non-fatal path: refusal is reported as an
// error instead of terminating the process.
func (d *Dict[K, V]) TryExpand(size uint64) error {
	if d.Rehashing() {
		return ErrRehashing
	}
	if size < d.ht[0].used {
		return ErrSizeTooSmall
	}

	realSize := nextPower(size)
	if realSize == d.ht[0].size() {
		return nil
	}

	if d.typ.ExpandAllowed != nil {
		newBytes := uintptr(realSize) * unsafe.Sizeof(int32(0))
		ratio := 1.0
		if s := d.ht[0].size(); s > 0 {
			ratio = float64(d.ht[0].used) / float64(s)
		}
		if !d.typ.ExpandAllowed(newBytes, ratio) {
			return ErrExpandDenied
		}
	}

	buckets := make([]int32, realSize)
	for i := range buckets {
		buckets[i] = noEntry
	}

	newTable := table{buckets: buckets, sizemask: realSize - 1}

	// the very first allocation becomes ht[0] directly, no rehash needed
	if d.ht[0].buckets == nil {
		d.ht[0] = newTable
		return nil
	}

	d.ht[1] = newTable
	d.rehashIdx = 0
	return nil
}

// expand is the fatal-by-convention variant used from insert paths
func (d *Dict[K, V]) expand(size uint64) {
	if err := d.TryExpand(size); err != nil && !errors.Is(err, ErrExpandDenied) {
		panic(err)
	}
}

// expandIfNeeded applies the load-factor policy before an insert
func (d *Dict[K, V]) expandIfNeeded() {
	if d.Rehashing() {
		return
	}

	if d.ht[0].buckets == nil {
		d.expand(initialSize)
		return
	}

	used, size := d.ht[0].used, d.ht[0].size()
	if used >= size && (d.resizeEnabled || used/size > forceResizeRatio) {
		d.expand(used + 1)
	}
}

// Resize shrinks (or grows) the table to the smallest power of two that
// holds the current live entries
func (d *Dict[K, V]) Resize() error {
	if !d.resizeEnabled {
		return ErrExpandDenied
	}
	if d.Rehashing() {
		return ErrRehashing
	}
	minimal := d.ht[0].used
	if minimal < initialSize {
		minimal = initialSize
	}
	return d.TryExpand(minimal)
}

// RehashStep migrates up to n non-empty buckets from ht[0] to ht[1] and
// reports whether rehashing is still in progress afterwards. To bound the
// work on sparse tables it gives up after visiting n*10 buckets in total.
func (d *Dict[K, V]) RehashStep(n int) bool {
	emptyVisits := n * 10
	if !d.Rehashing() {
		return false
	}

	for n > 0 && d.ht[0].used != 0 {
		// skip the already-empty span, bounded
		for d.ht[0].buckets[d.rehashIdx] == noEntry {
			d.rehashIdx++
			emptyVisits--
			if emptyVisits == 0 {
				return true
			}
		}

		// relink the whole chain into ht[1]
		idx := d.ht[0].buckets[d.rehashIdx]
		for idx != noEntry {
			next := d.entries[idx].next
			h := d.typ.Hash(d.entries[idx].key) & d.ht[1].sizemask
			d.entries[idx].next = d.ht[1].buckets[h]
			d.ht[1].buckets[h] = idx
			d.ht[0].used--
			d.ht[1].used++
			idx = next
		}
		d.ht[0].buckets[d.rehashIdx] = noEntry
		d.rehashIdx++
		n--
	}

	// promote ht[1] once the old table is drained
	if d.ht[0].used == 0 {
		d.ht[0] = d.ht[1]
		d.ht[1].reset()
		d.rehashIdx = rehashNone
		return false
	}
	return true
}

// RehashMilliseconds rehashes in 100-bucket steps until the wall-clock
// budget is spent. Returns the number of steps performed.
func (d *Dict[K, V]) RehashMilliseconds(ms int) int {
	deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
	steps := 0
	for d.RehashStep(100) {
		steps++
		if time.Now().After(deadline) {
			break
		}
	}
	return steps
}

// rehashStepLazy is the single step piggybacked on reads and writes. It is
// skipped while a safe iterator holds rehashing paused.
func (d *Dict[K, V]) rehashStepLazy() {
	if d.pauseRehash == 0 {
		d.RehashStep(1)
	}
}

// --------------------------------------------------------------------------
// Lookup / Insert / Delete
// --------------------------------------------------------------------------

// find locates key and returns (table, bucket, prev index, entry index).
// prev is noEntry when the entry heads its chain.
func (d *Dict[K, V]) find(key K) (tbl int, bucket uint64, prev, idx int32) {
	if d.Len() == 0 {
		return 0, 0, noEntry, noEntry
	}
	hash := d.typ.Hash(key)
	for t := 0; t <= 1; t++ {
		if d.ht[t].buckets == nil {
			break
		}
		b := hash & d.ht[t].sizemask
		prev = noEntry
		idx = d.ht[t].buckets[b]
		for idx != noEntry {
			if d.typ.Equal(d.entries[idx].key, key) {
				return t, b, prev, idx
			}
			prev = idx
			idx = d.entries[idx].next
		}
		if !d.Rehashing() {
			break
		}
	}
	return 0, 0, noEntry, noEntry
}

// Find returns a handle to the entry for key
func (d *Dict[K, V]) Find(key K) (Handle[K, V], bool) {
	if d.Rehashing() {
		d.rehashStepLazy()
	}
	_, _, _, idx := d.find(key)
	if idx == noEntry {
		return Handle[K, V]{}, false
	}
	return Handle[K, V]{d: d, idx: idx}, true
}

// Get is a convenience wrapper around Find returning the value
func (d *Dict[K, V]) Get(key K) (V, bool) {
	h, ok := d.Find(key)
	if !ok {
		var zero V
		return zero, false
	}
	return h.Value(), true
}

// AddOrFind either inserts a fresh empty-valued entry for key (the caller
// fills the value through the handle) or returns the existing entry with
// existed=true. One rehash step is performed first if rehashing is active.
func (d *Dict[K, V]) AddOrFind(key K) (Handle[K, V], bool) {
	if d.Rehashing() {
		d.rehashStepLazy()
	}

	if _, _, _, idx := d.find(key); idx != noEntry {
		return Handle[K, V]{d: d, idx: idx}, true
	}

	d.expandIfNeeded()

	// insert into ht[1] while rehashing, else ht[0]
	t := 0
	if d.Rehashing() {
		t = 1
	}
	b := d.typ.Hash(key) & d.ht[t].sizemask
	idx := d.allocEntry(key)
	d.entries[idx].next = d.ht[t].buckets[b]
	d.ht[t].buckets[b] = idx
	d.ht[t].used++
	return Handle[K, V]{d: d, idx: idx}, false
}

// Add inserts key with value, failing if the key already exists
func (d *Dict[K, V]) Add(key K, value V) bool {
	h, existed := d.AddOrFind(key)
	if existed {
		return false
	}
	h.SetValue(value)
	return true
}

// Set inserts or replaces the value for key and reports whether it was an
// update of an existing entry
func (d *Dict[K, V]) Set(key K, value V) bool {
	h, existed := d.AddOrFind(key)
	if existed {
		h.ReplaceValue(value)
		return true
	}
	h.SetValue(value)
	return false
}

// unlink removes the located entry from its chain
func (d *Dict[K, V]) unlink(tbl int, bucket uint64, prev, idx int32) {
	if prev == noEntry {
		d.ht[tbl].buckets[bucket] = d.entries[idx].next
	} else {
		d.entries[prev].next = d.entries[idx].next
	}
	d.entries[idx].next = noEntry
	d.ht[tbl].used--
}

// Delete removes key and destroys its entry
func (d *Dict[K, V]) Delete(key K) bool {
	if d.Rehashing() {
		d.rehashStepLazy()
	}
	tbl, bucket, prev, idx := d.find(key)
	if idx == noEntry {
		return false
	}
	d.unlink(tbl, bucket, prev, idx)
	d.releaseEntry(idx)
	return true
}

// Unlink detaches the entry for key without destroying it, enabling
// use-then-free patterns without a second lookup. The caller must finalize
// the entry with FreeUnlinked.
func (d *Dict[K, V]) Unlink(key K) (Handle[K, V], bool) {
	if d.Rehashing() {
		d.rehashStepLazy()
	}
	tbl, bucket, prev, idx := d.find(key)
	if idx == noEntry {
		return Handle[K, V]{}, false
	}
	d.unlink(tbl, bucket, prev, idx)
	return Handle[K, V]{d: d, idx: idx}, true
}

// FreeUnlinked destroys an entry previously detached with Unlink
func (d *Dict[K, V]) FreeUnlinked(h Handle[K, V]) {
	d.releaseEntry(h.idx)
}

// Clear drains both tables, runs all destructors and frees the backing
// arrays. The dict is reusable afterwards.
func (d *Dict[K, V]) Clear() {
	for t := 0; t <= 1; t++ {
		for _, head := range d.ht[t].buckets {
			for head != noEntry {
				next := d.entries[head].next
				d.releaseEntry(head)
				head = next
			}
		}
		d.ht[t].reset()
	}
	d.entries = nil
	d.freeHead = noEntry
	d.rehashIdx = rehashNone
}

// --------------------------------------------------------------------------
// Fingerprint
// --------------------------------------------------------------------------

// fingerprint combines both tables' address/size/used triples into a 64-bit
// value with integer mixing. It only serves to detect forbidden mutation
// during unsafe iteration.
func (d *Dict[K, V]) fingerprint() uint64 {
	ints := [6]uint64{
		uint64(uintptr(unsafe.Pointer(unsafe.SliceData(d.ht[0].buckets)))),
		d.ht[0].size(),
		d.ht[0].used,
		uint64(uintptr(unsafe.Pointer(unsafe.SliceData(d.ht[1].buckets)))),
		d.ht[1].size(),
		d.ht[1].used,
	}

	hash := uint64(0)
	for j := 0; j < 6; j++ {
		hash += ints[j]
		hash = mix64(hash)
	}
	return hash
}

// --------------------------------------------------------------------------
// Random Sampling
// --------------------------------------------------------------------------

// RandomEntry returns a uniformly random entry from a random non-empty
// bucket. The distribution is only approximately uniform over entries since
// longer chains are not compensated for across buckets.
func (d *Dict[K, V]) RandomEntry() (Handle[K, V], bool) {
	if d.Len() == 0 {
		return Handle[K, V]{}, false
	}
	if d.Rehashing() {
		d.rehashStepLazy()
	}

	var head int32
	if d.Rehashing() {
		s0 := int64(d.ht[0].size())
		total := s0 + int64(d.ht[1].size()) - d.rehashIdx
		for {
			// buckets below the cursor are empty already
			h := d.rehashIdx + int64(rand.Uint64N(uint64(total)))
			if h >= s0 {
				head = d.ht[1].buckets[h-s0]
			} else {
				head = d.ht[0].buckets[h]
			}
			if head != noEntry {
				break
			}
		}
	} else {
		for {
			h := rand.Uint64() & d.ht[0].sizemask
			head = d.ht[0].buckets[h]
			if head != noEntry {
				break
			}
		}
	}

	// count the chain, then re-walk to a uniform position
	listLen := 0
	for idx := head; idx != noEntry; idx = d.entries[idx].next {
		listLen++
	}
	idx := head
	for n := rand.IntN(listLen); n > 0; n-- {
		idx = d.entries[idx].next
	}
	return Handle[K, V]{d: d, idx: idx}, true
}

// fairSampleSize is the window collected by FairRandomEntry
const fairSampleSize = 15

// FairRandomEntry collects a small window of entries via a linear bucket
// scan to avoid chain-length bias and picks uniformly among them. Falls
// back to RandomEntry when the window comes up empty.
func (d *Dict[K, V]) FairRandomEntry() (Handle[K, V], bool) {
	if d.Len() == 0 {
		return Handle[K, V]{}, false
	}

	samples := d.SampleEntries(fairSampleSize)
	if len(samples) == 0 {
		return d.RandomEntry()
	}
	return samples[rand.IntN(len(samples))], true
}

// SampleEntries gathers up to count entries by walking consecutive buckets
// from a random start position, across both tables while rehashing. The
// walk is bounded to count*10 bucket visits.
func (d *Dict[K, V]) SampleEntries(count int) []Handle[K, V] {
	if count > d.Len() {
		count = d.Len()
	}
	if count == 0 {
		return nil
	}

	for n := count; n > 0 && d.Rehashing(); n-- {
		d.rehashStepLazy()
	}

	tables := 1
	if d.Rehashing() {
		tables = 2
	}
	maxSizeMask := d.ht[0].sizemask
	if tables > 1 && d.ht[1].sizemask > maxSizeMask {
		maxSizeMask = d.ht[1].sizemask
	}

	i := rand.Uint64() & maxSizeMask
	sampled := make([]Handle[K, V], 0, count)
	emptyLen := 0

	for maxSteps := count * 10; maxSteps > 0 && len(sampled) < count; maxSteps-- {
		for t := 0; t < tables; t++ {
			// while migrating there are no entries below the cursor in
			// ht[0], skip ahead
			if tables == 2 && t == 0 && i < uint64(d.rehashIdx) {
				if i >= d.ht[1].size() {
					i = uint64(d.rehashIdx)
				} else {
					continue
				}
			}
			if i >= d.ht[t].size() {
				continue
			}

			idx := d.ht[t].buckets[i]
			if idx == noEntry {
				emptyLen++
				if emptyLen >= 5 && emptyLen > count {
					i = rand.Uint64() & maxSizeMask
					emptyLen = 0
				}
				continue
			}
			emptyLen = 0
			for idx != noEntry && len(sampled) < count {
				sampled = append(sampled, Handle[K, V]{d: d, idx: idx})
				idx = d.entries[idx].next
			}
		}
		i = (i + 1) & maxSizeMask
	}
	return sampled
}

// --------------------------------------------------------------------------
// Cursor Scan
// --------------------------------------------------------------------------

// Scan visits one bucket (and, while rehashing, its expansion buckets in
// the larger table) per call and returns the next cursor, 0 when the walk
// is complete. The cursor advances by incrementing its bit-reversed form,
// which keeps the guarantee that every key present for the whole scan is
// visited at least once even across resizes between calls.
func (d *Dict[K, V]) Scan(cursor uint64, fn func(key K, value V)) uint64 {
	if d.Len() == 0 {
		return 0
	}

	// a scan call counts as an iterator touch: keep the lazy rehash from
	// shifting buckets under the visit below
	d.pauseRehash++
	defer func() { d.pauseRehash-- }()

	emit := func(t int, bucket uint64) {
		idx := d.ht[t].buckets[bucket]
		for idx != noEntry {
			next := d.entries[idx].next
			fn(d.entries[idx].key, d.entries[idx].value)
			idx = next
		}
	}

	if !d.Rehashing() {
		m0 := d.ht[0].sizemask
		emit(0, cursor&m0)

		cursor |= ^m0
		cursor = bits.Reverse64(cursor)
		cursor++
		cursor = bits.Reverse64(cursor)
		return cursor
	}

	// order the tables so t0 is the smaller one
	t0, t1 := 0, 1
	if d.ht[0].size() > d.ht[1].size() {
		t0, t1 = 1, 0
	}
	m0, m1 := d.ht[t0].sizemask, d.ht[t1].sizemask

	emit(t0, cursor&m0)

	// visit all expansion buckets of the larger table that map onto the
	// same small-table bucket
	for {
		emit(t1, cursor&m1)

		cursor |= ^m1
		cursor = bits.Reverse64(cursor)
		cursor++
		cursor = bits.Reverse64(cursor)

		if cursor&(m0^m1) == 0 {
			break
		}
	}
	return cursor
}
