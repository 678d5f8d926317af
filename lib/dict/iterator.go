package dict

import "fmt"

// --------------------------------------------------------------------------
// Iterators
// --------------------------------------------------------------------------

// Iterator walks all entries of a dict. Two variants exist:
//
//   - safe: pauses incremental rehashing for its lifetime, so the caller
//     may delete the currently-yielded entry while iterating
//   - unsafe: captures a fingerprint of the table at the first step and
//     re-validates it on Release, panicking if the table was mutated
//     through any path while the iteration was running
//
// Every iterator must be released exactly once.
type Iterator[K, V any] struct {
	d    *Dict[K, V]
	safe bool

	tbl    int
	bucket int64
	cur    int32
	next   int32

	started     bool
	released    bool
	fingerprint uint64
}

// Iterator returns an unsafe iterator
func (d *Dict[K, V]) Iterator() *Iterator[K, V] {
	return &Iterator[K, V]{d: d, cur: noEntry, bucket: -1}
}

// SafeIterator returns a safe iterator
func (d *Dict[K, V]) SafeIterator() *Iterator[K, V] {
	return &Iterator[K, V]{d: d, safe: true, cur: noEntry, bucket: -1}
}

// Next yields the next entry, false when the walk is done
func (it *Iterator[K, V]) Next() (Handle[K, V], bool) {
	for {
		if it.cur == noEntry {
			if !it.started {
				it.started = true
				if it.safe {
					it.d.pauseRehash++
				} else {
					it.fingerprint = it.d.fingerprint()
				}
			}

			it.bucket++
			ht := &it.d.ht[it.tbl]
			if it.bucket >= int64(ht.size()) {
				// a rehash may still hold entries in the second table
				if it.d.Rehashing() && it.tbl == 0 {
					it.tbl = 1
					it.bucket = 0
				} else {
					return Handle[K, V]{}, false
				}
			}
			if it.d.ht[it.tbl].buckets == nil {
				return Handle[K, V]{}, false
			}
			it.cur = it.d.ht[it.tbl].buckets[it.bucket]
		} else {
			it.cur = it.next
		}

		if it.cur != noEntry {
			// capture next now so the caller may delete the current entry
			it.next = it.d.entries[it.cur].next
			return Handle[K, V]{d: it.d, idx: it.cur}, true
		}
	}
}

// Release ends the iteration. For safe iterators it resumes rehashing, for
// unsafe ones it re-validates the fingerprint.
func (it *Iterator[K, V]) Release() {
	if it.released {
		return
	}
	it.released = true
	if !it.started {
		return
	}
	if it.safe {
		it.d.pauseRehash--
		return
	}
	if got := it.d.fingerprint(); got != it.fingerprint {
		panic(fmt.Sprintf("dict: table mutated during unsafe iteration (fingerprint %x != %x)", got, it.fingerprint))
	}
}

// Range is a convenience wrapper running fn over all entries with a safe
// iterator. Iteration stops early when fn returns false.
func (d *Dict[K, V]) Range(fn func(key K, value V) bool) {
	it := d.SafeIterator()
	defer it.Release()
	for h, ok := it.Next(); ok; h, ok = it.Next() {
		if !fn(h.Key(), h.Value()) {
			return
		}
	}
}
