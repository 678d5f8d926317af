package dict

import (
	"fmt"
	"math/rand/v2"
	"testing"
)

func newStringDict() *Dict[string, int] {
	return New(StringType[int]())
}

func TestAddFindDelete(t *testing.T) {
	d := newStringDict()

	if !d.Add("a", 1) {
		t.Fatal("Add of fresh key failed")
	}
	if d.Add("a", 2) {
		t.Fatal("Add of existing key succeeded")
	}

	v, ok := d.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v; want 1, true", v, ok)
	}

	if updated := d.Set("a", 2); !updated {
		t.Fatal("Set of existing key did not report update")
	}
	if v, _ := d.Get("a"); v != 2 {
		t.Fatalf("Get(a) after Set = %d; want 2", v)
	}

	if !d.Delete("a") {
		t.Fatal("Delete of existing key failed")
	}
	if d.Delete("a") {
		t.Fatal("Delete of missing key succeeded")
	}
	if _, ok := d.Get("a"); ok {
		t.Fatal("deleted key still found")
	}
}

func TestAddOrFindFillsValueLater(t *testing.T) {
	d := newStringDict()

	h, existed := d.AddOrFind("k")
	if existed {
		t.Fatal("fresh key reported as existing")
	}
	h.SetValue(42)

	h2, existed := d.AddOrFind("k")
	if !existed {
		t.Fatal("existing key not found")
	}
	if h2.Value() != 42 {
		t.Fatalf("value = %d; want 42", h2.Value())
	}
}

// TestResizeCorrectness interleaves inserts, deletes and explicit rehash
// steps and verifies every live key stays findable no matter how far the
// migration has progressed.
func TestResizeCorrectness(t *testing.T) {
	d := newStringDict()
	live := map[string]int{}

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20000; i++ {
		key := fmt.Sprintf("key-%d", rng.IntN(5000))
		switch rng.IntN(3) {
		case 0, 1:
			d.Set(key, i)
			live[key] = i
		case 2:
			d.Delete(key)
			delete(live, key)
		}

		if i%97 == 0 {
			d.RehashStep(2)
		}
		if i%1111 == 0 {
			_ = d.Resize()
		}
	}

	if d.Len() != len(live) {
		t.Fatalf("Len() = %d; want %d", d.Len(), len(live))
	}
	for k, want := range live {
		got, ok := d.Get(k)
		if !ok {
			t.Fatalf("live key %q not found", k)
		}
		if got != want {
			t.Fatalf("key %q = %d; want %d", k, got, want)
		}
	}

	// drive any in-flight rehash to completion and re-verify
	for d.RehashStep(100) {
	}
	for k := range live {
		if _, ok := d.Get(k); !ok {
			t.Fatalf("key %q lost after full rehash", k)
		}
	}
}

func TestFirstExpandGoesDirectlyToTableZero(t *testing.T) {
	d := newStringDict()
	d.Set("x", 1)
	if d.Rehashing() {
		t.Fatal("first allocation must not start a rehash")
	}
}

func TestTryExpandRefusals(t *testing.T) {
	d := newStringDict()
	for i := 0; i < 64; i++ {
		d.Set(fmt.Sprintf("k%d", i), i)
	}
	for d.RehashStep(100) {
	}

	if err := d.TryExpand(1); err != ErrSizeTooSmall {
		t.Fatalf("TryExpand(1) = %v; want ErrSizeTooSmall", err)
	}

	if err := d.TryExpand(1024); err != nil {
		t.Fatalf("TryExpand(1024) = %v", err)
	}
	if !d.Rehashing() {
		t.Fatal("expand did not start rehashing")
	}
	if err := d.TryExpand(4096); err != ErrRehashing {
		t.Fatalf("TryExpand while rehashing = %v; want ErrRehashing", err)
	}
}

func TestExpandAdmissionHook(t *testing.T) {
	allow := true
	typ := StringType[int]()
	typ.ExpandAllowed = func(newBytes uintptr, usedRatio float64) bool { return allow }
	d := New(typ)
	d.Set("a", 1) // initial allocation consults the hook too, while allowed

	allow = false
	if err := d.TryExpand(1 << 10); err != ErrExpandDenied {
		t.Fatalf("TryExpand with vetoing hook = %v; want ErrExpandDenied", err)
	}

	// inserts must keep working when the hook vetoes growth
	for i := 0; i < 100; i++ {
		d.Set(fmt.Sprintf("k%d", i), i)
	}
	if d.Len() != 101 {
		t.Fatalf("Len() = %d; want 101", d.Len())
	}
}

func TestDestructorsRun(t *testing.T) {
	released := map[string]bool{}
	typ := StringType[int]()
	typ.OnKeyRelease = func(k string) { released[k] = true }
	d := New(typ)

	d.Set("a", 1)
	d.Set("b", 2)
	d.Delete("a")
	if !released["a"] {
		t.Fatal("key destructor not run on Delete")
	}

	h, ok := d.Unlink("b")
	if !ok {
		t.Fatal("Unlink failed")
	}
	if released["b"] {
		t.Fatal("Unlink must not destroy the entry")
	}
	if _, found := d.Get("b"); found {
		t.Fatal("unlinked key still findable")
	}
	d.FreeUnlinked(h)
	if !released["b"] {
		t.Fatal("FreeUnlinked did not run the destructor")
	}
}

// TestScanCompleteness checks that a key present for the whole duration of
// a full cursor walk is visited at least once, with resizes happening
// between scan calls.
func TestScanCompleteness(t *testing.T) {
	d := newStringDict()
	const n = 1000
	for i := 0; i < n; i++ {
		d.Set(fmt.Sprintf("stable-%d", i), i)
	}

	seen := map[string]int{}
	cursor := uint64(0)
	step := 0
	for {
		cursor = d.Scan(cursor, func(k string, v int) {
			seen[k]++
		})

		// mutate between calls: trigger growth and incremental migration
		step++
		if step%3 == 0 {
			d.Set(fmt.Sprintf("noise-%d", step), step)
		}
		d.RehashStep(1)

		if cursor == 0 {
			break
		}
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("stable-%d", i)
		if seen[k] == 0 {
			t.Fatalf("stable key %q never visited by scan", k)
		}
	}
	for k := range seen {
		if _, ok := d.Get(k); !ok {
			t.Fatalf("scan yielded key %q that never existed", k)
		}
	}
}

func TestScanEmptyDict(t *testing.T) {
	d := newStringDict()
	if c := d.Scan(0, func(string, int) { t.Fatal("callback on empty dict") }); c != 0 {
		t.Fatalf("Scan on empty dict returned %d; want 0", c)
	}
}

func TestSafeIteratorAllowsDelete(t *testing.T) {
	d := newStringDict()
	for i := 0; i < 500; i++ {
		d.Set(fmt.Sprintf("k%d", i), i)
	}
	// force an in-flight rehash so the pause actually matters
	for d.RehashStep(100) {
	}
	if err := d.TryExpand(4096); err != nil {
		t.Fatal(err)
	}

	it := d.SafeIterator()
	visited := 0
	for h, ok := it.Next(); ok; h, ok = it.Next() {
		visited++
		if h.Value()%2 == 0 {
			d.Delete(h.Key())
		}
	}
	it.Release()

	if visited != 500 {
		t.Fatalf("visited %d entries; want 500", visited)
	}
	if d.Len() != 250 {
		t.Fatalf("Len() = %d; want 250", d.Len())
	}
}

func TestUnsafeIteratorFingerprint(t *testing.T) {
	t.Run("CleanIteration", func(t *testing.T) {
		d := newStringDict()
		for i := 0; i < 100; i++ {
			d.Set(fmt.Sprintf("k%d", i), i)
		}
		it := d.Iterator()
		for _, ok := it.Next(); ok; _, ok = it.Next() {
		}
		it.Release() // must not panic
	})

	t.Run("MutationTrips", func(t *testing.T) {
		d := newStringDict()
		for i := 0; i < 100; i++ {
			d.Set(fmt.Sprintf("k%d", i), i)
		}
		it := d.Iterator()
		it.Next()
		d.Set("mutation", 1)

		defer func() {
			if recover() == nil {
				t.Fatal("Release did not panic after mutation during unsafe iteration")
			}
		}()
		it.Release()
	})
}

func TestRandomEntry(t *testing.T) {
	d := newStringDict()
	if _, ok := d.RandomEntry(); ok {
		t.Fatal("RandomEntry on empty dict returned an entry")
	}

	for i := 0; i < 128; i++ {
		d.Set(fmt.Sprintf("k%d", i), i)
	}
	for i := 0; i < 1000; i++ {
		h, ok := d.RandomEntry()
		if !ok {
			t.Fatal("RandomEntry failed on populated dict")
		}
		if _, found := d.Get(h.Key()); !found {
			t.Fatalf("RandomEntry returned unknown key %q", h.Key())
		}
	}
}

func TestFairRandomEntry(t *testing.T) {
	d := newStringDict()
	if _, ok := d.FairRandomEntry(); ok {
		t.Fatal("FairRandomEntry on empty dict returned an entry")
	}

	for i := 0; i < 64; i++ {
		d.Set(fmt.Sprintf("k%d", i), i)
	}

	hits := map[string]int{}
	for i := 0; i < 5000; i++ {
		h, ok := d.FairRandomEntry()
		if !ok {
			t.Fatal("FairRandomEntry failed on populated dict")
		}
		hits[h.Key()]++
	}
	// not a statistical test, just make sure sampling is not stuck on a
	// handful of chains
	if len(hits) < 32 {
		t.Fatalf("FairRandomEntry touched only %d of 64 keys", len(hits))
	}
}

func TestShrink(t *testing.T) {
	d := newStringDict()
	for i := 0; i < 4096; i++ {
		d.Set(fmt.Sprintf("k%d", i), i)
	}
	for i := 0; i < 4000; i++ {
		d.Delete(fmt.Sprintf("k%d", i))
	}
	for d.RehashStep(100) {
	}
	before := d.BucketCount()
	if err := d.Resize(); err != nil {
		t.Fatal(err)
	}
	for d.RehashStep(100) {
	}
	if after := d.BucketCount(); after >= before {
		t.Fatalf("bucket count %d did not shrink (was %d)", after, before)
	}
	for i := 4000; i < 4096; i++ {
		if _, ok := d.Get(fmt.Sprintf("k%d", i)); !ok {
			t.Fatalf("key k%d lost after shrink", i)
		}
	}
}

func TestClear(t *testing.T) {
	releases := 0
	typ := StringType[int]()
	typ.OnValueRelease = func(int) { releases++ }
	d := New(typ)
	for i := 0; i < 100; i++ {
		d.Set(fmt.Sprintf("k%d", i), i)
	}
	d.Clear()
	if d.Len() != 0 {
		t.Fatalf("Len() after Clear = %d", d.Len())
	}
	if releases != 100 {
		t.Fatalf("value destructor ran %d times; want 100", releases)
	}
	d.Set("again", 1)
	if v, ok := d.Get("again"); !ok || v != 1 {
		t.Fatal("dict unusable after Clear")
	}
}

func BenchmarkSet(b *testing.B) {
	d := newStringDict()
	keys := make([]string, 1<<16)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Set(keys[i&(1<<16-1)], i)
	}
}

func BenchmarkGet(b *testing.B) {
	d := newStringDict()
	keys := make([]string, 1<<16)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		d.Set(keys[i], i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Get(keys[i&(1<<16-1)])
	}
}
