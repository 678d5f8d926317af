package testing

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/ValentinKolb/cedar/lib/db"
	"github.com/ValentinKolb/cedar/lib/obj"
)

// StoreFactory creates a fresh, empty store
type StoreFactory func() *db.Store

// RunStoreTests runs the standardized test suite against a store
// implementation.
func RunStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("TypedValues", func(t *testing.T) {
			testTypedValues(t, factory())
		})

		t.Run("WrongType", func(t *testing.T) {
			testWrongType(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Expiry", func(t *testing.T) {
			testExpiry(t, factory())
		})

		t.Run("ActiveExpiry", func(t *testing.T) {
			testActiveExpiry(t, factory())
		})

		t.Run("Streams", func(t *testing.T) {
			testStreams(t, factory())
		})

		t.Run("SinkObservesWrites", func(t *testing.T) {
			testSinkObservesWrites(t, factory())
		})

		t.Run("ReplayConvergence", func(t *testing.T) {
			testReplayConvergence(t, factory)
		})

		t.Run("SnapshotIsolation", func(t *testing.T) {
			testSnapshotIsolation(t, factory())
		})

		t.Run("Namespaces", func(t *testing.T) {
			testNamespaces(t, factory())
		})

		t.Run("Info", func(t *testing.T) {
			testInfo(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper types
// --------------------------------------------------------------------------

// recordingSink captures every fed command for inspection
type recordingSink struct {
	commands []recordedCommand
}

type recordedCommand struct {
	dbid int
	args [][]byte
}

func (r *recordingSink) FeedCommand(dbid int, args ...[]byte) {
	copied := make([][]byte, len(args))
	for i, a := range args {
		copied[i] = append([]byte(nil), a...)
	}
	r.commands = append(r.commands, recordedCommand{dbid: dbid, args: copied})
}

// fakeClock pins the store's notion of now
type fakeClock struct {
	now int64
}

func (c *fakeClock) install(s *db.Store) {
	s.Now = func() int64 { return c.now }
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, store *db.Store) {
	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	store.SetString(0, testKey, testValue1)

	o, exists := store.Get(0, testKey)
	if !exists {
		t.Fatalf("Expected key %s to exist after SetString", testKey)
	}
	if !bytes.Equal([]byte(o.Value.(obj.String)), testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, o.Value.(obj.String))
	}

	store.SetString(0, testKey, testValue2)

	o, exists = store.Get(0, testKey)
	if !exists {
		t.Fatalf("Expected key %s to exist after overwrite", testKey)
	}
	if !bytes.Equal([]byte(o.Value.(obj.String)), testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, o.Value.(obj.String))
	}

	if _, exists = store.Get(0, "nonexistent-key"); exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	// the store must copy the caller's bytes on insert
	mutable := []byte("mutable-value")
	store.SetString(0, "copy-key", mutable)
	mutable[0] = 'X'

	o, _ = store.Get(0, "copy-key")
	if !bytes.Equal([]byte(o.Value.(obj.String)), []byte("mutable-value")) {
		t.Errorf("SetString should copy the value, stored bytes changed to %s", o.Value.(obj.String))
	}
}

func testTypedValues(t *testing.T, store *db.Store) {
	// list
	n, err := store.RPush(0, "list", []byte("a"), []byte("b"))
	if err != nil || n != 2 {
		t.Fatalf("RPush: expected len 2, got %d (err %v)", n, err)
	}
	n, err = store.LPush(0, "list", []byte("z"))
	if err != nil || n != 3 {
		t.Fatalf("LPush: expected len 3, got %d (err %v)", n, err)
	}
	o, _ := store.Get(0, "list")
	items := o.Value.(*obj.List).Items
	want := []string{"z", "a", "b"}
	for i, w := range want {
		if string(items[i]) != w {
			t.Errorf("Expected list item %d to be %s, got %s", i, w, items[i])
		}
	}

	// set
	added, err := store.SAdd(0, "set", []byte("x"), []byte("y"), []byte("x"))
	if err != nil || added != 2 {
		t.Errorf("SAdd: expected 2 new members, got %d (err %v)", added, err)
	}

	// sorted collection
	added, err = store.ZAdd(0, "zset",
		obj.ZEntry{Member: []byte("m1"), Score: 1.5},
		obj.ZEntry{Member: []byte("m2"), Score: 2.5})
	if err != nil || added != 2 {
		t.Errorf("ZAdd: expected 2 new members, got %d (err %v)", added, err)
	}
	added, err = store.ZAdd(0, "zset", obj.ZEntry{Member: []byte("m1"), Score: 9})
	if err != nil || added != 0 {
		t.Errorf("ZAdd: score update should report 0 new members, got %d (err %v)", added, err)
	}
	o, _ = store.Get(0, "zset")
	if score, _ := o.Value.(*obj.ZSet).Score([]byte("m1")); score != 9 {
		t.Errorf("Expected updated score 9, got %v", score)
	}

	// hash
	inserted, err := store.HSet(0, "hash", []byte("f1"), []byte("v1"), []byte("f2"), []byte("v2"))
	if err != nil || inserted != 2 {
		t.Errorf("HSet: expected 2 new fields, got %d (err %v)", inserted, err)
	}
	o, _ = store.Get(0, "hash")
	if v, ok := o.Value.(*obj.Hash).Map.Get([]byte("f1")); !ok || string(v) != "v1" {
		t.Errorf("Expected hash field f1=v1, got %s (ok=%v)", v, ok)
	}
}

func testWrongType(t *testing.T, store *db.Store) {
	store.SetString(0, "str", []byte("v"))

	if _, err := store.RPush(0, "str", []byte("x")); !errors.Is(err, db.ErrWrongType) {
		t.Errorf("Expected ErrWrongType from RPush on a string key, got %v", err)
	}
	if _, err := store.SAdd(0, "str", []byte("x")); !errors.Is(err, db.ErrWrongType) {
		t.Errorf("Expected ErrWrongType from SAdd on a string key, got %v", err)
	}
	if _, err := store.HSet(0, "str", []byte("f"), []byte("v")); !errors.Is(err, db.ErrWrongType) {
		t.Errorf("Expected ErrWrongType from HSet on a string key, got %v", err)
	}
}

func testDelete(t *testing.T, store *db.Store) {
	store.SetString(0, "k", []byte("v"))

	if !store.Del(0, "k") {
		t.Errorf("Expected Del to report true for an existing key")
	}
	if store.Exists(0, "k") {
		t.Errorf("Expected key to be gone after Del")
	}
	if store.Del(0, "k") {
		t.Errorf("Expected Del to report false for a missing key")
	}

	// deferred free path for composite values
	freed := make(chan func(), 1)
	store.DeferFree = func(fn func()) { freed <- fn }

	store.RPush(0, "list", []byte("a"))
	if !store.Del(0, "list") {
		t.Fatalf("Expected Del to remove the list key")
	}
	if store.Exists(0, "list") {
		t.Errorf("Key must be unreachable before the deferred free runs")
	}
	select {
	case fn := <-freed:
		fn()
	default:
		t.Errorf("Expected the composite value release to go through DeferFree")
	}
}

func testExpiry(t *testing.T, store *db.Store) {
	clock := &fakeClock{now: 1000}
	clock.install(store)

	store.SetString(0, "k", []byte("v"))
	if !store.PExpireAt(0, "k", 2000) {
		t.Fatalf("Expected PExpireAt to succeed for an existing key")
	}
	if store.PExpireAt(0, "missing", 2000) {
		t.Errorf("Expected PExpireAt to fail for a missing key")
	}

	clock.now = 1999
	if !store.Exists(0, "k") {
		t.Errorf("Key should still be live just before the deadline")
	}

	clock.now = 2000
	if store.Exists(0, "k") {
		t.Errorf("Key should be lazily expired at the deadline")
	}

	// overwrite clears the TTL
	store.SetString(0, "k2", []byte("v"))
	store.PExpireAt(0, "k2", 3000)
	store.SetString(0, "k2", []byte("v2"))
	clock.now = 5000
	if !store.Exists(0, "k2") {
		t.Errorf("Overwriting a key must clear its TTL")
	}
}

func testActiveExpiry(t *testing.T, store *db.Store) {
	clock := &fakeClock{now: 1000}
	clock.install(store)

	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("k-%d", i)
		store.SetString(0, key, []byte("v"))
		store.PExpireAt(0, key, 1500)
	}

	clock.now = 2000
	removed := 0
	for i := 0; i < 100 && removed < 64; i++ {
		removed += store.ActiveExpireCycle(20)
	}
	if removed != 64 {
		t.Errorf("Expected the active cycle to eventually remove all 64 keys, removed %d", removed)
	}

	d, _ := store.Database(0)
	if d.Len() != 0 {
		t.Errorf("Expected namespace to be empty after active expiry, %d keys left", d.Len())
	}
}

func testStreams(t *testing.T, store *db.Store) {
	key := "stream"

	if err := store.XAdd(0, key, obj.StreamID{Ms: 1, Seq: 1}, []byte("f"), []byte("v")); err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}
	if err := store.XAdd(0, key, obj.StreamID{Ms: 2, Seq: 0}, []byte("f"), []byte("v")); err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}
	if err := store.XAdd(0, key, obj.StreamID{Ms: 1, Seq: 0}, []byte("f"), []byte("v")); !errors.Is(err, obj.ErrStaleStreamID) {
		t.Errorf("Expected ErrStaleStreamID for a non-increasing ID, got %v", err)
	}

	if err := store.XGroupCreate(0, key, "g1", obj.StreamID{Ms: 1, Seq: 1}); err != nil {
		t.Fatalf("XGroupCreate failed: %v", err)
	}
	if err := store.XGroupCreate(0, key, "g1", obj.StreamID{}); err == nil {
		t.Errorf("Expected duplicate group creation to fail")
	}
	if err := store.XGroupCreateConsumer(0, key, "g1", "c1"); err != nil {
		t.Fatalf("XGroupCreateConsumer failed: %v", err)
	}
	if err := store.XClaim(0, key, "g1", "c1", obj.StreamID{Ms: 2, Seq: 0}, 12345, 3); err != nil {
		t.Fatalf("XClaim failed: %v", err)
	}

	o, _ := store.Get(0, key)
	st := o.Value.(*obj.Stream)
	g, ok := st.Group("g1")
	if !ok {
		t.Fatalf("Expected group g1 to exist")
	}
	pending := g.PendingSorted()
	if len(pending) != 1 || pending[0].Consumer != "c1" || pending[0].DeliveryCount != 3 {
		t.Errorf("Unexpected pending entries after XClaim: %+v", pending)
	}

	if err := store.XSetID(0, key, obj.StreamID{Ms: 99, Seq: 0}); err != nil {
		t.Fatalf("XSetID failed: %v", err)
	}
	if st.LastID != (obj.StreamID{Ms: 99, Seq: 0}) {
		t.Errorf("Expected last ID 99-0, got %s", st.LastID)
	}
}

func testSinkObservesWrites(t *testing.T, store *db.Store) {
	clock := &fakeClock{now: 1000}
	clock.install(store)

	sink := &recordingSink{}
	store.AttachSink(sink)

	store.SetString(1, "k", []byte("v"))
	store.PExpireAt(1, "k", 1500)
	store.RPush(0, "list", []byte("a"))

	// a failed write must not be fed
	if _, err := store.SAdd(0, "list", []byte("x")); err == nil {
		t.Fatalf("Expected SAdd on a list key to fail")
	}

	// lazy expiry is propagated as an explicit DEL
	clock.now = 2000
	store.Exists(1, "k")

	want := []struct {
		dbid int
		args []string
	}{
		{1, []string{"SET", "k", "v"}},
		{1, []string{"PEXPIREAT", "k", "1500"}},
		{0, []string{"RPUSH", "list", "a"}},
		{1, []string{"DEL", "k"}},
	}
	if len(sink.commands) != len(want) {
		t.Fatalf("Expected %d fed commands, got %d", len(want), len(sink.commands))
	}
	for i, w := range want {
		got := sink.commands[i]
		if got.dbid != w.dbid {
			t.Errorf("Command %d: expected dbid %d, got %d", i, w.dbid, got.dbid)
		}
		if len(got.args) != len(w.args) {
			t.Fatalf("Command %d: expected %d args, got %d", i, len(w.args), len(got.args))
		}
		for j, a := range w.args {
			if string(got.args[j]) != a {
				t.Errorf("Command %d arg %d: expected %s, got %s", i, j, a, got.args[j])
			}
		}
	}
}

func testReplayConvergence(t *testing.T, factory StoreFactory) {
	source := factory()
	clock := &fakeClock{now: 1000}
	clock.install(source)

	sink := &recordingSink{}
	source.AttachSink(sink)

	source.SetString(0, "str", []byte("hello"))
	source.RPush(0, "list", []byte("a"), []byte("b"))
	source.SAdd(1, "set", []byte("x"), []byte("y"))
	source.ZAdd(0, "zset", obj.ZEntry{Member: []byte("m"), Score: 4.25})
	source.HSet(2, "hash", []byte("f"), []byte("v"))
	source.XAdd(0, "stream", obj.StreamID{Ms: 1, Seq: 0}, []byte("f"), []byte("v"))
	source.XGroupCreate(0, "stream", "g", obj.StreamID{Ms: 1, Seq: 0})
	source.PExpireAt(0, "str", 999999)
	source.Del(0, "list")

	replica := factory()
	clock.install(replica)
	exec := replica.NewExecutor()

	selected := 0
	for _, cmd := range sink.commands {
		if cmd.dbid != selected {
			if err := exec.Exec([][]byte{[]byte("SELECT"), []byte(fmt.Sprintf("%d", cmd.dbid))}); err != nil {
				t.Fatalf("SELECT failed: %v", err)
			}
			selected = cmd.dbid
		}
		if err := exec.Exec(cmd.args); err != nil {
			t.Fatalf("Replay of %q failed: %v", cmd.args[0], err)
		}
	}

	if !replica.Exists(0, "str") {
		t.Errorf("Expected str to survive replay")
	}
	if replica.Exists(0, "list") {
		t.Errorf("Expected list to stay deleted after replay")
	}
	d, _ := replica.Database(0)
	if at, ok := d.ExpireAt("str"); !ok || at != 999999 {
		t.Errorf("Expected replayed TTL 999999, got %d (ok=%v)", at, ok)
	}
	if o, ok := replica.Get(1, "set"); !ok || o.Value.(*obj.Set).Len() != 2 {
		t.Errorf("Expected replayed set with 2 members")
	}
	if o, ok := replica.Get(0, "zset"); !ok {
		t.Errorf("Expected replayed zset")
	} else if score, _ := o.Value.(*obj.ZSet).Score([]byte("m")); score != 4.25 {
		t.Errorf("Expected replayed score 4.25, got %v", score)
	}
	if o, ok := replica.Get(2, "hash"); !ok {
		t.Errorf("Expected replayed hash")
	} else if v, _ := o.Value.(*obj.Hash).Map.Get([]byte("f")); string(v) != "v" {
		t.Errorf("Expected replayed hash field f=v, got %s", v)
	}
	if o, ok := replica.Get(0, "stream"); !ok {
		t.Errorf("Expected replayed stream")
	} else if st := o.Value.(*obj.Stream); st.Len() != 1 {
		t.Errorf("Expected 1 replayed stream entry, got %d", st.Len())
	} else if _, ok := st.Group("g"); !ok {
		t.Errorf("Expected replayed consumer group g")
	}
}

func testSnapshotIsolation(t *testing.T, store *db.Store) {
	store.SetString(0, "str", []byte("before"))
	store.RPush(0, "list", []byte("a"))
	store.HSet(0, "hash", []byte("f"), []byte("v1"))

	snap := store.Snapshot()
	if snap.Len() != 3 {
		t.Fatalf("Expected snapshot of 3 keys, got %d", snap.Len())
	}

	// mutate after the snapshot
	store.SetString(0, "str", []byte("after"))
	store.RPush(0, "list", []byte("b"))
	store.HSet(0, "hash", []byte("f"), []byte("v2"))
	store.Del(0, "list")

	frozen := map[string]obj.Value{}
	for _, d := range snap.DBs {
		for _, k := range d.Keys {
			frozen[k.Key] = k.Value
		}
	}

	if string(frozen["str"].(obj.String)) != "before" {
		t.Errorf("Snapshot string changed after mutation: %s", frozen["str"].(obj.String))
	}
	if l := frozen["list"].(*obj.List); l.Len() != 1 || string(l.Items[0]) != "a" {
		t.Errorf("Snapshot list changed after mutation: %v", l.Items)
	}
	if v, _ := frozen["hash"].(*obj.Hash).Map.Get([]byte("f")); string(v) != "v1" {
		t.Errorf("Snapshot hash changed after mutation: %s", v)
	}
}

func testNamespaces(t *testing.T, store *db.Store) {
	store.SetString(0, "k", []byte("db0"))
	store.SetString(1, "k", []byte("db1"))

	o, _ := store.Get(0, "k")
	if string(o.Value.(obj.String)) != "db0" {
		t.Errorf("Expected db0 value in namespace 0, got %s", o.Value.(obj.String))
	}
	o, _ = store.Get(1, "k")
	if string(o.Value.(obj.String)) != "db1" {
		t.Errorf("Expected db1 value in namespace 1, got %s", o.Value.(obj.String))
	}

	if _, err := store.Database(store.NumDatabases()); !errors.Is(err, db.ErrBadDatabase) {
		t.Errorf("Expected ErrBadDatabase for an out-of-range index, got %v", err)
	}

	store.FlushAll()
	for i := 0; i < store.NumDatabases(); i++ {
		d, _ := store.Database(i)
		if d.Len() != 0 {
			t.Errorf("Expected namespace %d to be empty after FlushAll", i)
		}
	}
}

func testInfo(t *testing.T, store *db.Store) {
	for i := 0; i < 32; i++ {
		store.SetString(0, fmt.Sprintf("k-%d", i), bytes.Repeat([]byte("x"), 100))
	}
	store.SetString(3, "other", []byte("v"))

	info := store.Info()
	if info.TotalKeys != 33 {
		t.Errorf("Expected 33 total keys, got %d", info.TotalKeys)
	}
	if len(info.Databases) != 2 {
		t.Errorf("Expected 2 populated namespaces, got %d", len(info.Databases))
	}
	if info.AvgSize == 0 {
		t.Errorf("Expected a non-zero average value size")
	}
	if info.SampleSize != 33 {
		t.Errorf("Expected 33 sampled values, got %d", info.SampleSize)
	}
}
