package aof

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/cedar/lib/bio"
	"github.com/ValentinKolb/cedar/lib/db"
	"github.com/ValentinKolb/cedar/lib/obj"
	"github.com/ValentinKolb/cedar/lib/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T, mutate func(*Config)) (*Writer, *db.Store, *bio.Pool) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Fsync = FsyncNo
	cfg.RewritePercentage = 0 // no automatic rewrites during tests
	if mutate != nil {
		mutate(&cfg)
	}

	store := db.New(db.DefaultConfig())
	jobs := bio.NewPool()
	t.Cleanup(jobs.Stop)

	w, err := NewWriter(cfg, store, jobs)
	require.NoError(t, err)
	store.AttachSink(w)
	return w, store, jobs
}

func loadInto(t *testing.T, path string, cfg Config) (*db.Store, LoadResult) {
	t.Helper()
	store := db.New(db.DefaultConfig())
	res, err := Load(path, store, cfg)
	require.NoError(t, err)
	return store, res
}

func TestFeedAndFlushWritesRecords(t *testing.T) {
	w, store, _ := newTestWriter(t, nil)

	store.SetString(0, "k", []byte("v"))
	store.SetString(2, "other", []byte("x"))
	require.NoError(t, w.Flush(true))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.cfg.Path())
	require.NoError(t, err)

	r := resp.NewReader(bytes.NewReader(data))
	var cmds [][]string
	for {
		args, err := r.ReadCommand()
		if err != nil {
			break
		}
		var strs []string
		for _, a := range args {
			strs = append(strs, string(a))
		}
		cmds = append(cmds, strs)
	}

	want := [][]string{
		{"SELECT", "0"},
		{"SET", "k", "v"},
		{"SELECT", "2"},
		{"SET", "other", "x"},
	}
	assert.Equal(t, want, cmds)
}

func TestWriterBuffersUntilFlush(t *testing.T) {
	w, store, _ := newTestWriter(t, nil)

	store.SetString(0, "k", []byte("v"))
	assert.Greater(t, w.BufferedBytes(), 0)
	assert.Equal(t, int64(0), w.Size())

	require.NoError(t, w.Flush(true))
	assert.Equal(t, 0, w.BufferedBytes())
	assert.Greater(t, w.Size(), int64(0))
	require.NoError(t, w.Close())
}

func TestFatalHookOnFsyncAlwaysWriteError(t *testing.T) {
	w, store, _ := newTestWriter(t, func(cfg *Config) {
		cfg.Fsync = FsyncAlways
	})

	fatal := false
	w.fatalf = func(format string, args ...interface{}) { fatal = true }

	// sabotage the descriptor so the next flush fails
	require.NoError(t, w.file.Close())

	store.SetString(0, "k", []byte("v"))
	w.Flush(true)
	assert.True(t, fatal, "a write error under fsync=always must hit the fatal hook")
}

func TestStickyWriteErrorRetainsBuffer(t *testing.T) {
	w, store, _ := newTestWriter(t, nil)

	good, err := os.OpenFile(w.cfg.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	require.NoError(t, w.file.Close())

	store.SetString(0, "k", []byte("v"))
	buffered := w.BufferedBytes()
	require.Error(t, w.Flush(true))
	assert.Equal(t, buffered, w.BufferedBytes(), "the buffer must survive a failed flush")

	// restore a working descriptor, the retry must drain the buffer
	w.file = good
	require.NoError(t, w.Flush(true))
	assert.Equal(t, 0, w.BufferedBytes())

	replica, _ := loadInto(t, w.cfg.Path(), w.cfg)
	assert.True(t, replica.Exists(0, "k"))
}

func TestLogRoundTripAllTypes(t *testing.T) {
	w, store, _ := newTestWriter(t, nil)

	store.SetString(0, "str", []byte("hello"))
	store.RPush(0, "list", []byte("a"), []byte("b"), []byte("c"))
	store.SAdd(0, "set", []byte("x"), []byte("y"))
	store.ZAdd(0, "zset",
		obj.ZEntry{Member: []byte("m1"), Score: 1.5},
		obj.ZEntry{Member: []byte("m2"), Score: -3.25})
	store.HSet(0, "hash", []byte("f1"), []byte("v1"), []byte("f2"), []byte("v2"))
	store.XAdd(1, "stream", obj.StreamID{Ms: 5, Seq: 1}, []byte("f"), []byte("v"))
	store.XGroupCreate(1, "stream", "g", obj.StreamID{Ms: 5, Seq: 1})
	store.PExpireAt(0, "str", 99999999999999)
	store.Del(0, "set")

	require.NoError(t, w.Close())

	replica, res := loadInto(t, w.cfg.Path(), w.cfg)
	assert.False(t, res.Truncated)
	assert.Greater(t, res.Commands, int64(0))

	o, ok := replica.Get(0, "str")
	require.True(t, ok)
	assert.Equal(t, "hello", string(o.Value.(obj.String)))
	d, _ := replica.Database(0)
	at, ok := d.ExpireAt("str")
	require.True(t, ok)
	assert.Equal(t, int64(99999999999999), at)

	o, ok = replica.Get(0, "list")
	require.True(t, ok)
	assert.Equal(t, 3, o.Value.(*obj.List).Len())

	assert.False(t, replica.Exists(0, "set"))

	o, ok = replica.Get(0, "zset")
	require.True(t, ok)
	score, ok := o.Value.(*obj.ZSet).Score([]byte("m2"))
	require.True(t, ok)
	assert.Equal(t, -3.25, score)

	o, ok = replica.Get(0, "hash")
	require.True(t, ok)
	v, ok := o.Value.(*obj.Hash).Map.Get([]byte("f2"))
	require.True(t, ok)
	assert.Equal(t, "v2", string(v))

	o, ok = replica.Get(1, "stream")
	require.True(t, ok)
	st := o.Value.(*obj.Stream)
	assert.Equal(t, 1, st.Len())
	_, ok = st.Group("g")
	assert.True(t, ok)
}

func TestSetSetExpireScenario(t *testing.T) {
	w, store, _ := newTestWriter(t, nil)

	store.SetString(0, "k", []byte("v1"))
	store.SetString(0, "k", []byte("v2"))
	store.PExpireAt(0, "k", 99999999999999)
	require.NoError(t, w.Close())

	replica, _ := loadInto(t, w.cfg.Path(), w.cfg)
	o, ok := replica.Get(0, "k")
	require.True(t, ok)
	assert.Equal(t, "v2", string(o.Value.(obj.String)))
	d, _ := replica.Database(0)
	at, ok := d.ExpireAt("k")
	require.True(t, ok)
	assert.Equal(t, int64(99999999999999), at)
}

func TestLoadTruncatedTail(t *testing.T) {
	w, store, _ := newTestWriter(t, nil)
	store.SetString(0, "k1", []byte("v1"))
	store.SetString(0, "k2", []byte("v2"))
	require.NoError(t, w.Close())

	path := w.cfg.Path()
	intact, err := os.Stat(path)
	require.NoError(t, err)

	// torn final record
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("*3\r\n$3\r\nSET\r\n$2\r\nk3")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// without tolerance loading must fail
	cfg := w.cfg
	cfg.TolerateTruncation = false
	_, err = Load(path, db.New(db.DefaultConfig()), cfg)
	assert.ErrorIs(t, err, ErrTruncatedLog)

	// with tolerance the tail is cut off
	cfg.TolerateTruncation = true
	replica, res := loadInto(t, path, cfg)
	assert.True(t, res.Truncated)
	assert.Equal(t, intact.Size(), res.ValidSize)
	assert.True(t, replica.Exists(0, "k1"))
	assert.True(t, replica.Exists(0, "k2"))
	assert.False(t, replica.Exists(0, "k3"))

	repaired, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, intact.Size(), repaired.Size())

	// the repaired log loads cleanly
	_, res = loadInto(t, path, cfg)
	assert.False(t, res.Truncated)
}

func TestLoadDiscardsUnterminatedTransaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appendonly.aof")

	var data []byte
	data = resp.AppendCommandStrings(data, "SELECT", "0")
	data = resp.AppendCommandStrings(data, "SET", "a", "1")
	complete := len(data)
	data = resp.AppendCommandStrings(data, "MULTI")
	data = resp.AppendCommandStrings(data, "SET", "b", "2")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := DefaultConfig()
	cfg.Dir = dir
	replica, res := loadInto(t, path, cfg)
	assert.True(t, res.Truncated)
	assert.Equal(t, int64(complete), res.ValidSize)
	assert.True(t, replica.Exists(0, "a"))
	assert.False(t, replica.Exists(0, "b"))
}

func TestLoadAppliesCompletedTransaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appendonly.aof")

	var data []byte
	data = resp.AppendCommandStrings(data, "SELECT", "0")
	data = resp.AppendCommandStrings(data, "MULTI")
	data = resp.AppendCommandStrings(data, "SET", "a", "1")
	data = resp.AppendCommandStrings(data, "SET", "b", "2")
	data = resp.AppendCommandStrings(data, "EXEC")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := DefaultConfig()
	cfg.Dir = dir
	replica, res := loadInto(t, path, cfg)
	assert.False(t, res.Truncated)
	assert.True(t, replica.Exists(0, "a"))
	assert.True(t, replica.Exists(0, "b"))
}

func TestSnapshotPreambleRoundTrip(t *testing.T) {
	store := db.New(db.DefaultConfig())
	store.SetString(0, "str", []byte("v"))
	store.RPush(0, "list", []byte("a"), []byte("b"))
	store.SAdd(1, "set", []byte("x"))
	store.ZAdd(0, "zset", obj.ZEntry{Member: []byte("m"), Score: 7})
	store.HSet(0, "hash", []byte("f"), []byte("v"))
	store.XAdd(0, "stream", obj.StreamID{Ms: 1, Seq: 0}, []byte("f"), []byte("v"))
	store.XGroupCreate(0, "stream", "g", obj.StreamID{Ms: 1, Seq: 0})
	store.XGroupCreateConsumer(0, "stream", "g", "c")
	store.XClaim(0, "stream", "g", "c2", obj.StreamID{Ms: 1, Seq: 0}, 42, 2)
	store.PExpireAt(0, "str", 99999999999999)

	var buf bytes.Buffer
	require.NoError(t, EncodeSnapshot(&buf, store.Snapshot()))
	encoded := buf.Len()

	replica := db.New(db.DefaultConfig())
	keys, n, err := DecodeSnapshot(&buf, replica)
	require.NoError(t, err)
	assert.Equal(t, 6, keys)
	assert.Equal(t, int64(encoded), n, "decode must consume the whole preamble")
	assert.Equal(t, 0, buf.Len())

	assert.True(t, replica.Exists(0, "str"))
	d, _ := replica.Database(0)
	at, ok := d.ExpireAt("str")
	require.True(t, ok)
	assert.Equal(t, int64(99999999999999), at)

	o, _ := replica.Get(0, "list")
	assert.Equal(t, 2, o.Value.(*obj.List).Len())

	o, _ = replica.Get(0, "stream")
	st := o.Value.(*obj.Stream)
	g, ok := st.Group("g")
	require.True(t, ok)
	pending := g.PendingSorted()
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].Consumer)
	assert.Equal(t, uint64(2), pending[0].DeliveryCount)
	assert.Len(t, g.ConsumersSorted(), 2)
}

func testRewrite(t *testing.T, withPreamble bool) {
	w, store, _ := newTestWriter(t, func(cfg *Config) {
		cfg.WithPreamble = withPreamble
	})

	// churn: many overwrites make the log much larger than the dataset
	for i := 0; i < 200; i++ {
		store.SetString(0, "churn", []byte{byte(i)})
	}
	store.RPush(0, "list", []byte("a"), []byte("b"))
	store.PExpireAt(0, "churn", 99999999999999)
	require.NoError(t, w.Flush(true))
	sizeBefore := w.Size()

	require.NoError(t, w.StartRewrite())
	assert.ErrorIs(t, w.StartRewrite(), ErrRewriteInProgress)

	// writes during the rewrite must survive via the diff channel
	store.SetString(0, "during", []byte("yes"))
	store.SAdd(1, "during-set", []byte("m"))
	require.NoError(t, w.Flush(true))

	w.WaitRewrite()
	assert.False(t, w.RewriteInProgress())
	assert.Less(t, w.Size(), sizeBefore, "the rewritten log should be smaller than the churned one")

	// the writer keeps working on the swapped descriptor
	store.SetString(0, "after", []byte("ok"))
	require.NoError(t, w.Close())

	replica, _ := loadInto(t, w.cfg.Path(), w.cfg)
	o, ok := replica.Get(0, "churn")
	require.True(t, ok)
	assert.Equal(t, []byte{199}, []byte(o.Value.(obj.String)))
	d, _ := replica.Database(0)
	at, ok := d.ExpireAt("churn")
	require.True(t, ok)
	assert.Equal(t, int64(99999999999999), at)

	o, ok = replica.Get(0, "list")
	require.True(t, ok)
	assert.Equal(t, 2, o.Value.(*obj.List).Len())

	assert.True(t, replica.Exists(0, "during"))
	assert.True(t, replica.Exists(1, "during-set"))
	assert.True(t, replica.Exists(0, "after"))

	// no temp files left behind
	entries, err := os.ReadDir(w.cfg.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, w.cfg.Filename, e.Name())
	}
}

func TestRewriteWithPreamble(t *testing.T) {
	testRewrite(t, true)
}

func TestRewriteWithCommands(t *testing.T) {
	testRewrite(t, false)
}

func TestAbortRewriteCleansUp(t *testing.T) {
	w, store, _ := newTestWriter(t, nil)

	for i := 0; i < 100; i++ {
		store.SetString(0, "k", []byte{byte(i)})
	}
	require.NoError(t, w.Flush(true))

	require.NoError(t, w.StartRewrite())
	w.AbortRewrite()
	assert.False(t, w.RewriteInProgress())

	entries, err := os.ReadDir(w.cfg.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, w.cfg.Filename, e.Name())
	}

	// the writer still works after an abort
	store.SetString(0, "post", []byte("v"))
	require.NoError(t, w.Close())
	replica, _ := loadInto(t, w.cfg.Path(), w.cfg)
	assert.True(t, replica.Exists(0, "post"))
}

func TestOrphanTempFileCleanup(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, "temp-rewriteaof-bg-12345.aof")
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0o644))

	cfg := DefaultConfig()
	cfg.Dir = dir

	store := db.New(db.DefaultConfig())
	jobs := bio.NewPool()
	defer jobs.Stop()

	w, err := NewWriter(cfg, store, jobs)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err), "orphaned temp files must be removed at startup")
}

func TestCheck(t *testing.T) {
	w, store, _ := newTestWriter(t, nil)
	store.SetString(0, "k", []byte("v"))
	require.NoError(t, w.Close())

	res, err := Check(w.cfg.Path(), 0, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Commands) // SELECT + SET
	assert.False(t, res.Truncated)
}
