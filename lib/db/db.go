package db

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ValentinKolb/cedar/lib/dict"
	"github.com/ValentinKolb/cedar/lib/obj"
	"github.com/ValentinKolb/cedar/lib/obj/hashobj"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("db")

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrWrongType is returned when an operation hits a key holding a
	// value of another kind
	ErrWrongType = errors.New("db: operation against a key holding the wrong kind of value")

	// ErrBadDatabase is returned for a database index out of range
	ErrBadDatabase = errors.New("db: database index out of range")
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config bundles the injected parameters of the dataset
type Config struct {
	// NumDatabases is the number of logical namespaces
	NumDatabases int

	// Hash holds the conversion thresholds for hash-field containers
	Hash hashobj.Config
}

// DefaultConfig returns the default dataset configuration
func DefaultConfig() Config {
	return Config{
		NumDatabases: 16,
		Hash:         hashobj.DefaultConfig(),
	}
}

// --------------------------------------------------------------------------
// CommandSink
// --------------------------------------------------------------------------

// CommandSink receives every applied write in wire-argument form. The
// append-only log writer implements this to observe the mutation stream.
type CommandSink interface {
	FeedCommand(dbid int, args ...[]byte)
}

// --------------------------------------------------------------------------
// Store and Database
// --------------------------------------------------------------------------

// Database is one logical namespace: the key index plus the expiry index
type Database struct {
	id      int
	keys    *dict.Dict[string, *obj.Object]
	expires *dict.Dict[string, int64] // absolute unix milliseconds
}

// Store is the dataset handle threaded through the engine instead of
// ambient global state. It bundles the namespaces, the clock and the
// optional command sink and deferred-free hook.
//
// Thread-safety: like the dict underneath, the store is single-writer.
// All mutation must happen on one logical thread.
type Store struct {
	cfg  Config
	dbs  []*Database
	sink CommandSink

	// Now returns the current unix time in milliseconds, injectable for
	// deterministic expiry tests
	Now func() int64

	// DeferFree, when set, receives the release of composite values so a
	// background worker pays the free instead of the engine thread
	DeferFree func(fn func())
}

// New creates an empty store
func New(cfg Config) *Store {
	s := &Store{
		cfg: cfg,
		Now: func() int64 { return time.Now().UnixMilli() },
	}
	s.dbs = make([]*Database, cfg.NumDatabases)
	for i := range s.dbs {
		s.dbs[i] = newDatabase(i)
	}
	return s
}

func newDatabase(id int) *Database {
	keyType := dict.StringType[*obj.Object]()
	keyType.OnValueRelease = func(o *obj.Object) {
		if o != nil {
			o.DecrRef()
		}
	}
	return &Database{
		id:      id,
		keys:    dict.New(keyType),
		expires: dict.New(dict.StringType[int64]()),
	}
}

// AttachSink connects the command sink observing all writes
func (s *Store) AttachSink(sink CommandSink) {
	s.sink = sink
}

// Config returns the injected configuration
func (s *Store) Config() Config {
	return s.cfg
}

// NumDatabases returns the number of logical namespaces
func (s *Store) NumDatabases() int {
	return len(s.dbs)
}

// Database returns namespace i
func (s *Store) Database(i int) (*Database, error) {
	if i < 0 || i >= len(s.dbs) {
		return nil, fmt.Errorf("%w: %d", ErrBadDatabase, i)
	}
	return s.dbs[i], nil
}

func (s *Store) feed(dbid int, args ...[]byte) {
	if s.sink != nil {
		s.sink.FeedCommand(dbid, args...)
	}
}

// --------------------------------------------------------------------------
// Expiry
// --------------------------------------------------------------------------

// expireIfNeeded lazily removes a key whose TTL elapsed. The removal is
// propagated to the sink as an explicit DEL so a replay cannot resurrect
// the key.
func (s *Store) expireIfNeeded(d *Database, key string) bool {
	at, ok := d.expires.Get(key)
	if !ok || s.Now() < at {
		return false
	}
	d.expires.Delete(key)
	d.keys.Delete(key)
	s.feed(d.id, []byte("DEL"), []byte(key))
	return true
}

// ActiveExpireCycle samples keys from every namespace's expiry index and
// removes the elapsed ones. Returns the number of keys removed.
func (s *Store) ActiveExpireCycle(samplesPerDB int) int {
	removed := 0
	for _, d := range s.dbs {
		for _, h := range d.expires.SampleEntries(samplesPerDB) {
			if s.expireIfNeeded(d, h.Key()) {
				removed++
			}
		}
	}
	if removed > 0 {
		Logger.Debugf("active expire cycle removed %d keys", removed)
	}
	return removed
}

// --------------------------------------------------------------------------
// Lookup
// --------------------------------------------------------------------------

// Get returns the live object for key, honoring expiry
func (s *Store) Get(dbid int, key string) (*obj.Object, bool) {
	d := s.dbs[dbid]
	if s.expireIfNeeded(d, key) {
		return nil, false
	}
	return d.keys.Get(key)
}

// Exists reports whether key is live
func (s *Store) Exists(dbid int, key string) bool {
	_, ok := s.Get(dbid, key)
	return ok
}

// lookupKind returns the existing value of the wanted kind or creates it
// with fresh when absent
func (s *Store) lookupKind(d *Database, key string, kind obj.Kind, fresh func() obj.Value) (obj.Value, error) {
	s.expireIfNeeded(d, key)
	if o, ok := d.keys.Get(key); ok {
		if o.Value.Kind() != kind {
			return nil, fmt.Errorf("%w (key %q is %s, want %s)", ErrWrongType, key, o.Value.Kind(), kind)
		}
		return o.Value, nil
	}
	v := fresh()
	d.keys.Set(key, obj.New(v))
	return v, nil
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// SetString stores a string value under key, replacing any previous value
// and clearing a previous TTL
func (s *Store) SetString(dbid int, key string, value []byte) {
	s.setString(dbid, key, value)
	s.feed(dbid, []byte("SET"), []byte(key), value)
}

func (s *Store) setString(dbid int, key string, value []byte) {
	d := s.dbs[dbid]
	d.keys.Set(key, obj.New(obj.String(append([]byte(nil), value...))))
	d.expires.Delete(key)
}

// RPush appends items to the list at key, creating it if needed
func (s *Store) RPush(dbid int, key string, items ...[]byte) (int, error) {
	n, err := s.rpush(dbid, key, items...)
	if err != nil {
		return 0, err
	}
	s.feed(dbid, feedArgs("RPUSH", key, items)...)
	return n, nil
}

func (s *Store) rpush(dbid int, key string, items ...[]byte) (int, error) {
	v, err := s.lookupKind(s.dbs[dbid], key, obj.KindList, func() obj.Value { return obj.NewList() })
	if err != nil {
		return 0, err
	}
	l := v.(*obj.List)
	l.RPush(items...)
	return l.Len(), nil
}

// LPush prepends items to the list at key, creating it if needed
func (s *Store) LPush(dbid int, key string, items ...[]byte) (int, error) {
	n, err := s.lpush(dbid, key, items...)
	if err != nil {
		return 0, err
	}
	s.feed(dbid, feedArgs("LPUSH", key, items)...)
	return n, nil
}

func (s *Store) lpush(dbid int, key string, items ...[]byte) (int, error) {
	v, err := s.lookupKind(s.dbs[dbid], key, obj.KindList, func() obj.Value { return obj.NewList() })
	if err != nil {
		return 0, err
	}
	l := v.(*obj.List)
	l.LPush(items...)
	return l.Len(), nil
}

// SAdd inserts members into the set at key, returning how many were new
func (s *Store) SAdd(dbid int, key string, members ...[]byte) (int, error) {
	n, err := s.sadd(dbid, key, members...)
	if err != nil {
		return 0, err
	}
	s.feed(dbid, feedArgs("SADD", key, members)...)
	return n, nil
}

func (s *Store) sadd(dbid int, key string, members ...[]byte) (int, error) {
	v, err := s.lookupKind(s.dbs[dbid], key, obj.KindSet, func() obj.Value { return obj.NewSet() })
	if err != nil {
		return 0, err
	}
	set := v.(*obj.Set)
	added := 0
	for _, m := range members {
		if set.Add(m) {
			added++
		}
	}
	return added, nil
}

// ZAdd inserts or updates scored members of the sorted collection at key
func (s *Store) ZAdd(dbid int, key string, entries ...obj.ZEntry) (int, error) {
	n, err := s.zadd(dbid, key, entries...)
	if err != nil {
		return 0, err
	}
	args := [][]byte{[]byte("ZADD"), []byte(key)}
	for _, e := range entries {
		args = append(args, FormatScore(e.Score), e.Member)
	}
	s.feed(dbid, args...)
	return n, nil
}

func (s *Store) zadd(dbid int, key string, entries ...obj.ZEntry) (int, error) {
	v, err := s.lookupKind(s.dbs[dbid], key, obj.KindZSet, func() obj.Value { return obj.NewZSet() })
	if err != nil {
		return 0, err
	}
	z := v.(*obj.ZSet)
	added := 0
	for _, e := range entries {
		if z.Add(e.Score, e.Member) {
			added++
		}
	}
	return added, nil
}

// HSet applies field/value pairs (flat, even count) to the hash at key
func (s *Store) HSet(dbid int, key string, fieldValues ...[]byte) (int, error) {
	n, err := s.hset(dbid, key, fieldValues...)
	if err != nil {
		return 0, err
	}
	s.feed(dbid, feedArgs("HSET", key, fieldValues)...)
	return n, nil
}

func (s *Store) hset(dbid int, key string, fieldValues ...[]byte) (int, error) {
	if len(fieldValues) == 0 || len(fieldValues)%2 != 0 {
		return 0, fmt.Errorf("db: HSET requires field/value pairs")
	}
	v, err := s.lookupKind(s.dbs[dbid], key, obj.KindHash, func() obj.Value { return obj.NewHash(s.cfg.Hash) })
	if err != nil {
		return 0, err
	}
	h := v.(*obj.Hash)
	inserted := 0
	for i := 0; i < len(fieldValues); i += 2 {
		if !h.Map.Set(fieldValues[i], fieldValues[i+1]) {
			inserted++
		}
	}
	return inserted, nil
}

// Del removes key. Composite values are released through DeferFree when
// configured so the engine thread never pays a large free.
func (s *Store) Del(dbid int, key string) bool {
	if !s.del(dbid, key) {
		return false
	}
	s.feed(dbid, []byte("DEL"), []byte(key))
	return true
}

func (s *Store) del(dbid int, key string) bool {
	d := s.dbs[dbid]
	h, ok := d.keys.Unlink(key)
	if !ok {
		return false
	}
	d.expires.Delete(key)

	o := h.Value()
	if s.DeferFree != nil && o != nil && o.Value.Kind() != obj.KindString {
		// entry bookkeeping must stay on the owner thread, only the
		// value release moves to the background worker
		h.SetValue(nil)
		d.keys.FreeUnlinked(h)
		s.DeferFree(func() { o.DecrRef() })
		return true
	}
	d.keys.FreeUnlinked(h)
	return true
}

// PExpireAt sets the absolute expiry of key in unix milliseconds
func (s *Store) PExpireAt(dbid int, key string, at int64) bool {
	if !s.pexpireat(dbid, key, at) {
		return false
	}
	s.feed(dbid, []byte("PEXPIREAT"), []byte(key), fmtInt(at))
	return true
}

func (s *Store) pexpireat(dbid int, key string, at int64) bool {
	d := s.dbs[dbid]
	if _, ok := d.keys.Get(key); !ok {
		return false
	}
	d.expires.Set(key, at)
	return true
}

// FlushAll drops every key of every namespace
func (s *Store) FlushAll() {
	for _, d := range s.dbs {
		d.keys.Clear()
		d.expires.Clear()
	}
}

// --------------------------------------------------------------------------
// Stream Operations
// --------------------------------------------------------------------------

func (s *Store) getStream(dbid int, key string, createMissing bool) (*obj.Stream, error) {
	d := s.dbs[dbid]
	if !createMissing {
		o, ok := d.keys.Get(key)
		if !ok {
			return nil, fmt.Errorf("db: no such stream %q", key)
		}
		if o.Value.Kind() != obj.KindStream {
			return nil, fmt.Errorf("%w (key %q is %s, want stream)", ErrWrongType, key, o.Value.Kind())
		}
		return o.Value.(*obj.Stream), nil
	}
	v, err := s.lookupKind(d, key, obj.KindStream, func() obj.Value { return obj.NewStream() })
	if err != nil {
		return nil, err
	}
	return v.(*obj.Stream), nil
}

// XAdd appends an entry with an explicit ID to the stream at key
func (s *Store) XAdd(dbid int, key string, id obj.StreamID, fields ...[]byte) error {
	if err := s.xadd(dbid, key, id, fields...); err != nil {
		return err
	}
	args := [][]byte{[]byte("XADD"), []byte(key), []byte(id.String())}
	args = append(args, fields...)
	s.feed(dbid, args...)
	return nil
}

func (s *Store) xadd(dbid int, key string, id obj.StreamID, fields ...[]byte) error {
	if len(fields) == 0 || len(fields)%2 != 0 {
		return fmt.Errorf("db: XADD requires field/value pairs")
	}
	st, err := s.getStream(dbid, key, true)
	if err != nil {
		return err
	}
	return st.Add(id, fields)
}

// XSetID fixes the stream's last-generated ID
func (s *Store) XSetID(dbid int, key string, id obj.StreamID) error {
	if err := s.xsetid(dbid, key, id); err != nil {
		return err
	}
	s.feed(dbid, []byte("XSETID"), []byte(key), []byte(id.String()))
	return nil
}

func (s *Store) xsetid(dbid int, key string, id obj.StreamID) error {
	st, err := s.getStream(dbid, key, true)
	if err != nil {
		return err
	}
	st.SetID(id)
	return nil
}

// XGroupCreate registers a consumer group on the stream at key
func (s *Store) XGroupCreate(dbid int, key, group string, last obj.StreamID) error {
	if err := s.xgroupCreate(dbid, key, group, last); err != nil {
		return err
	}
	s.feed(dbid, []byte("XGROUP"), []byte("CREATE"), []byte(key), []byte(group), []byte(last.String()))
	return nil
}

func (s *Store) xgroupCreate(dbid int, key, group string, last obj.StreamID) error {
	st, err := s.getStream(dbid, key, true)
	if err != nil {
		return err
	}
	if !st.CreateGroup(group, last) {
		return fmt.Errorf("db: consumer group %q already exists", group)
	}
	return nil
}

// XGroupCreateConsumer registers an (idle) consumer inside a group
func (s *Store) XGroupCreateConsumer(dbid int, key, group, consumer string) error {
	if err := s.xgroupCreateConsumer(dbid, key, group, consumer); err != nil {
		return err
	}
	s.feed(dbid, []byte("XGROUP"), []byte("CREATECONSUMER"), []byte(key), []byte(group), []byte(consumer))
	return nil
}

func (s *Store) xgroupCreateConsumer(dbid int, key, group, consumer string) error {
	st, err := s.getStream(dbid, key, false)
	if err != nil {
		return err
	}
	g, ok := st.Group(group)
	if !ok {
		return fmt.Errorf("db: no such consumer group %q", group)
	}
	g.EnsureConsumer(consumer, s.Now())
	return nil
}

// XClaim assigns a pending entry to consumer with explicit delivery
// metadata
func (s *Store) XClaim(dbid int, key, group, consumer string, id obj.StreamID, deliveryTime int64, deliveryCount uint64) error {
	if err := s.xclaim(dbid, key, group, consumer, id, deliveryTime, deliveryCount); err != nil {
		return err
	}
	s.feed(dbid,
		[]byte("XCLAIM"), []byte(key), []byte(group), []byte(consumer), []byte(id.String()),
		[]byte("TIME"), fmtInt(deliveryTime),
		[]byte("RETRYCOUNT"), fmtInt(int64(deliveryCount)),
		[]byte("JUSTID"), []byte("FORCE"))
	return nil
}

func (s *Store) xclaim(dbid int, key, group, consumer string, id obj.StreamID, deliveryTime int64, deliveryCount uint64) error {
	st, err := s.getStream(dbid, key, false)
	if err != nil {
		return err
	}
	g, ok := st.Group(group)
	if !ok {
		return fmt.Errorf("db: no such consumer group %q", group)
	}
	g.Claim(id, consumer, deliveryTime, deliveryCount)
	return nil
}

// --------------------------------------------------------------------------
// Namespace Access (for the rewrite engine and tests)
// --------------------------------------------------------------------------

// Len returns the number of live keys in the namespace
func (d *Database) Len() int {
	return d.keys.Len()
}

// ID returns the namespace index
func (d *Database) ID() int {
	return d.id
}

// Range iterates all keys with a safe iterator
func (d *Database) Range(fn func(key string, o *obj.Object) bool) {
	d.keys.Range(fn)
}

// ExpireAt returns the absolute expiry of key in unix milliseconds
func (d *Database) ExpireAt(key string) (int64, bool) {
	return d.expires.Get(key)
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func feedArgs(cmd, key string, rest [][]byte) [][]byte {
	args := make([][]byte, 0, 2+len(rest))
	args = append(args, []byte(cmd), []byte(key))
	return append(args, rest...)
}

func fmtInt(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}

// FormatScore renders a sorted-collection score the way the wire protocol
// carries it
func FormatScore(score float64) []byte {
	return strconv.AppendFloat(nil, score, 'g', 17, 64)
}
