package obj

import (
	"sync/atomic"

	"github.com/ValentinKolb/cedar/lib/obj/hashobj"
)

// --------------------------------------------------------------------------
// Kind (closed type enum)
// --------------------------------------------------------------------------

// Kind identifies the concrete representation of a Value
type Kind uint8

const (
	KindString Kind = iota
	KindList
	KindSet
	KindZSet
	KindHash
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindZSet:
		return "zset"
	case KindHash:
		return "hash"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Value is the closed union of value representations. Only the types in
// this package implement it, so a type switch over Value is exhaustive.
type Value interface {
	Kind() Kind
}

// --------------------------------------------------------------------------
// Object (reference-counted value holder)
// --------------------------------------------------------------------------

// Object wraps a Value with a reference count. The count exists because
// deferred frees run on a background worker while the owner thread may
// still hold the object.
type Object struct {
	refcount atomic.Int32
	Value    Value
}

// New creates an object with a reference count of one
func New(v Value) *Object {
	o := &Object{Value: v}
	o.refcount.Store(1)
	return o
}

// IncrRef takes an additional reference
func (o *Object) IncrRef() {
	o.refcount.Add(1)
}

// DecrRef drops a reference and releases the value when the count hits zero
func (o *Object) DecrRef() {
	if n := o.refcount.Add(-1); n == 0 {
		o.Value = nil
	} else if n < 0 {
		panic("obj: negative reference count")
	}
}

// RefCount returns the current reference count
func (o *Object) RefCount() int {
	return int(o.refcount.Load())
}

// --------------------------------------------------------------------------
// String
// --------------------------------------------------------------------------

// String is a plain byte-string value
type String []byte

func (String) Kind() Kind { return KindString }

// --------------------------------------------------------------------------
// List
// --------------------------------------------------------------------------

// List is an ordered sequence of byte-string items. Only the iteration and
// append contract matters here; compact list encodings live outside the core.
type List struct {
	Items [][]byte
}

func (*List) Kind() Kind { return KindList }

func NewList() *List { return &List{} }

// RPush appends items to the tail
func (l *List) RPush(items ...[]byte) {
	for _, it := range items {
		l.Items = append(l.Items, append([]byte(nil), it...))
	}
}

// LPush prepends items to the head, in argument order like repeated
// single-item pushes
func (l *List) LPush(items ...[]byte) {
	for _, it := range items {
		l.Items = append([][]byte{append([]byte(nil), it...)}, l.Items...)
	}
}

func (l *List) Len() int { return len(l.Items) }

// Range iterates items head to tail
func (l *List) Range(fn func(item []byte) bool) {
	for _, it := range l.Items {
		if !fn(it) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Set
// --------------------------------------------------------------------------

// Set is a collection of unique byte-string members with insertion-ordered
// iteration
type Set struct {
	members [][]byte
	index   map[string]int
}

func (*Set) Kind() Kind { return KindSet }

func NewSet() *Set {
	return &Set{index: map[string]int{}}
}

// Add inserts a member and reports whether it was new
func (s *Set) Add(member []byte) bool {
	if _, ok := s.index[string(member)]; ok {
		return false
	}
	s.index[string(member)] = len(s.members)
	s.members = append(s.members, append([]byte(nil), member...))
	return true
}

// Contains reports membership
func (s *Set) Contains(member []byte) bool {
	_, ok := s.index[string(member)]
	return ok
}

func (s *Set) Len() int { return len(s.members) }

// Range iterates members in insertion order
func (s *Set) Range(fn func(member []byte) bool) {
	for _, m := range s.members {
		if !fn(m) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// ZSet
// --------------------------------------------------------------------------

// ZEntry is one scored member of a sorted collection
type ZEntry struct {
	Member []byte
	Score  float64
}

// ZSet is a scored member collection. The skiplist/range machinery is out
// of the core's scope, only the score/member iteration contract is kept.
type ZSet struct {
	entries []ZEntry
	index   map[string]int
}

func (*ZSet) Kind() Kind { return KindZSet }

func NewZSet() *ZSet {
	return &ZSet{index: map[string]int{}}
}

// Add inserts member with score or updates the score of an existing member.
// Returns true when the member was new.
func (z *ZSet) Add(score float64, member []byte) bool {
	if i, ok := z.index[string(member)]; ok {
		z.entries[i].Score = score
		return false
	}
	z.index[string(member)] = len(z.entries)
	z.entries = append(z.entries, ZEntry{
		Member: append([]byte(nil), member...),
		Score:  score,
	})
	return true
}

// Score returns the score of member
func (z *ZSet) Score(member []byte) (float64, bool) {
	i, ok := z.index[string(member)]
	if !ok {
		return 0, false
	}
	return z.entries[i].Score, true
}

func (z *ZSet) Len() int { return len(z.entries) }

// Range iterates entries in insertion order
func (z *ZSet) Range(fn func(e ZEntry) bool) {
	for _, e := range z.entries {
		if !fn(e) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Hash
// --------------------------------------------------------------------------

// Hash adapts the hash-field container into the value union
type Hash struct {
	*hashobj.Map
}

func (*Hash) Kind() Kind { return KindHash }

func NewHash(cfg hashobj.Config) *Hash {
	return &Hash{Map: hashobj.New(cfg)}
}
