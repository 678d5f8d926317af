package obj

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Stream IDs
// --------------------------------------------------------------------------

// StreamID is a millisecond timestamp plus a sequence number
type StreamID struct {
	Ms  uint64
	Seq uint64
}

func (id StreamID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// Less orders IDs by (Ms, Seq)
func (id StreamID) Less(other StreamID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// Next returns the smallest ID strictly greater than id
func (id StreamID) Next() StreamID {
	if id.Seq == ^uint64(0) {
		return StreamID{Ms: id.Ms + 1, Seq: 0}
	}
	return StreamID{Ms: id.Ms, Seq: id.Seq + 1}
}

// ParseStreamID parses the "<ms>-<seq>" form
func ParseStreamID(s string) (StreamID, error) {
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		return StreamID{}, fmt.Errorf("obj: malformed stream id %q", s)
	}
	m, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("obj: malformed stream id %q: %w", s, err)
	}
	q, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("obj: malformed stream id %q: %w", s, err)
	}
	return StreamID{Ms: m, Seq: q}, nil
}

// --------------------------------------------------------------------------
// Stream
// --------------------------------------------------------------------------

// ErrStaleStreamID is returned when an appended ID is not strictly greater
// than the last one in the stream
var ErrStaleStreamID = errors.New("obj: stream id not greater than last id")

// StreamEntry is one appended record, fields given flat as
// field, value, field, value, ...
type StreamEntry struct {
	ID     StreamID
	Fields [][]byte
}

// PendingEntry tracks one delivered-but-unacknowledged entry of a group
type PendingEntry struct {
	ID            StreamID
	Consumer      string
	DeliveryTime  int64
	DeliveryCount uint64
}

// StreamConsumer is a named consumer inside a group
type StreamConsumer struct {
	Name     string
	SeenTime int64
}

// StreamGroup is one consumer group with its pending entry list
type StreamGroup struct {
	Name          string
	LastDelivered StreamID
	Pending       map[StreamID]*PendingEntry
	Consumers     map[string]*StreamConsumer
}

// EnsureConsumer returns the named consumer, registering it first if needed
func (g *StreamGroup) EnsureConsumer(name string, seenTime int64) *StreamConsumer {
	if c, ok := g.Consumers[name]; ok {
		return c
	}
	c := &StreamConsumer{Name: name, SeenTime: seenTime}
	g.Consumers[name] = c
	return c
}

// Claim assigns entry id to consumer with explicit delivery metadata,
// creating the pending entry (and the consumer) if missing
func (g *StreamGroup) Claim(id StreamID, consumer string, deliveryTime int64, deliveryCount uint64) {
	g.EnsureConsumer(consumer, deliveryTime)
	g.Pending[id] = &PendingEntry{
		ID:            id,
		Consumer:      consumer,
		DeliveryTime:  deliveryTime,
		DeliveryCount: deliveryCount,
	}
}

// PendingSorted returns the pending entries ordered by ID
func (g *StreamGroup) PendingSorted() []*PendingEntry {
	out := make([]*PendingEntry, 0, len(g.Pending))
	for _, p := range g.Pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// ConsumersSorted returns the consumers ordered by name
func (g *StreamGroup) ConsumersSorted() []*StreamConsumer {
	out := make([]*StreamConsumer, 0, len(g.Consumers))
	for _, c := range g.Consumers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stream is an append-only log of entries plus its consumer groups
type Stream struct {
	Entries []StreamEntry
	LastID  StreamID
	Groups  []*StreamGroup
}

func (*Stream) Kind() Kind { return KindStream }

func NewStream() *Stream { return &Stream{} }

// Add appends an entry with an explicit ID, which must be strictly greater
// than the last appended one
func (s *Stream) Add(id StreamID, fields [][]byte) error {
	if len(s.Entries) > 0 || s.LastID != (StreamID{}) {
		if !s.LastID.Less(id) {
			return ErrStaleStreamID
		}
	}
	cp := make([][]byte, len(fields))
	for i, f := range fields {
		cp[i] = append([]byte(nil), f...)
	}
	s.Entries = append(s.Entries, StreamEntry{ID: id, Fields: cp})
	s.LastID = id
	return nil
}

// SetID fixes the last-generated ID, e.g. after replaying a stream whose
// newest entries were deleted
func (s *Stream) SetID(id StreamID) {
	s.LastID = id
}

// CreateGroup registers a consumer group, false if the name is taken
func (s *Stream) CreateGroup(name string, last StreamID) bool {
	if _, ok := s.Group(name); ok {
		return false
	}
	s.Groups = append(s.Groups, &StreamGroup{
		Name:          name,
		LastDelivered: last,
		Pending:       map[StreamID]*PendingEntry{},
		Consumers:     map[string]*StreamConsumer{},
	})
	return true
}

// Group looks up a consumer group by name
func (s *Stream) Group(name string) (*StreamGroup, bool) {
	for _, g := range s.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}

func (s *Stream) Len() int { return len(s.Entries) }
