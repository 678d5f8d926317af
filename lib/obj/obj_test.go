package obj

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefCounting(t *testing.T) {
	o := New(String("v"))
	assert.Equal(t, 1, o.RefCount())

	o.IncrRef()
	assert.Equal(t, 2, o.RefCount())

	o.DecrRef()
	assert.NotNil(t, o.Value)
	o.DecrRef()
	assert.Nil(t, o.Value)

	assert.Panics(t, func() { o.DecrRef() })
}

func TestSetDedupe(t *testing.T) {
	s := NewSet()
	assert.True(t, s.Add([]byte("a")))
	assert.False(t, s.Add([]byte("a")))
	assert.True(t, s.Add([]byte("b")))
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains([]byte("a")))

	var order []string
	s.Range(func(m []byte) bool {
		order = append(order, string(m))
		return true
	})
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestZSetScoreUpdate(t *testing.T) {
	z := NewZSet()
	assert.True(t, z.Add(1.5, []byte("m")))
	assert.False(t, z.Add(2.5, []byte("m")))

	score, ok := z.Score([]byte("m"))
	require.True(t, ok)
	assert.Equal(t, 2.5, score)
	assert.Equal(t, 1, z.Len())
}

func TestListPushOrder(t *testing.T) {
	l := NewList()
	l.RPush([]byte("b"), []byte("c"))
	l.LPush([]byte("a"))

	var items []string
	l.Range(func(it []byte) bool {
		items = append(items, string(it))
		return true
	})
	assert.Equal(t, []string{"a", "b", "c"}, items)
}

func TestStreamIDs(t *testing.T) {
	id, err := ParseStreamID("123-7")
	require.NoError(t, err)
	assert.Equal(t, StreamID{Ms: 123, Seq: 7}, id)

	_, err = ParseStreamID("123")
	assert.Error(t, err)
	_, err = ParseStreamID("a-b")
	assert.Error(t, err)

	assert.True(t, StreamID{1, 5}.Less(StreamID{2, 0}))
	assert.True(t, StreamID{1, 5}.Less(StreamID{1, 6}))
	assert.Equal(t, StreamID{1, 6}, StreamID{1, 5}.Next())
}

func TestStreamAppendMonotonic(t *testing.T) {
	s := NewStream()
	require.NoError(t, s.Add(StreamID{1, 1}, [][]byte{[]byte("f"), []byte("v")}))
	assert.ErrorIs(t, s.Add(StreamID{1, 1}, nil), ErrStaleStreamID)
	require.NoError(t, s.Add(StreamID{1, 2}, nil))
	assert.Equal(t, StreamID{1, 2}, s.LastID)
}

func TestStreamGroups(t *testing.T) {
	s := NewStream()
	require.NoError(t, s.Add(StreamID{1, 1}, [][]byte{[]byte("f"), []byte("v")}))

	assert.True(t, s.CreateGroup("g1", s.LastID))
	assert.False(t, s.CreateGroup("g1", s.LastID))

	g, ok := s.Group("g1")
	require.True(t, ok)

	g.Claim(StreamID{1, 1}, "consumer-b", 1000, 3)
	g.Claim(StreamID{0, 5}, "consumer-a", 900, 1)
	g.EnsureConsumer("idle", 1100)

	pending := g.PendingSorted()
	require.Len(t, pending, 2)
	assert.Equal(t, StreamID{0, 5}, pending[0].ID)
	assert.Equal(t, StreamID{1, 1}, pending[1].ID)

	consumers := g.ConsumersSorted()
	require.Len(t, consumers, 3)
	assert.Equal(t, "consumer-a", consumers[0].Name)
	assert.Equal(t, "idle", consumers[2].Name)
}
