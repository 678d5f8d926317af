package obj

import "github.com/ValentinKolb/cedar/lib/obj/hashobj"

// CloneValue produces a point-in-time copy of v that is safe to iterate
// from another goroutine while the original keeps being mutated.
//
// Leaf byte slices are shared: every ingest path copies its input and no
// code path mutates stored bytes in place, so sharing them is safe. All
// container structure (slices of items, scored entries, stream groups) is
// copied.
func CloneValue(v Value, hashCfg hashobj.Config) Value {
	switch val := v.(type) {
	case String:
		return val
	case *List:
		items := make([][]byte, len(val.Items))
		copy(items, val.Items)
		return &List{Items: items}
	case *Set:
		cp := NewSet()
		val.Range(func(member []byte) bool {
			cp.index[string(member)] = len(cp.members)
			cp.members = append(cp.members, member)
			return true
		})
		return cp
	case *ZSet:
		cp := NewZSet()
		cp.entries = make([]ZEntry, len(val.entries))
		copy(cp.entries, val.entries)
		for i := range cp.entries {
			cp.index[string(cp.entries[i].Member)] = i
		}
		return cp
	case *Hash:
		cp := NewHash(hashCfg)
		val.Map.Range(func(field, value []byte) bool {
			cp.Map.Set(field, value)
			return true
		})
		return cp
	case *Stream:
		cp := NewStream()
		cp.LastID = val.LastID
		cp.Entries = make([]StreamEntry, len(val.Entries))
		copy(cp.Entries, val.Entries)
		for _, g := range val.Groups {
			gc := &StreamGroup{
				Name:          g.Name,
				LastDelivered: g.LastDelivered,
				Pending:       make(map[StreamID]*PendingEntry, len(g.Pending)),
				Consumers:     make(map[string]*StreamConsumer, len(g.Consumers)),
			}
			for id, p := range g.Pending {
				pc := *p
				gc.Pending[id] = &pc
			}
			for name, c := range g.Consumers {
				cc := *c
				gc.Consumers[name] = &cc
			}
			cp.Groups = append(cp.Groups, gc)
		}
		return cp
	default:
		panic("obj: unknown value kind in CloneValue")
	}
}
