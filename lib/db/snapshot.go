package db

import "github.com/ValentinKolb/cedar/lib/obj"

// Snapshot is a point-in-time copy of the dataset. The values are deep
// copies down to the leaf byte slices, which stay shared because the
// engine never mutates stored bytes in place. A snapshot is therefore
// safe to walk from another goroutine while the engine keeps writing.
type Snapshot struct {
	DBs []SnapshotDB
}

// SnapshotDB is the frozen view of one namespace
type SnapshotDB struct {
	ID   int
	Keys []SnapshotKey
}

// SnapshotKey is one frozen key. ExpireAt is the absolute expiry in unix
// milliseconds, zero when the key has no TTL.
type SnapshotKey struct {
	Key      string
	Value    obj.Value
	ExpireAt int64
}

// Snapshot freezes the current dataset. Must be called from the engine
// thread, like every other store operation.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{}
	for _, d := range s.dbs {
		if d.keys.Len() == 0 {
			continue
		}
		sd := SnapshotDB{ID: d.id, Keys: make([]SnapshotKey, 0, d.keys.Len())}
		d.keys.Range(func(key string, o *obj.Object) bool {
			sk := SnapshotKey{Key: key, Value: obj.CloneValue(o.Value, s.cfg.Hash)}
			if at, ok := d.expires.Get(key); ok {
				sk.ExpireAt = at
			}
			sd.Keys = append(sd.Keys, sk)
			return true
		})
		snap.DBs = append(snap.DBs, sd)
	}
	return snap
}

// Len returns the total number of keys across all namespaces
func (sn *Snapshot) Len() int {
	n := 0
	for _, d := range sn.DBs {
		n += len(d.Keys)
	}
	return n
}
