package aof

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/ValentinKolb/cedar/lib/db"
	"github.com/ValentinKolb/cedar/lib/obj"
)

// The snapshot preamble is a compact binary image of a frozen dataset,
// written by the rewrite engine ahead of the command tail. Layout:
//
//	"CEDAR"              5 byte magic
//	version              uint8
//	payload length       uint64 LittleEndian
//	payload              see encodeSnapshotPayload
//
// The explicit payload length lets the loader hand the rest of the file
// to the record reader without re-parsing, and keeps truncation offsets
// exact.

const (
	preambleMagic   = "CEDAR"
	preambleVersion = 1
)

// preambleHeaderLen is the byte count before the payload
const preambleHeaderLen = len(preambleMagic) + 1 + 8

// EncodeSnapshot writes the full preamble (header plus payload) for snap
func EncodeSnapshot(w io.Writer, snap *db.Snapshot) error {
	var payload bytes.Buffer
	if err := encodeSnapshotPayload(&payload, snap); err != nil {
		return err
	}

	if _, err := io.WriteString(w, preambleMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(preambleVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(payload.Len())); err != nil {
		return err
	}
	_, err := w.Write(payload.Bytes())
	return err
}

func encodeSnapshotPayload(w io.Writer, snap *db.Snapshot) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(snap.DBs))); err != nil {
		return err
	}
	for _, d := range snap.DBs {
		if err := binary.Write(w, binary.LittleEndian, uint32(d.ID)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(d.Keys))); err != nil {
			return err
		}
		for _, k := range d.Keys {
			if err := writeBlob(w, []byte(k.Key)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint64(k.ExpireAt)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint8(k.Value.Kind())); err != nil {
				return err
			}
			if err := writeValue(w, k.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeValue(w io.Writer, v obj.Value) error {
	switch val := v.(type) {
	case obj.String:
		return writeBlob(w, []byte(val))

	case *obj.List:
		if err := binary.Write(w, binary.LittleEndian, uint32(val.Len())); err != nil {
			return err
		}
		for _, item := range val.Items {
			if err := writeBlob(w, item); err != nil {
				return err
			}
		}
		return nil

	case *obj.Set:
		if err := binary.Write(w, binary.LittleEndian, uint32(val.Len())); err != nil {
			return err
		}
		var werr error
		val.Range(func(member []byte) bool {
			werr = writeBlob(w, member)
			return werr == nil
		})
		return werr

	case *obj.ZSet:
		if err := binary.Write(w, binary.LittleEndian, uint32(val.Len())); err != nil {
			return err
		}
		var werr error
		val.Range(func(e obj.ZEntry) bool {
			if werr = binary.Write(w, binary.LittleEndian, math.Float64bits(e.Score)); werr != nil {
				return false
			}
			werr = writeBlob(w, e.Member)
			return werr == nil
		})
		return werr

	case *obj.Hash:
		if err := binary.Write(w, binary.LittleEndian, uint32(val.Map.Len())); err != nil {
			return err
		}
		var werr error
		val.Map.Range(func(field, value []byte) bool {
			if werr = writeBlob(w, field); werr != nil {
				return false
			}
			werr = writeBlob(w, value)
			return werr == nil
		})
		return werr

	case *obj.Stream:
		return writeStream(w, val)

	default:
		return fmt.Errorf("aof: cannot serialize value kind %s", v.Kind())
	}
}

func writeStream(w io.Writer, st *obj.Stream) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(st.Entries))); err != nil {
		return err
	}
	for _, e := range st.Entries {
		if err := writeStreamID(w, e.ID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Fields))); err != nil {
			return err
		}
		for _, f := range e.Fields {
			if err := writeBlob(w, f); err != nil {
				return err
			}
		}
	}
	if err := writeStreamID(w, st.LastID); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(st.Groups))); err != nil {
		return err
	}
	for _, g := range st.Groups {
		if err := writeBlob(w, []byte(g.Name)); err != nil {
			return err
		}
		if err := writeStreamID(w, g.LastDelivered); err != nil {
			return err
		}
		pending := g.PendingSorted()
		if err := binary.Write(w, binary.LittleEndian, uint32(len(pending))); err != nil {
			return err
		}
		for _, p := range pending {
			if err := writeStreamID(w, p.ID); err != nil {
				return err
			}
			if err := writeBlob(w, []byte(p.Consumer)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint64(p.DeliveryTime)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, p.DeliveryCount); err != nil {
				return err
			}
		}
		consumers := g.ConsumersSorted()
		if err := binary.Write(w, binary.LittleEndian, uint32(len(consumers))); err != nil {
			return err
		}
		for _, c := range consumers {
			if err := writeBlob(w, []byte(c.Name)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint64(c.SeenTime)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeStreamID(w io.Writer, id obj.StreamID) error {
	if err := binary.Write(w, binary.LittleEndian, id.Ms); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, id.Seq)
}

func writeBlob(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// --------------------------------------------------------------------------
// Decode
// --------------------------------------------------------------------------

// DecodeSnapshot reads a preamble from r and applies it to the store.
// The store must not have a command sink attached yet, the decoded keys
// would be fed back into the log otherwise. Returns the number of keys
// restored and the total preamble length in bytes.
func DecodeSnapshot(r io.Reader, store *db.Store) (int, int64, error) {
	magic := make([]byte, len(preambleMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return 0, 0, fmt.Errorf("aof: read preamble magic: %w", err)
	}
	if string(magic) != preambleMagic {
		return 0, 0, fmt.Errorf("aof: invalid preamble magic %q", magic)
	}

	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, 0, fmt.Errorf("aof: read preamble version: %w", err)
	}
	if version != preambleVersion {
		return 0, 0, fmt.Errorf("aof: unsupported preamble version %d (expected %d)", version, preambleVersion)
	}

	var payloadLen uint64
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return 0, 0, fmt.Errorf("aof: read preamble length: %w", err)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, 0, fmt.Errorf("aof: read preamble payload: %w", err)
	}

	keys, err := decodeSnapshotPayload(bytes.NewReader(payload), store)
	return keys, int64(preambleHeaderLen) + int64(payloadLen), err
}

func decodeSnapshotPayload(r io.Reader, store *db.Store) (int, error) {
	var numDBs uint32
	if err := binary.Read(r, binary.LittleEndian, &numDBs); err != nil {
		return 0, err
	}
	total := 0
	for i := uint32(0); i < numDBs; i++ {
		var dbid uint32
		if err := binary.Read(r, binary.LittleEndian, &dbid); err != nil {
			return total, err
		}
		if _, err := store.Database(int(dbid)); err != nil {
			return total, err
		}
		var keyCount uint64
		if err := binary.Read(r, binary.LittleEndian, &keyCount); err != nil {
			return total, err
		}
		for k := uint64(0); k < keyCount; k++ {
			if err := decodeKey(r, store, int(dbid)); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}

func decodeKey(r io.Reader, store *db.Store, dbid int) error {
	keyBytes, err := readBlob(r)
	if err != nil {
		return err
	}
	key := string(keyBytes)

	var expireAt uint64
	if err := binary.Read(r, binary.LittleEndian, &expireAt); err != nil {
		return err
	}
	var kind uint8
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return err
	}

	switch obj.Kind(kind) {
	case obj.KindString:
		value, err := readBlob(r)
		if err != nil {
			return err
		}
		store.SetString(dbid, key, value)

	case obj.KindList:
		items, err := readBlobList(r)
		if err != nil {
			return err
		}
		if len(items) > 0 {
			if _, err := store.RPush(dbid, key, items...); err != nil {
				return err
			}
		}

	case obj.KindSet:
		members, err := readBlobList(r)
		if err != nil {
			return err
		}
		if len(members) > 0 {
			if _, err := store.SAdd(dbid, key, members...); err != nil {
				return err
			}
		}

	case obj.KindZSet:
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return err
		}
		entries := make([]obj.ZEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			var bits uint64
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return err
			}
			member, err := readBlob(r)
			if err != nil {
				return err
			}
			entries = append(entries, obj.ZEntry{Member: member, Score: math.Float64frombits(bits)})
		}
		if len(entries) > 0 {
			if _, err := store.ZAdd(dbid, key, entries...); err != nil {
				return err
			}
		}

	case obj.KindHash:
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return err
		}
		pairs := make([][]byte, 0, count*2)
		for i := uint32(0); i < count; i++ {
			field, err := readBlob(r)
			if err != nil {
				return err
			}
			value, err := readBlob(r)
			if err != nil {
				return err
			}
			pairs = append(pairs, field, value)
		}
		if len(pairs) > 0 {
			if _, err := store.HSet(dbid, key, pairs...); err != nil {
				return err
			}
		}

	case obj.KindStream:
		if err := decodeStream(r, store, dbid, key); err != nil {
			return err
		}

	default:
		return fmt.Errorf("aof: unknown value kind %d for key %q", kind, key)
	}

	if expireAt != 0 {
		store.PExpireAt(dbid, key, int64(expireAt))
	}
	return nil
}

func decodeStream(r io.Reader, store *db.Store, dbid int, key string) error {
	var entryCount uint32
	if err := binary.Read(r, binary.LittleEndian, &entryCount); err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		id, err := readStreamID(r)
		if err != nil {
			return err
		}
		fields, err := readBlobList(r)
		if err != nil {
			return err
		}
		if err := store.XAdd(dbid, key, id, fields...); err != nil {
			return err
		}
	}

	lastID, err := readStreamID(r)
	if err != nil {
		return err
	}
	if err := store.XSetID(dbid, key, lastID); err != nil {
		return err
	}

	var groupCount uint32
	if err := binary.Read(r, binary.LittleEndian, &groupCount); err != nil {
		return err
	}
	for i := uint32(0); i < groupCount; i++ {
		nameBytes, err := readBlob(r)
		if err != nil {
			return err
		}
		name := string(nameBytes)
		last, err := readStreamID(r)
		if err != nil {
			return err
		}
		if err := store.XGroupCreate(dbid, key, name, last); err != nil {
			return err
		}

		var pendingCount uint32
		if err := binary.Read(r, binary.LittleEndian, &pendingCount); err != nil {
			return err
		}
		for j := uint32(0); j < pendingCount; j++ {
			id, err := readStreamID(r)
			if err != nil {
				return err
			}
			consumer, err := readBlob(r)
			if err != nil {
				return err
			}
			var deliveryTime, deliveryCount uint64
			if err := binary.Read(r, binary.LittleEndian, &deliveryTime); err != nil {
				return err
			}
			if err := binary.Read(r, binary.LittleEndian, &deliveryCount); err != nil {
				return err
			}
			if err := store.XClaim(dbid, key, name, string(consumer), id, int64(deliveryTime), deliveryCount); err != nil {
				return err
			}
		}

		var consumerCount uint32
		if err := binary.Read(r, binary.LittleEndian, &consumerCount); err != nil {
			return err
		}
		for j := uint32(0); j < consumerCount; j++ {
			consumer, err := readBlob(r)
			if err != nil {
				return err
			}
			var seenTime uint64
			if err := binary.Read(r, binary.LittleEndian, &seenTime); err != nil {
				return err
			}
			if err := store.XGroupCreateConsumer(dbid, key, name, string(consumer)); err != nil {
				return err
			}
		}
	}
	return nil
}

func readStreamID(r io.Reader) (obj.StreamID, error) {
	var id obj.StreamID
	if err := binary.Read(r, binary.LittleEndian, &id.Ms); err != nil {
		return id, err
	}
	err := binary.Read(r, binary.LittleEndian, &id.Seq)
	return id, err
}

func readBlob(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readBlobList(r io.Reader) ([][]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		b, err := readBlob(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
