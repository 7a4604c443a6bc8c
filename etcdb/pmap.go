package etcdb

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/etcdgw/etcdgw/etcd"
)

// slotPrefix is the 2-byte big-endian table prefix every physical key of
// a slot starts with.
func slotPrefix(slot uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, slot)
	return b
}

// slotRangeEnd is the exclusive upper bound of a whole-slot scan: the
// prefix of the next slot, or the gateway's "to end of keyspace" marker
// for the last slot.
func slotRangeEnd(slot uint16) []byte {
	if slot == 0xFFFF {
		return []byte{0}
	}
	return slotPrefix(slot + 1)
}

func slotKeySet(slot uint16) etcd.KeySet {
	ks, _ := etcd.NewRangeKeySet(slotPrefix(slot), slotRangeEnd(slot))
	return ks
}

// PersistentMap is a typed map persisted in one slot of the store. The
// map itself is stateless; all reads and writes go through a Txn, so a
// map value can be shared freely between goroutines.
type PersistentMap[K, V any] struct {
	slot    uint16
	kc      KeyCodec[K]
	vc      ValueCodec[V]
	indexes []*Index[K, V]
}

// NewPersistentMap binds a slot to a key and value codec. Two maps over
// the same slot must use the same codecs or reads will fail.
func NewPersistentMap[K, V any](slot uint16, kc KeyCodec[K], vc ValueCodec[V]) *PersistentMap[K, V] {
	return &PersistentMap[K, V]{slot: slot, kc: kc, vc: vc}
}

// Slot returns the slot index this map stores into.
func (m *PersistentMap[K, V]) Slot() uint16 { return m.slot }

func (m *PersistentMap[K, V]) physKey(k K) ([]byte, error) {
	enc, err := m.kc.EncodeKey(k)
	if err != nil {
		return nil, err
	}
	if len(enc) == 0 {
		return nil, errors.New("encoded key must not be empty")
	}
	return append(slotPrefix(m.slot), enc...), nil
}

func (m *PersistentMap[K, V]) logicalKey(phys []byte) (K, error) {
	var zero K
	if len(phys) < 2 || !bytes.Equal(phys[:2], slotPrefix(m.slot)) {
		return zero, errors.Errorf("key %x does not belong to slot %d", phys, m.slot)
	}
	return m.kc.DecodeKey(phys[2:])
}

// Get reads one entry. The second return is false when the key is absent.
func (m *PersistentMap[K, V]) Get(txn *Txn, key K) (V, bool, error) {
	var zero V
	pk, err := m.physKey(key)
	if err != nil {
		return zero, false, err
	}
	raw, ok, err := txn.Get(pk)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := m.vc.DecodeValue(raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Put writes one entry and maintains every attached index: when the
// entry already exists under a different derived key, the superseded
// index entry is removed before the new one is written. All of it lands
// in the same transaction.
func (m *PersistentMap[K, V]) Put(txn *Txn, key K, value V) error {
	pk, err := m.physKey(key)
	if err != nil {
		return err
	}
	if len(m.indexes) > 0 {
		old, existed, err := m.Get(txn, key)
		if err != nil {
			return err
		}
		for _, idx := range m.indexes {
			if existed {
				same, err := idx.sameDerived(old, value)
				if err != nil {
					return err
				}
				if !same {
					if err := idx.remove(txn, old); err != nil {
						return err
					}
				}
			}
			if err := idx.put(txn, value, key); err != nil {
				return err
			}
		}
	}
	raw, err := m.vc.EncodeValue(value)
	if err != nil {
		return err
	}
	return txn.Put(pk, raw)
}

// Delete removes one entry and its index entries. It reports whether the
// entry existed at the transaction's snapshot.
func (m *PersistentMap[K, V]) Delete(txn *Txn, key K) (bool, error) {
	pk, err := m.physKey(key)
	if err != nil {
		return false, err
	}
	if len(m.indexes) > 0 {
		old, existed, err := m.Get(txn, key)
		if err != nil {
			return false, err
		}
		if !existed {
			return false, nil
		}
		for _, idx := range m.indexes {
			if err := idx.remove(txn, old); err != nil {
				return false, err
			}
		}
		return true, txn.Delete(pk)
	}
	_, existed, err := txn.Get(pk)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	return true, txn.Delete(pk)
}

// Entry is one decoded key-value pair of a scan.
type Entry[K, V any] struct {
	Key   K
	Value V
}

// SelectOptions refine a Select scan.
type SelectOptions struct {
	// Limit caps the number of returned entries; 0 means all.
	Limit int64
	// KeysOnly skips value decoding; Entry.Value stays the zero value.
	KeysOnly bool
}

// Select scans the whole slot in key order, decoding every entry.
func (m *PersistentMap[K, V]) Select(txn *Txn, opts *SelectOptions) ([]Entry[K, V], error) {
	return m.scan(txn, slotKeySet(m.slot), opts)
}

// SelectRange scans the half-open key interval [from, to) in key order.
func (m *PersistentMap[K, V]) SelectRange(txn *Txn, from, to K, opts *SelectOptions) ([]Entry[K, V], error) {
	start, err := m.physKey(from)
	if err != nil {
		return nil, err
	}
	end, err := m.physKey(to)
	if err != nil {
		return nil, err
	}
	ks, err := etcd.NewRangeKeySet(start, end)
	if err != nil {
		return nil, err
	}
	return m.scan(txn, ks, opts)
}

func (m *PersistentMap[K, V]) scan(txn *Txn, ks etcd.KeySet, opts *SelectOptions) ([]Entry[K, V], error) {
	if opts == nil {
		opts = &SelectOptions{}
	}
	kvs, err := txn.GetRange(ks, opts.Limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry[K, V], 0, len(kvs))
	for _, kv := range kvs {
		k, err := m.logicalKey(kv.Key)
		if err != nil {
			return nil, err
		}
		e := Entry[K, V]{Key: k}
		if !opts.KeysOnly {
			if e.Value, err = m.vc.DecodeValue(kv.Value); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Count returns the number of entries in the slot as seen by the store
// right now. The transaction's write buffer is not consulted.
func (m *PersistentMap[K, V]) Count(txn *Txn) (int64, error) {
	if err := txn.failIfDone(); err != nil {
		return 0, err
	}
	res, err := txn.db.c.Get(txn.ctx, slotKeySet(m.slot), &etcd.GetOptions{
		CountOnly: true,
		Revision:  txn.baseRev,
	})
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Truncate buffers a delete for every entry of the slot, so the wipe
// commits atomically with the rest of the transaction. Index slots are
// not touched; truncate them separately or use RebuildIndex afterwards.
func (m *PersistentMap[K, V]) Truncate(txn *Txn) (int64, error) {
	kvs, err := txn.GetRange(slotKeySet(m.slot), 0)
	if err != nil {
		return 0, err
	}
	for _, kv := range kvs {
		if err := txn.Delete(kv.Key); err != nil {
			return 0, err
		}
	}
	return int64(len(kvs)), nil
}

// AttachIndex registers an index for maintenance on every Put and
// Delete. Existing entries are not indexed retroactively; call
// RebuildIndex for that.
func (m *PersistentMap[K, V]) AttachIndex(idx *Index[K, V]) {
	m.indexes = append(m.indexes, idx)
}

// DetachIndex unregisters an index by name.
func (m *PersistentMap[K, V]) DetachIndex(name string) bool {
	for i, idx := range m.indexes {
		if idx.name == name {
			m.indexes = append(m.indexes[:i], m.indexes[i+1:]...)
			return true
		}
	}
	return false
}

// RebuildIndex wipes the index slot and re-derives an entry for every
// current entry of the primary slot, inside the given transaction.
func (m *PersistentMap[K, V]) RebuildIndex(txn *Txn, idx *Index[K, V]) error {
	if err := idx.truncate(txn); err != nil {
		return err
	}
	entries, err := m.Select(txn, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := idx.put(txn, e.Value, e.Key); err != nil {
			return err
		}
	}
	log.Info("rebuilt index", zap.String("index", idx.name), zap.Int("entries", len(entries)))
	return nil
}

// MapEvent is one decoded change observed on a watched map.
type MapEvent[K, V any] struct {
	Type etcd.EventType
	Key  K
	// Value is the zero value for delete events.
	Value V
}

// Watch streams decoded changes of the slot. Entries whose key or value
// fails to decode are logged and skipped.
func (m *PersistentMap[K, V]) Watch(ctx context.Context, db *DB, cb func(MapEvent[K, V])) (*etcd.Watcher, error) {
	return db.c.WatchFunc(ctx, []etcd.KeySet{slotKeySet(m.slot)}, func(ev etcd.Event) {
		if ev.KV == nil {
			return
		}
		me := MapEvent[K, V]{Type: ev.Type}
		k, err := m.logicalKey(ev.KV.Key)
		if err != nil {
			log.Warn("skipping watch event with undecodable key", zap.Error(err))
			return
		}
		me.Key = k
		if ev.Type == etcd.EventPut {
			v, err := m.vc.DecodeValue(ev.KV.Value)
			if err != nil {
				log.Warn("skipping watch event with undecodable value", zap.Error(err))
				return
			}
			me.Value = v
		}
		cb(me)
	}, nil)
}

// Index maps a key derived from the value back to the primary key, kept
// in its own slot as a PersistentMap from derived key to primary key.
// The derived key type is erased here so maps can carry heterogeneous
// indexes; NewIndex pins it down.
type Index[K, V any] struct {
	name     string
	put      func(txn *Txn, v V, k K) error
	remove   func(txn *Txn, v V) error
	derived  func(v V) ([]byte, bool, error)
	truncate func(txn *Txn) error
}

// NewIndex builds an index over a primary map with value type V, storing
// entries in target, a map from the derived key type D to the primary
// key type K. derive extracts the derived key from a value; returning
// false skips indexing that value entirely.
func NewIndex[K, V, D any](name string, target *PersistentMap[D, K], derive func(V) (D, bool)) *Index[K, V] {
	return &Index[K, V]{
		name: name,
		put: func(txn *Txn, v V, k K) error {
			d, ok := derive(v)
			if !ok {
				return nil
			}
			return target.Put(txn, d, k)
		},
		remove: func(txn *Txn, v V) error {
			d, ok := derive(v)
			if !ok {
				return nil
			}
			_, err := target.Delete(txn, d)
			return err
		},
		derived: func(v V) ([]byte, bool, error) {
			d, ok := derive(v)
			if !ok {
				return nil, false, nil
			}
			enc, err := target.physKey(d)
			if err != nil {
				return nil, false, err
			}
			return enc, true, nil
		},
		truncate: func(txn *Txn) error {
			_, err := target.Truncate(txn)
			return err
		},
	}
}

// Name returns the index name given at construction.
func (idx *Index[K, V]) Name() string { return idx.name }

// sameDerived reports whether two values map to the same index entry.
func (idx *Index[K, V]) sameDerived(a, b V) (bool, error) {
	da, aok, err := idx.derived(a)
	if err != nil {
		return false, err
	}
	db, bok, err := idx.derived(b)
	if err != nil {
		return false, err
	}
	if aok != bok {
		return false, nil
	}
	return bytes.Equal(da, db), nil
}
