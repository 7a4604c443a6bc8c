package etcdb

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/google/btree"

	"github.com/etcdgw/etcdgw/etcd"
)

// TxnOption configures a transaction at Begin time.
type TxnOption func(*Txn)

// ReadOnly makes every mutation fail with ErrReadOnlyTxn and turns
// Commit into a no-op.
func ReadOnly() TxnOption {
	return func(t *Txn) { t.readOnly = true }
}

// WithoutConflictCheck commits without revision guards: the write buffer
// is applied unconditionally, last writer wins. Reads are still served
// from the Begin-time snapshot.
func WithoutConflictCheck() TxnOption {
	return func(t *Txn) { t.unchecked = true }
}

// TxnStats counts what a transaction did.
type TxnStats struct {
	Started time.Time
	Reads   int
	Puts    int
	Deletes int
}

type bufEntry struct {
	key   []byte
	value []byte
	lease int64
	del   bool
}

// Txn is an optimistic transaction. Reads go to the store at the
// revision observed by Begin; writes accumulate in a local ordered
// buffer and only reach the store on Commit, atomically, guarded by
// mod-revision comparisons over every key the transaction touched.
//
// A Txn must not be shared between goroutines.
type Txn struct {
	db      *DB
	ctx     context.Context
	baseRev int64

	readOnly  bool
	unchecked bool
	done      bool

	buffer *btree.BTreeG[*bufEntry]
	reads  map[string]struct{}
	stats  TxnStats
}

func newTxn(db *DB, ctx context.Context, baseRev int64) *Txn {
	return &Txn{
		db:      db,
		ctx:     ctx,
		baseRev: baseRev,
		buffer: btree.NewG[*bufEntry](16, func(a, b *bufEntry) bool {
			return bytes.Compare(a.key, b.key) < 0
		}),
		reads: make(map[string]struct{}),
		stats: TxnStats{Started: time.Now()},
	}
}

// BaseRevision is the store revision this transaction reads at. Commit
// succeeds only if no guarded key was modified past it.
func (t *Txn) BaseRevision() int64 { return t.baseRev }

// Stats returns the operation counters so far.
func (t *Txn) Stats() TxnStats { return t.stats }

func (t *Txn) failIfDone() error {
	if t.done {
		return ErrTxnDone
	}
	return nil
}

// Get reads one key, local buffer first, then the Begin-time snapshot.
// The key joins the conflict-check read set either way.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	if err := t.failIfDone(); err != nil {
		return nil, false, err
	}
	if e, ok := t.buffer.Get(&bufEntry{key: key}); ok {
		if e.del {
			return nil, false, nil
		}
		return e.value, true, nil
	}
	ks, err := etcd.NewKeySet(key)
	if err != nil {
		return nil, false, err
	}
	res, err := t.db.c.Get(t.ctx, ks, &etcd.GetOptions{Revision: t.baseRev})
	if err != nil {
		return nil, false, err
	}
	t.reads[string(key)] = struct{}{}
	t.stats.Reads++
	if len(res.KVs) == 0 {
		return nil, false, nil
	}
	return res.KVs[0].Value, true, nil
}

// GetRange reads the key set at the Begin-time snapshot and overlays the
// local write buffer: buffered puts appear (with zero revisions, they
// are uncommitted), buffered deletes disappear. Every surfaced store key
// joins the read set; keys that newly appear in the range after Begin
// are not guarded.
func (t *Txn) GetRange(keys etcd.KeySet, limit int64) ([]*etcd.KeyValue, error) {
	if err := t.failIfDone(); err != nil {
		return nil, err
	}
	res, err := t.db.c.Get(t.ctx, keys, &etcd.GetOptions{
		Revision:   t.baseRev,
		SortOrder:  etcd.SortAscend,
		SortTarget: etcd.SortByKey,
	})
	if err != nil {
		return nil, err
	}
	for _, kv := range res.KVs {
		t.reads[string(kv.Key)] = struct{}{}
	}
	t.stats.Reads += len(res.KVs)

	var buffered []*bufEntry
	t.buffer.Ascend(func(e *bufEntry) bool {
		if keys.Contains(e.key) {
			buffered = append(buffered, e)
		}
		return true
	})

	merged := mergeRange(res.KVs, buffered)
	if limit > 0 && int64(len(merged)) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// mergeRange overlays sorted buffer entries onto sorted store results.
func mergeRange(kvs []*etcd.KeyValue, buf []*bufEntry) []*etcd.KeyValue {
	merged := make([]*etcd.KeyValue, 0, len(kvs)+len(buf))
	takeBuf := func(e *bufEntry) {
		if !e.del {
			merged = append(merged, &etcd.KeyValue{Key: e.key, Value: e.value, Lease: e.lease})
		}
	}
	i, j := 0, 0
	for i < len(kvs) || j < len(buf) {
		switch {
		case i >= len(kvs):
			takeBuf(buf[j])
			j++
		case j >= len(buf):
			merged = append(merged, kvs[i])
			i++
		default:
			switch c := bytes.Compare(kvs[i].Key, buf[j].key); {
			case c < 0:
				merged = append(merged, kvs[i])
				i++
			case c > 0:
				takeBuf(buf[j])
				j++
			default:
				takeBuf(buf[j])
				i++
				j++
			}
		}
	}
	return merged
}

// Put buffers a write. Nothing reaches the store before Commit.
func (t *Txn) Put(key, value []byte) error {
	return t.PutWithLease(key, value, 0)
}

// PutWithLease buffers a write attached to the given lease ID.
func (t *Txn) PutWithLease(key, value []byte, leaseID int64) error {
	if err := t.failIfDone(); err != nil {
		return err
	}
	if t.readOnly {
		return ErrReadOnlyTxn
	}
	if len(key) == 0 {
		return etcd.ErrEmptyKey
	}
	t.buffer.ReplaceOrInsert(&bufEntry{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
		lease: leaseID,
	})
	t.stats.Puts++
	return nil
}

// Delete buffers a single-key delete.
func (t *Txn) Delete(key []byte) error {
	if err := t.failIfDone(); err != nil {
		return err
	}
	if t.readOnly {
		return ErrReadOnlyTxn
	}
	if len(key) == 0 {
		return etcd.ErrEmptyKey
	}
	t.buffer.ReplaceOrInsert(&bufEntry{key: append([]byte(nil), key...), del: true})
	t.stats.Deletes++
	return nil
}

// Commit sends the buffered writes as one atomic transaction. Unless
// WithoutConflictCheck was given, every touched key, read or written, is
// guarded by mod_revision < base+1; a failed guard means another writer
// got there first and Commit returns ErrTxnConflict with nothing
// applied. An empty buffer commits trivially without a round trip.
func (t *Txn) Commit() (*etcd.Header, error) {
	if err := t.failIfDone(); err != nil {
		return nil, err
	}
	t.done = true
	if t.readOnly || t.buffer.Len() == 0 {
		return nil, nil
	}

	var guards []etcd.Cmp
	if !t.unchecked {
		touched := make(map[string]struct{}, t.buffer.Len()+len(t.reads))
		t.buffer.Ascend(func(e *bufEntry) bool {
			touched[string(e.key)] = struct{}{}
			return true
		})
		for k := range t.reads {
			touched[k] = struct{}{}
		}
		keys := make([]string, 0, len(touched))
		for k := range touched {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			guards = append(guards, etcd.CmpModRevision([]byte(k), etcd.CmpLess, t.baseRev+1))
		}
	}

	var ops []etcd.Op
	var opErr error
	t.buffer.Ascend(func(e *bufEntry) bool {
		if e.del {
			ks, err := etcd.NewKeySet(e.key)
			if err != nil {
				opErr = err
				return false
			}
			ops = append(ops, etcd.OpDelete(ks, nil))
		} else {
			ops = append(ops, etcd.OpPut(e.key, e.value, &etcd.PutOptions{Lease: e.lease}))
		}
		return true
	})
	if opErr != nil {
		return nil, opErr
	}

	res, err := t.db.c.Submit(t.ctx, etcd.Txn{If: guards, Then: ops})
	if err != nil {
		return nil, err
	}
	if !res.Succeeded {
		return nil, ErrTxnConflict
	}
	return res.Header, nil
}

// Rollback discards the buffer. Safe to call after Commit; the first
// finisher wins and later calls do nothing.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.buffer.Clear(false)
}
