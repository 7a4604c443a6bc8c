// Package etcdb layers a typed database on top of the gateway client:
// slot-partitioned keyspaces, codec-driven persistent maps with
// secondary indexes, and optimistic-concurrency transactions that
// buffer writes locally and commit them in one guarded round trip.
package etcdb

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/etcdgw/etcdgw/etcd"
)

var (
	// ErrTxnConflict means another writer touched a guarded key between
	// Begin and Commit. The transaction rolled back; retry from Begin.
	ErrTxnConflict = errors.New("etcdb: transaction conflict")
	// ErrTxnDone means the transaction was already committed or rolled back.
	ErrTxnDone = errors.New("etcdb: transaction already finished")
	// ErrReadOnlyTxn means a mutation was attempted inside a View.
	ErrReadOnlyTxn = errors.New("etcdb: read-only transaction")
)

// DB is a handle on one store, shared safely between goroutines. It owns
// no state beyond the client and the slot registry map.
type DB struct {
	c     *etcd.Client
	slots *PersistentMap[uint16, *Slot]
}

// Open wraps a gateway client into a database handle.
func Open(c *etcd.Client) *DB {
	return &DB{
		c:     c,
		slots: NewPersistentMap[uint16, *Slot](metaSlot, Uint16Key{}, CBORValue[*Slot]{}),
	}
}

// Client exposes the underlying gateway client for raw operations.
func (db *DB) Client() *etcd.Client { return db.c }

// Begin starts a transaction anchored at the current store revision. A
// transaction is single-goroutine; share the DB, not the Txn.
func (db *DB) Begin(ctx context.Context, opts ...TxnOption) (*Txn, error) {
	st, err := db.c.Status(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "begin: status call failed")
	}
	if st.Header == nil {
		return nil, errors.New("begin: status response carries no header")
	}
	txn := newTxn(db, ctx, st.Header.Revision)
	for _, o := range opts {
		o(txn)
	}
	return txn, nil
}

// Update runs fn inside a read-write transaction and commits it when fn
// returns nil. Any error from fn or from the commit rolls the
// transaction back and is returned.
func (db *DB) Update(ctx context.Context, fn func(*Txn) error, opts ...TxnOption) error {
	txn, err := db.Begin(ctx, opts...)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	if _, err := txn.Commit(); err != nil {
		txn.Rollback()
		return err
	}
	return nil
}

// View runs fn inside a read-only transaction. Mutations inside fn fail
// with ErrReadOnlyTxn; the transaction is always rolled back.
func (db *DB) View(ctx context.Context, fn func(*Txn) error) error {
	txn, err := db.Begin(ctx, ReadOnly())
	if err != nil {
		return err
	}
	defer txn.Rollback()
	return fn(txn)
}

// RetryUpdate runs Update up to attempts times, retrying only on
// ErrTxnConflict. Everything else aborts immediately.
func (db *DB) RetryUpdate(ctx context.Context, attempts int, fn func(*Txn) error, opts ...TxnOption) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = db.Update(ctx, fn, opts...)
		if !errors.ErrorEqual(err, ErrTxnConflict) {
			return err
		}
		log.Debug("retrying conflicted transaction", zap.Int("attempt", i+1))
	}
	return err
}
