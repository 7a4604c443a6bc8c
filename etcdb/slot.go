package etcdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/etcdgw/etcdgw/etcd"
)

// metaSlot holds the slot registry itself; user slots run from 1 up, so
// a misconfigured map can never shadow the registry.
const (
	metaSlot      uint16 = 0
	firstUserSlot uint16 = 1
)

var (
	// ErrSlotNotFound means no slot with the given index or name is
	// registered.
	ErrSlotNotFound = errors.New("etcdb: slot not found")
	// ErrSlotExists means a slot with the given name is already registered.
	ErrSlotExists = errors.New("etcdb: slot already registered")
)

// Slot is one registered keyspace partition.
type Slot struct {
	OID         uuid.UUID `cbor:"oid"`
	Index       uint16    `cbor:"index"`
	Name        string    `cbor:"name"`
	Description string    `cbor:"description,omitempty"`
	Tags        []string  `cbor:"tags,omitempty"`
	Creator     string    `cbor:"creator,omitempty"`
	CreatedAt   time.Time `cbor:"created_at"`
}

// AllocateSlotIndex returns the lowest unregistered user slot index
// within the given transaction.
func (db *DB) AllocateSlotIndex(txn *Txn) (uint16, error) {
	entries, err := db.slots.Select(txn, nil)
	if err != nil {
		return 0, err
	}
	next := firstUserSlot
	for _, e := range entries {
		// Entries come back in index order, so the first gap wins.
		if e.Value.Index > next {
			break
		}
		if e.Value.Index == next {
			next++
		}
	}
	if next == 0 {
		return 0, errors.New("etcdb: slot indexes exhausted")
	}
	return next, nil
}

// RegisterSlot records s in the registry, filling in its OID, index (if
// zero, the lowest free one) and creation time. Registration is
// transactional: two concurrent registrations of the same name cannot
// both succeed.
func (db *DB) RegisterSlot(ctx context.Context, s *Slot) (*Slot, error) {
	if s == nil || s.Name == "" {
		return nil, errors.New("slot name must not be empty")
	}
	var out *Slot
	err := db.RetryUpdate(ctx, 3, func(txn *Txn) error {
		entries, err := db.slots.Select(txn, nil)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Value.Name == s.Name {
				return ErrSlotExists
			}
			if s.Index != 0 && e.Value.Index == s.Index {
				return ErrSlotExists
			}
		}
		reg := *s
		if reg.Index == 0 {
			reg.Index, err = db.AllocateSlotIndex(txn)
			if err != nil {
				return err
			}
		}
		if reg.OID == uuid.Nil {
			reg.OID = uuid.New()
		}
		reg.CreatedAt = time.Now().UTC()
		out = &reg
		return db.slots.Put(txn, reg.Index, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSlot looks a slot up by index.
func (db *DB) GetSlot(ctx context.Context, index uint16) (*Slot, error) {
	var out *Slot
	err := db.View(ctx, func(txn *Txn) error {
		s, ok, err := db.slots.Get(txn, index)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSlotNotFound
		}
		out = s
		return nil
	})
	return out, err
}

// FindSlot looks a slot up by name.
func (db *DB) FindSlot(ctx context.Context, name string) (*Slot, error) {
	var out *Slot
	err := db.View(ctx, func(txn *Txn) error {
		entries, err := db.slots.Select(txn, nil)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Value.Name == name {
				out = e.Value
				return nil
			}
		}
		return ErrSlotNotFound
	})
	return out, err
}

// ListSlots returns every registered slot in index order.
func (db *DB) ListSlots(ctx context.Context) ([]*Slot, error) {
	var out []*Slot
	err := db.View(ctx, func(txn *Txn) error {
		entries, err := db.slots.Select(txn, nil)
		if err != nil {
			return err
		}
		for _, e := range entries {
			out = append(out, e.Value)
		}
		return nil
	})
	return out, err
}

// DeleteSlot removes a slot registration. With wipe, every key stored in
// the slot is deleted in the same transaction.
func (db *DB) DeleteSlot(ctx context.Context, index uint16, wipe bool) error {
	return db.RetryUpdate(ctx, 3, func(txn *Txn) error {
		existed, err := db.slots.Delete(txn, index)
		if err != nil {
			return err
		}
		if !existed {
			return ErrSlotNotFound
		}
		if !wipe {
			return nil
		}
		kvs, err := txn.GetRange(slotKeySet(index), 0)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			if err := txn.Delete(kv.Key); err != nil {
				return err
			}
		}
		return nil
	})
}

// KeySetForSlot addresses every physical key of a slot, for raw scans
// and watches outside the typed map API.
func KeySetForSlot(index uint16) etcd.KeySet {
	return slotKeySet(index)
}
