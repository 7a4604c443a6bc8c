package etcd

import (
	"bytes"
	"encoding/base64"

	"github.com/pingcap/errors"
)

// KeySetType discriminates the three addressing modes of a KeySet.
type KeySetType int

const (
	// KeySingle addresses exactly one key.
	KeySingle KeySetType = iota
	// KeyPrefix addresses every key sharing a common prefix.
	KeyPrefix
	// KeyRange addresses the half-open range [start, end).
	KeyRange
)

// KeySet represents a set of keys: a single key, all keys with a given
// prefix, or an explicit half-open range [start, end). It is a pure value
// type; validation happens at construction and never again.
type KeySet struct {
	typ   KeySetType
	key   []byte
	end   []byte // only for KeyRange; prefix ends are always derived
}

// NewKeySet returns a KeySet addressing the single given key.
func NewKeySet(key []byte) (KeySet, error) {
	if len(key) == 0 {
		return KeySet{}, ErrEmptyKey
	}
	return KeySet{typ: KeySingle, key: dup(key)}, nil
}

// NewPrefixKeySet returns a KeySet addressing all keys with the given
// prefix. The exclusive range end is derived from the prefix on demand,
// which restricts prefixes the same way incrementLastByte does.
func NewPrefixKeySet(prefix []byte) (KeySet, error) {
	if _, err := incrementLastByte(prefix); err != nil {
		return KeySet{}, err
	}
	return KeySet{typ: KeyPrefix, key: dup(prefix)}, nil
}

// NewRangeKeySet returns a KeySet addressing the half-open range
// [start, end). An end of "\x00" means "all keys >= start" per the gateway
// contract, so start="\x00", end="\x00" scans the whole keyspace.
func NewRangeKeySet(start, end []byte) (KeySet, error) {
	if len(start) == 0 {
		return KeySet{}, errors.New("range start must not be empty")
	}
	if len(end) == 0 {
		return KeySet{}, errors.New("range end must not be empty")
	}
	return KeySet{typ: KeyRange, key: dup(start), end: dup(end)}, nil
}

// AllKeys is the pseudo-range covering the entire keyspace.
func AllKeys() KeySet {
	ks, _ := NewRangeKeySet([]byte{0}, []byte{0})
	return ks
}

// Type returns the addressing mode of the key set.
func (ks KeySet) Type() KeySetType { return ks.typ }

// Key returns the single key, the prefix, or the range start.
func (ks KeySet) Key() []byte { return ks.key }

// RangeEnd returns nil for a single key, the explicit end for a range, and
// the derived exclusive end for a prefix.
func (ks KeySet) RangeEnd() []byte {
	switch ks.typ {
	case KeySingle:
		return nil
	case KeyRange:
		return ks.end
	case KeyPrefix:
		// Cannot fail: the prefix was validated at construction.
		end, _ := incrementLastByte(ks.key)
		return end
	}
	return nil
}

// Contains reports whether the given key falls within the key set.
func (ks KeySet) Contains(key []byte) bool {
	switch ks.typ {
	case KeySingle:
		return bytes.Equal(ks.key, key)
	case KeyPrefix:
		return bytes.HasPrefix(key, ks.key)
	case KeyRange:
		if bytes.Compare(key, ks.key) < 0 {
			return false
		}
		if len(ks.end) == 1 && ks.end[0] == 0 {
			// "\x00" end means unbounded above.
			return true
		}
		return bytes.Compare(key, ks.end) < 0
	}
	return false
}

// incrementLastByte computes the exclusive upper bound of a prefix scan by
// incrementing the last byte of the key.
//
// Known limitation, kept deliberately: the computation is refused for an
// empty key and for a key whose last byte is 0xFF. Callers that need to
// scan past such prefixes must use an explicit range instead.
func incrementLastByte(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("cannot compute prefix end of empty key")
	}
	last := key[len(key)-1]
	if last == 0xFF {
		return nil, errors.New("cannot compute prefix end of key ending in 0xFF")
	}
	end := dup(key)
	end[len(end)-1] = last + 1
	return end, nil
}

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// marshal renders the key set into the key/range_end fields shared by the
// range, delete-range and watch create requests.
func (ks KeySet) marshal() (key string, rangeEnd string) {
	key = base64.StdEncoding.EncodeToString(ks.key)
	if end := ks.RangeEnd(); end != nil {
		rangeEnd = base64.StdEncoding.EncodeToString(end)
	}
	return key, rangeEnd
}
