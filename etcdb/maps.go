package etcdb

import "github.com/google/uuid"

// Shorthand constructors for the common codec pairings. They are plain
// sugar over NewPersistentMap; anything not covered here is built by
// passing codecs explicitly.

// NewMapStringString maps string keys to string values.
func NewMapStringString(slot uint16) *PersistentMap[string, string] {
	return NewPersistentMap[string, string](slot, StringKey{}, StringValue{})
}

// NewMapStringBytes maps string keys to raw byte values.
func NewMapStringBytes(slot uint16) *PersistentMap[string, []byte] {
	return NewPersistentMap[string, []byte](slot, StringKey{}, BytesValue{})
}

// NewMapStringUUID maps string keys to UUID values.
func NewMapStringUUID(slot uint16) *PersistentMap[string, uuid.UUID] {
	return NewPersistentMap[string, uuid.UUID](slot, StringKey{}, UUIDValue{})
}

// NewMapUUIDString maps UUID keys to string values.
func NewMapUUIDString(slot uint16) *PersistentMap[uuid.UUID, string] {
	return NewPersistentMap[uuid.UUID, string](slot, UUIDKey{}, StringValue{})
}

// NewMapUUIDUUID maps UUID keys to UUID values.
func NewMapUUIDUUID(slot uint16) *PersistentMap[uuid.UUID, uuid.UUID] {
	return NewPersistentMap[uuid.UUID, uuid.UUID](slot, UUIDKey{}, UUIDValue{})
}

// NewMapUint64Uint64 maps uint64 keys to uint64 values.
func NewMapUint64Uint64(slot uint16) *PersistentMap[uint64, uint64] {
	return NewPersistentMap[uint64, uint64](slot, Uint64Key{}, Uint64Value{})
}

// NewMapStringJSON maps string keys to JSON-encoded values of type V.
func NewMapStringJSON[V any](slot uint16) *PersistentMap[string, V] {
	return NewPersistentMap[string, V](slot, StringKey{}, JSONValue[V]{})
}

// NewMapUUIDJSON maps UUID keys to JSON-encoded values of type V.
func NewMapUUIDJSON[V any](slot uint16) *PersistentMap[uuid.UUID, V] {
	return NewPersistentMap[uuid.UUID, V](slot, UUIDKey{}, JSONValue[V]{})
}

// NewMapStringCBOR maps string keys to CBOR-encoded values of type V.
func NewMapStringCBOR[V any](slot uint16) *PersistentMap[string, V] {
	return NewPersistentMap[string, V](slot, StringKey{}, CBORValue[V]{})
}

// NewMapUUIDCBOR maps UUID keys to CBOR-encoded values of type V.
func NewMapUUIDCBOR[V any](slot uint16) *PersistentMap[uuid.UUID, V] {
	return NewPersistentMap[uuid.UUID, V](slot, UUIDKey{}, CBORValue[V]{})
}
