package etcdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/pingcap/errors"
)

// KeyCodec converts typed map keys to and from ordered byte strings. The
// encoding must be order-preserving so that prefix and range scans over
// a slot see keys in their natural order.
type KeyCodec[K any] interface {
	EncodeKey(K) ([]byte, error)
	DecodeKey([]byte) (K, error)
}

// ValueCodec converts typed map values to and from byte strings. No
// ordering requirement.
type ValueCodec[V any] interface {
	EncodeValue(V) ([]byte, error)
	DecodeValue([]byte) (V, error)
}

// -- key codecs -------------------------------------------------------------

// StringKey encodes a string key as its raw UTF-8 bytes.
type StringKey struct{}

func (StringKey) EncodeKey(k string) ([]byte, error) {
	if k == "" {
		return nil, errors.New("string key must not be empty")
	}
	return []byte(k), nil
}

func (StringKey) DecodeKey(b []byte) (string, error) { return string(b), nil }

// UUIDKey encodes a UUID key as its 16 raw bytes.
type UUIDKey struct{}

func (UUIDKey) EncodeKey(k uuid.UUID) ([]byte, error) {
	if k == uuid.Nil {
		return nil, errors.New("uuid key must not be the nil uuid")
	}
	return k[:], nil
}

func (UUIDKey) DecodeKey(b []byte) (uuid.UUID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, errors.Annotate(err, "bad uuid key")
	}
	return u, nil
}

// Uint64Key encodes a uint64 key big-endian, preserving numeric order.
type Uint64Key struct{}

func (Uint64Key) EncodeKey(k uint64) ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, k)
	return b, nil
}

func (Uint64Key) DecodeKey(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("uint64 key must be 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Uint16Key encodes a uint16 key big-endian.
type Uint16Key struct{}

func (Uint16Key) EncodeKey(k uint16) ([]byte, error) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, k)
	return b, nil
}

func (Uint16Key) DecodeKey(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, errors.Errorf("uint16 key must be 2 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

// StringPair is a two-component key.
type StringPair struct {
	First  string
	Second string
}

// StringPairKey encodes a pair of strings separated by a NUL byte. The
// first component therefore must not contain NUL; order is lexicographic
// on the first component, then the second.
type StringPairKey struct{}

func (StringPairKey) EncodeKey(k StringPair) ([]byte, error) {
	if k.First == "" {
		return nil, errors.New("pair key: first component must not be empty")
	}
	if bytes.IndexByte([]byte(k.First), 0) >= 0 {
		return nil, errors.New("pair key: first component must not contain NUL")
	}
	b := make([]byte, 0, len(k.First)+1+len(k.Second))
	b = append(b, k.First...)
	b = append(b, 0)
	b = append(b, k.Second...)
	return b, nil
}

func (StringPairKey) DecodeKey(b []byte) (StringPair, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return StringPair{}, errors.New("pair key: missing separator")
	}
	return StringPair{First: string(b[:i]), Second: string(b[i+1:])}, nil
}

// UUIDStringKey encodes a (uuid, string) pair: 16 fixed bytes then the
// raw string. Fixed width keeps the ordering sane without a separator.
type UUIDString struct {
	ID   uuid.UUID
	Name string
}

type UUIDStringKey struct{}

func (UUIDStringKey) EncodeKey(k UUIDString) ([]byte, error) {
	if k.ID == uuid.Nil {
		return nil, errors.New("pair key: uuid component must not be the nil uuid")
	}
	b := make([]byte, 0, 16+len(k.Name))
	b = append(b, k.ID[:]...)
	b = append(b, k.Name...)
	return b, nil
}

func (UUIDStringKey) DecodeKey(b []byte) (UUIDString, error) {
	if len(b) < 16 {
		return UUIDString{}, errors.Errorf("pair key too short: %d bytes", len(b))
	}
	u, err := uuid.FromBytes(b[:16])
	if err != nil {
		return UUIDString{}, errors.Annotate(err, "bad uuid component")
	}
	return UUIDString{ID: u, Name: string(b[16:])}, nil
}

// -- value codecs -----------------------------------------------------------

// StringValue stores a string value as its raw bytes.
type StringValue struct{}

func (StringValue) EncodeValue(v string) ([]byte, error) { return []byte(v), nil }
func (StringValue) DecodeValue(b []byte) (string, error) { return string(b), nil }

// BytesValue stores a byte slice as-is.
type BytesValue struct{}

func (BytesValue) EncodeValue(v []byte) ([]byte, error) { return v, nil }
func (BytesValue) DecodeValue(b []byte) ([]byte, error) { return b, nil }

// Uint64Value stores a uint64 big-endian.
type Uint64Value struct{}

func (Uint64Value) EncodeValue(v uint64) ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b, nil
}

func (Uint64Value) DecodeValue(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("uint64 value must be 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// UUIDValue stores a UUID as its 16 raw bytes.
type UUIDValue struct{}

func (UUIDValue) EncodeValue(v uuid.UUID) ([]byte, error) { return v[:], nil }

func (UUIDValue) DecodeValue(b []byte) (uuid.UUID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, errors.Annotate(err, "bad uuid value")
	}
	return u, nil
}

// JSONValue stores any value as JSON.
type JSONValue[V any] struct{}

func (JSONValue[V]) EncodeValue(v V) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, errors.Trace(err)
}

func (JSONValue[V]) DecodeValue(b []byte) (V, error) {
	var v V
	if err := json.Unmarshal(b, &v); err != nil {
		return v, errors.Annotate(err, "bad json value")
	}
	return v, nil
}

// CBORValue stores any value as canonical CBOR.
type CBORValue[V any] struct{}

func (CBORValue[V]) EncodeValue(v V) ([]byte, error) {
	b, err := cbor.Marshal(v)
	return b, errors.Trace(err)
}

func (CBORValue[V]) DecodeValue(b []byte) (V, error) {
	var v V
	if err := cbor.Unmarshal(b, &v); err != nil {
		return v, errors.Annotate(err, "bad cbor value")
	}
	return v, nil
}

// -- compression ------------------------------------------------------------

// Compressor is a byte-level compression strategy for stored values.
type Compressor interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
}

// SnappyCompressor compresses values with snappy block encoding.
type SnappyCompressor struct{}

func (SnappyCompressor) Compress(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (SnappyCompressor) Decompress(b []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, b)
	return out, errors.Annotate(err, "bad snappy value")
}

// LZ4Compressor compresses values with lz4 block encoding. The stored
// form is a 4-byte big-endian uncompressed length, a flag byte (0 raw,
// 1 compressed), then the payload; incompressible input is stored raw.
type LZ4Compressor struct{}

func (LZ4Compressor) Compress(b []byte) ([]byte, error) {
	out := make([]byte, 5+lz4.CompressBlockBound(len(b)))
	binary.BigEndian.PutUint32(out, uint32(len(b)))
	n, err := lz4.CompressBlock(b, out[5:], nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if n == 0 || n >= len(b) {
		out[4] = 0
		return append(out[:5], b...), nil
	}
	out[4] = 1
	return out[:5+n], nil
}

func (LZ4Compressor) Decompress(b []byte) ([]byte, error) {
	if len(b) < 5 {
		return nil, errors.New("bad lz4 value: missing header")
	}
	size := binary.BigEndian.Uint32(b)
	if b[4] == 0 {
		return append([]byte(nil), b[5:]...), nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(b[5:], out)
	if err != nil {
		return nil, errors.Annotate(err, "bad lz4 value")
	}
	return out[:n], nil
}

// CompressedValue wraps a value codec with a compressor.
type CompressedValue[V any] struct {
	Inner ValueCodec[V]
	Comp  Compressor
}

func (c CompressedValue[V]) EncodeValue(v V) ([]byte, error) {
	b, err := c.Inner.EncodeValue(v)
	if err != nil {
		return nil, err
	}
	return c.Comp.Compress(b)
}

func (c CompressedValue[V]) DecodeValue(b []byte) (V, error) {
	raw, err := c.Comp.Decompress(b)
	if err != nil {
		var zero V
		return zero, err
	}
	return c.Inner.DecodeValue(raw)
}
