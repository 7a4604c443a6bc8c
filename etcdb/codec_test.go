package etcdb

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringKeyCodec(t *testing.T) {
	enc, err := StringKey{}.EncodeKey("alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), enc)

	dec, err := StringKey{}.DecodeKey(enc)
	require.NoError(t, err)
	assert.Equal(t, "alice", dec)

	_, err = StringKey{}.EncodeKey("")
	require.Error(t, err)
}

func TestUUIDKeyCodec(t *testing.T) {
	id := uuid.New()
	enc, err := UUIDKey{}.EncodeKey(id)
	require.NoError(t, err)
	assert.Len(t, enc, 16)

	dec, err := UUIDKey{}.DecodeKey(enc)
	require.NoError(t, err)
	assert.Equal(t, id, dec)

	_, err = UUIDKey{}.EncodeKey(uuid.Nil)
	require.Error(t, err)
	_, err = UUIDKey{}.DecodeKey([]byte("short"))
	require.Error(t, err)
}

func TestUint64KeyPreservesOrder(t *testing.T) {
	a, err := Uint64Key{}.EncodeKey(1)
	require.NoError(t, err)
	b, err := Uint64Key{}.EncodeKey(256)
	require.NoError(t, err)
	c, err := Uint64Key{}.EncodeKey(1 << 40)
	require.NoError(t, err)

	assert.Negative(t, bytes.Compare(a, b))
	assert.Negative(t, bytes.Compare(b, c))

	back, err := Uint64Key{}.DecodeKey(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), back)
}

func TestUint16KeyCodec(t *testing.T) {
	enc, err := Uint16Key{}.EncodeKey(0xBEEF)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBE, 0xEF}, enc)

	dec, err := Uint16Key{}.DecodeKey(enc)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), dec)

	_, err = Uint16Key{}.DecodeKey([]byte{1})
	require.Error(t, err)
}

func TestStringPairKeyCodec(t *testing.T) {
	enc, err := StringPairKey{}.EncodeKey(StringPair{First: "org", Second: "team"})
	require.NoError(t, err)

	dec, err := StringPairKey{}.DecodeKey(enc)
	require.NoError(t, err)
	assert.Equal(t, "org", dec.First)
	assert.Equal(t, "team", dec.Second)

	_, err = StringPairKey{}.EncodeKey(StringPair{First: "", Second: "x"})
	require.Error(t, err)
	_, err = StringPairKey{}.EncodeKey(StringPair{First: "a\x00b", Second: "x"})
	require.Error(t, err)
	_, err = StringPairKey{}.DecodeKey([]byte("noseparator"))
	require.Error(t, err)
}

func TestUUIDStringKeyCodec(t *testing.T) {
	id := uuid.New()
	enc, err := UUIDStringKey{}.EncodeKey(UUIDString{ID: id, Name: "replica-1"})
	require.NoError(t, err)

	dec, err := UUIDStringKey{}.DecodeKey(enc)
	require.NoError(t, err)
	assert.Equal(t, id, dec.ID)
	assert.Equal(t, "replica-1", dec.Name)

	_, err = UUIDStringKey{}.DecodeKey([]byte("tooshort"))
	require.Error(t, err)
}

func TestJSONValueCodec(t *testing.T) {
	type record struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	enc, err := JSONValue[record]{}.EncodeValue(record{Name: "x", N: 7})
	require.NoError(t, err)

	dec, err := JSONValue[record]{}.DecodeValue(enc)
	require.NoError(t, err)
	assert.Equal(t, record{Name: "x", N: 7}, dec)

	_, err = JSONValue[record]{}.DecodeValue([]byte("{broken"))
	require.Error(t, err)
}

func TestCBORValueCodec(t *testing.T) {
	type record struct {
		Name string `cbor:"name"`
		N    int    `cbor:"n"`
	}
	enc, err := CBORValue[record]{}.EncodeValue(record{Name: "x", N: 7})
	require.NoError(t, err)

	dec, err := CBORValue[record]{}.DecodeValue(enc)
	require.NoError(t, err)
	assert.Equal(t, record{Name: "x", N: 7}, dec)

	_, err = CBORValue[record]{}.DecodeValue([]byte{0xFF, 0xFF})
	require.Error(t, err)
}

func TestSnappyCompressor(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible "), 100)
	packed, err := SnappyCompressor{}.Compress(payload)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(payload))

	back, err := SnappyCompressor{}.Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, payload, back)

	_, err = SnappyCompressor{}.Decompress([]byte("garbage"))
	require.Error(t, err)
}

func TestLZ4Compressor(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible "), 100)
	packed, err := LZ4Compressor{}.Compress(payload)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(payload))

	back, err := LZ4Compressor{}.Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, payload, back)
}

func TestLZ4CompressorIncompressibleInput(t *testing.T) {
	payload := []byte{0x01, 0xA7, 0x33, 0xE2}
	packed, err := LZ4Compressor{}.Compress(payload)
	require.NoError(t, err)

	back, err := LZ4Compressor{}.Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, payload, back)
}

func TestCompressedValueCodec(t *testing.T) {
	type record struct {
		Body string `json:"body"`
	}
	codec := CompressedValue[record]{Inner: JSONValue[record]{}, Comp: SnappyCompressor{}}

	in := record{Body: string(bytes.Repeat([]byte("abc"), 200))}
	enc, err := codec.EncodeValue(in)
	require.NoError(t, err)

	dec, err := codec.DecodeValue(enc)
	require.NoError(t, err)
	assert.Equal(t, in, dec)
}

func TestSlotPrefixLayout(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x64}, slotPrefix(100))
	assert.Equal(t, []byte{0x00, 0x65}, slotRangeEnd(100))
	// The last slot scans to the end of the keyspace.
	assert.Equal(t, []byte{0}, slotRangeEnd(0xFFFF))

	ks := slotKeySet(100)
	assert.True(t, ks.Contains([]byte{0x00, 0x64, 'a'}))
	assert.False(t, ks.Contains([]byte{0x00, 0x65}))
	assert.False(t, ks.Contains([]byte{0x00, 0x63, 0xFF}))
}
