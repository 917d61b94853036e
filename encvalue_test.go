package kvtable

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueFlags_Ver(t *testing.T) {
	if (vfVer1 | vfJSON).ver() != vfVer1 {
		t.Fatalf("valueFlags.ver returned unexpected value")
	}
	if flagsFor(JSON).encoding() != JSON {
		t.Fatalf("flagsFor(JSON).encoding() != JSON")
	}
	if flagsFor(MsgPack).encoding() != MsgPack {
		t.Fatalf("flagsFor(MsgPack).encoding() != MsgPack")
	}
}

func buildValue(flags valueFlags, schemaVer, modCount uint64, data, index []byte) []byte {
	raw := reserveValueHeader(len(data) + len(index))
	raw = append(raw, data...)
	indexOff := len(raw)
	raw = append(raw, index...)
	return putValueHeader(raw, flags, schemaVer, modCount, indexOff)
}

func TestValue_RoundTrip(t *testing.T) {
	for _, flags := range []valueFlags{vfVer1, vfDefault, vfDefault | vfJSON} {
		raw := buildValue(flags, 3, 7, []byte{1, 2, 3}, []byte{9, 8})

		var vle value
		require.NoError(t, vle.decode(raw))
		require.Equal(t, flags, vle.Flags)
		require.Equal(t, ValueMeta{SchemaVer: 3, ModCount: 7}, vle.ValueMeta())
		require.Equal(t, []byte{1, 2, 3}, vle.Data)
		require.Equal(t, []byte{9, 8}, vle.Index)
	}
}

func TestValue_ChecksumMismatch(t *testing.T) {
	raw := buildValue(vfDefault, 1, 1, []byte("hello"), nil)
	raw[len(raw)-checksumSize-1] ^= 0x01

	var vle value
	err := vle.decode(raw)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCodec))
	require.Contains(t, err.Error(), "checksum mismatch")
}

func TestValue_DecodeGarbage(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short", []byte{1, 2, 3}},
		{"unsupported flags", []byte{0x7F, 0, 0, 0, 0}},
		{"wrong sizes", []byte{byte(vfVer1), 0, 0, 5, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var vle value
			err := vle.decode(tt.raw)
			var de *DataError
			require.ErrorAs(t, err, &de)
			require.ErrorIs(t, err, ErrCodec)
		})
	}
}
