package kvtable

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

type valueFlags uint64

const (
	vfVerBit0 = valueFlags(1 << iota)
	vfVerBit1
	vfVerBit2
	vfVerBit3
	vfJSON
	vfChecksum

	vfVerMask       = (vfVerBit0 | vfVerBit1 | vfVerBit2 | vfVerBit3)
	vfVer1          = vfVerBit0
	vfSupportedMask = (vfVer1 | vfJSON | vfChecksum)
	vfDefault       = vfVer1 | vfChecksum

	checksumSize       = 8
	minValueSize       = 5
	maxValueHeaderSize = binary.MaxVarintLen64 * 5
	maxSchemaVersion   = 32768 // just a sanity value, can be increased
)

func (vf valueFlags) ver() valueFlags {
	return vf & vfVerMask
}

func (vf valueFlags) encoding() Encoding {
	if vf&vfJSON != 0 {
		return JSON
	}
	return MsgPack
}

func flagsFor(enc Encoding) valueFlags {
	if enc == JSON {
		return vfDefault | vfJSON
	}
	return vfDefault
}

// value is a decoded envelope. Data and Index alias the buffer it was
// decoded from.
type value struct {
	Flags     valueFlags
	SchemaVer uint64
	ModCount  uint64
	Data      []byte
	Index     []byte
}

// ValueMeta describes the stored envelope of a row.
type ValueMeta struct {
	SchemaVer uint64
	ModCount  uint64
}

func (vle value) ValueMeta() ValueMeta {
	return ValueMeta{
		SchemaVer: vle.SchemaVer,
		ModCount:  vle.ModCount,
	}
}

// reserveValueHeader starts a value buffer with room for the largest header.
func reserveValueHeader(sizeHint int) []byte {
	return make([]byte, maxValueHeaderSize, maxValueHeaderSize+sizeHint+checksumSize)
}

// putValueHeader fills the header reserved by reserveValueHeader, given the
// data written after it and the index records starting at indexOff, and
// appends a checksum if flags ask for one.
func putValueHeader(buf []byte, flags valueFlags, schemaVer uint64, modCount uint64, indexOff int) []byte {
	if indexOff > len(buf) || indexOff < maxValueHeaderSize {
		panic(fmt.Errorf("invalid indexOff=%d", indexOff)) // sanity check
	}
	if (flags &^ vfSupportedMask) != 0 {
		panic(fmt.Errorf("invalid flags %x", flags))
	}
	dataSize := indexOff - maxValueHeaderSize
	indexSize := len(buf) - indexOff

	var off = 0
	off += binary.PutUvarint(buf[off:], uint64(flags))
	off += binary.PutUvarint(buf[off:], schemaVer)
	off += binary.PutUvarint(buf[off:], modCount)
	off += binary.PutUvarint(buf[off:], uint64(dataSize))
	off += binary.PutUvarint(buf[off:], uint64(indexSize))
	headerSize := off
	if headerSize > maxValueHeaderSize {
		panic("internal error")
	}
	if headerSize < maxValueHeaderSize {
		// move the header closer to data
		start := maxValueHeaderSize - headerSize
		copy(buf[start:maxValueHeaderSize], buf[:headerSize])
		buf = buf[start:]
	}
	if flags&vfChecksum != 0 {
		buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf))
	}
	return buf
}

func (vle *value) decode(data []byte) error {
	if len(data) < minValueSize {
		return dataErrf(data, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}
	r := newByteReader(data)

	v, err := r.uvarint("value flags")
	if err != nil {
		return err
	}
	if (v & ^uint64(vfSupportedMask)) != 0 {
		return dataErrf(data, 0, nil, "invalid value: unsupported flags %x", v)
	}
	vle.Flags = valueFlags(v)
	if vle.Flags.ver() != vfVer1 {
		return dataErrf(data, 0, nil, "invalid value: unsupported format version %d", vle.Flags.ver())
	}

	if vle.Flags&vfChecksum != 0 {
		if len(data) < checksumSize+minValueSize {
			return dataErrf(data, 0, nil, "invalid value: too short for checksum")
		}
		body, sum := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
		if actual := xxhash.Sum64(body); actual != binary.BigEndian.Uint64(sum) {
			return dataErrf(data, len(body), nil, "invalid value: checksum mismatch, computed %016x", actual)
		}
		r.dropTail(checksumSize)
	}

	vle.SchemaVer, err = r.uvarint("schema version")
	if err != nil {
		return err
	}
	if vle.SchemaVer > maxSchemaVersion {
		return dataErrf(data, r.off(), nil, "invalid value: schema version %d is out of range", vle.SchemaVer)
	}
	vle.ModCount, err = r.uvarint("mod count")
	if err != nil {
		return err
	}
	dataSize, err := r.length("data size")
	if err != nil {
		return err
	}
	indexSize, err := r.length("index size")
	if err != nil {
		return err
	}
	if r.remaining() != dataSize+indexSize {
		return dataErrf(data, r.off(), nil, "invalid value: got %d bytes for data+index, expected %d bytes", r.remaining(), dataSize+indexSize)
	}
	vle.Data = must(r.bytes(dataSize, "data"))
	vle.Index = must(r.bytes(indexSize, "index keys"))
	return nil
}
