package kvtable

import (
	"encoding/binary"
)

func appendVarbytes(buf, v []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

// bytesBuilder lets streaming encoders append to a caller-provided buffer.
type bytesBuilder struct {
	Buf []byte
}

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(bb.Buf, b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

// byteReader consumes a stored payload from the front. Its errors are
// DataErrors carrying the whole payload and the offset of the bad field.
type byteReader struct {
	orig []byte
	rest []byte
}

func newByteReader(buf []byte) *byteReader {
	return &byteReader{buf, buf}
}

func (r *byteReader) off() int {
	return len(r.orig) - len(r.rest)
}

func (r *byteReader) remaining() int {
	return len(r.rest)
}

// dropTail excludes the last n bytes from reading.
func (r *byteReader) dropTail(n int) {
	r.rest = r.rest[:len(r.rest)-n]
}

func (r *byteReader) uvarint(what string) (uint64, error) {
	v, n := binary.Uvarint(r.rest)
	if n <= 0 {
		return 0, dataErrf(r.orig, r.off(), nil, "invalid %s", what)
	}
	r.rest = r.rest[n:]
	return v, nil
}

// length reads a uvarint byte count that must fit into the remaining data.
func (r *byteReader) length(what string) (int, error) {
	off := r.off()
	v, err := r.uvarint(what)
	if err != nil {
		return 0, err
	}
	if v > uint64(len(r.rest)) {
		return 0, dataErrf(r.orig, off, nil, "%s %d exceeds the remaining %d bytes", what, v, len(r.rest))
	}
	return int(v), nil
}

func (r *byteReader) bytes(n int, what string) ([]byte, error) {
	if len(r.rest) < n {
		return nil, dataErrf(r.orig, r.off(), nil, "%s: %d bytes remaining, %d wanted", what, len(r.rest), n)
	}
	v := r.rest[:n]
	r.rest = r.rest[n:]
	return v, nil
}

func (r *byteReader) varbytes(what string) ([]byte, error) {
	n, err := r.length(what + " length")
	if err != nil {
		return nil, err
	}
	return r.bytes(n, what)
}
