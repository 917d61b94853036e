package kvtable

import (
	"fmt"
	"math"
	"reflect"
)

// indexDef is the untyped part of an index shared with Table and Cursor.
type indexDef[Row any] struct {
	table   *Table[Row]
	name    string
	pos     int
	sub     string
	primary bool
	unique  bool
	keyType reflect.Type
	keyEnc  *keyEncoding

	// appendKey appends the encoded index key of row to buf.
	appendKey func(buf []byte, row *Row) []byte
}

// Index is a typed handle to one index of a table. For the primary index,
// Key is the primary key type.
type Index[Row, Key any] struct {
	def *indexDef[Row]
}

type IndexOptions struct {
	// Unique rejects rows whose key is already used by another row.
	Unique bool
}

func newIndexDef[Row, Key any](name string, extract func(row *Row) Key) *indexDef[Row] {
	if extract == nil {
		panic(fmt.Errorf("index %s: nil key function", name))
	}
	keyType := reflect.TypeOf((*Key)(nil)).Elem()
	if keyType.Kind() == reflect.Interface {
		panic(fmt.Errorf("index %s: key type must be concrete, got %v", name, keyType))
	}
	enc := keyEncodingOf(keyType)
	return &indexDef[Row]{
		name:    name,
		keyType: keyType,
		keyEnc:  enc,
		appendKey: func(buf []byte, row *Row) []byte {
			key := extract(row)
			return enc.encode(buf, reflect.ValueOf(&key).Elem())
		},
	}
}

// AddPrimaryIndex declares the primary key of the table. Every table needs
// exactly one.
func AddPrimaryIndex[Row, Key any](tbl *Table[Row], name string, extract func(row *Row) Key) (*Index[Row, Key], error) {
	def := newIndexDef(name, extract)
	def.primary = true
	def.unique = true
	def.sub = dataBucket
	if err := tbl.addIndex(def); err != nil {
		return nil, err
	}
	return &Index[Row, Key]{def}, nil
}

// AddIndex declares a secondary index. Index entries are ordered by the
// extracted key, then by primary key.
func AddIndex[Row, Key any](tbl *Table[Row], name string, extract func(row *Row) Key, opts ...IndexOptions) (*Index[Row, Key], error) {
	def := newIndexDef(name, extract)
	for _, opt := range opts {
		def.unique = def.unique || opt.Unique
	}
	if err := tbl.addIndex(def); err != nil {
		return nil, err
	}
	return &Index[Row, Key]{def}, nil
}

func (idx *Index[Row, Key]) Name() string {
	return idx.def.name
}

func (idx *Index[Row, Key]) Table() *Table[Row] {
	return idx.def.table
}

func (idx *Index[Row, Key]) IsPrimary() bool {
	return idx.def.primary
}

func (idx *Index[Row, Key]) IsUnique() bool {
	return idx.def.unique
}

// EncodeKey returns the byte form of key used for ordering within the index.
func (idx *Index[Row, Key]) EncodeKey(key Key) []byte {
	return idx.def.keyEnc.encode(nil, reflect.ValueOf(&key).Elem())
}

// DecodeKey parses the leading index key of raw, which may be a full entry
// key as returned by Cursor.RawKey.
func (idx *Index[Row, Key]) DecodeKey(raw []byte) (Key, error) {
	var key Key
	_, err := idx.def.keyEnc.decode(raw, reflect.ValueOf(&key).Elem())
	return key, err
}

func (def *indexDef[Row]) fullName() string {
	return def.table.name + "." + def.name
}

func (def *indexDef[Row]) ensureCorrectKeyType(keyVal reflect.Value) (reflect.Value, error) {
	if !keyVal.IsValid() {
		return keyVal, tableErrf(def.table.name, def.name, nil, nil, "key must be %v, got nil", def.keyType)
	}
	if keyVal.Type() != def.keyType {
		if canConvertKey(keyVal, def.keyType) {
			return keyVal.Convert(def.keyType), nil
		}
		return keyVal, tableErrf(def.table.name, def.name, nil, nil, "key must be %v, got %v %v", def.keyType, keyVal.Type(), keyVal.Interface())
	}
	return keyVal, nil
}

// canConvertKey allows integer conversions that preserve the value and
// otherwise only conversions within the same kind.
func canConvertKey(v reflect.Value, typ reflect.Type) bool {
	if !v.CanConvert(typ) {
		return false
	}
	target := reflect.Zero(typ)
	switch {
	case isSignedKind(v.Kind()) && isSignedKind(typ.Kind()):
		return !target.OverflowInt(v.Int())
	case isSignedKind(v.Kind()) && isUnsignedKind(typ.Kind()):
		return v.Int() >= 0 && !target.OverflowUint(uint64(v.Int()))
	case isUnsignedKind(v.Kind()) && isUnsignedKind(typ.Kind()):
		return !target.OverflowUint(v.Uint())
	case isUnsignedKind(v.Kind()) && isSignedKind(typ.Kind()):
		return v.Uint() <= math.MaxInt64 && !target.OverflowInt(int64(v.Uint()))
	case isFloatKind(v.Kind()) && isFloatKind(typ.Kind()):
		return true
	default:
		return v.Kind() == typ.Kind()
	}
}

func isSignedKind(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUnsignedKind(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloatKind(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

// formatKey renders the index key at the start of raw for humans.
func (def *indexDef[Row]) formatKey(raw []byte) string {
	return def.keyEnc.format(raw)
}

// splitEntry separates a secondary index entry into its secondary and
// primary key parts.
func (def *indexDef[Row]) splitEntry(entry []byte) (sec, pk []byte, err error) {
	n, err := def.keyEnc.split(entry)
	if err != nil {
		return nil, nil, err
	}
	return entry[:n], entry[n:], nil
}

// buildIndexRows computes every secondary index entry of a row.
func (tbl *Table[Row]) buildIndexRows(row *Row, pkRaw []byte) indexRows {
	rows := make(indexRows, 0, len(tbl.indices))
	for _, idx := range tbl.indices {
		entry := idx.appendKey(nil, row)
		entry = append(entry, pkRaw...)
		rows = append(rows, indexRow{Index: idx.name, KeyRaw: entry})
	}
	rows.sort()
	return rows
}
