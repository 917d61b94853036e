package kvtable

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"slices"
)

// indexRow is one secondary index entry produced by a row: the index it
// belongs to and the full entry key, enc(secondary) ++ enc(primary).
type indexRow struct {
	Index  string
	KeyRaw []byte
}

type indexRows []indexRow

func compareIndexRows(a, b indexRow) int {
	if c := cmp.Compare(a.Index, b.Index); c != 0 {
		return c
	}
	return bytes.Compare(a.KeyRaw, b.KeyRaw)
}

func (rows indexRows) sort() {
	slices.SortFunc(rows, compareIndexRows)
}

// appendIndexKeys records the entries a row contributed, so that a later
// update can delete exactly the stale ones. rows must be sorted.
func appendIndexKeys(buf []byte, rows indexRows) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(rows)))
	for _, row := range rows {
		buf = appendVarbytes(buf, []byte(row.Index))
		buf = appendVarbytes(buf, row.KeyRaw)
	}
	return buf
}

func decodeIndexKeys(data []byte, f func(index string, key []byte)) error {
	if len(data) == 0 {
		return nil
	}
	r := newByteReader(data)
	n, err := r.uvarint("index key count")
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		name, err := r.varbytes("index name")
		if err != nil {
			return err
		}
		key, err := r.varbytes("index key")
		if err != nil {
			return err
		}
		f(string(name), key)
	}
	return nil
}

type indexDiffer struct {
	newRows indexRows
}

func (d *indexDiffer) checkOldKey(oldIndex string, oldKey []byte) bool {
	old := indexRow{oldIndex, oldKey}
	// Look for a new row that's >= old row.
	for len(d.newRows) > 0 {
		c := compareIndexRows(old, d.newRows[0])
		if c < 0 {
			return false
		} else if c == 0 {
			return true // found exact match
		}
		d.newRows = d.newRows[1:] // shift to next new row and compare again
	}
	return false // no more new rows, so remaining old rows have been deleted
}

func findRemovedIndexKeys(oldData []byte, newRows indexRows, removed func(index string, key []byte)) error {
	d := indexDiffer{newRows}
	return decodeIndexKeys(oldData, func(index string, key []byte) {
		if !d.checkOldKey(index, key) {
			removed(index, key)
		}
	})
}
