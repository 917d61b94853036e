package kvtable

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
)

func (tbl *Table[Row]) view(f func(tx StorageTx) error) error {
	bnd, err := tbl.binding()
	if err != nil {
		return err
	}
	tx, err := bnd.store.BeginTx(false)
	if err != nil {
		return tableErrf(tbl.name, "", nil, err, "begin")
	}
	defer tx.Rollback()
	return f(tx)
}

func (tbl *Table[Row]) logAttrs(msg string, attrs ...slog.Attr) {
	if bnd := tbl.bnd.Load(); bnd != nil && bnd.verbose {
		bnd.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, append(attrs, slog.String("table", tbl.name))...)
	}
}

func (def *indexDef[Row]) bucketIn(tx StorageTx) StorageBucket {
	return nonNilBucket(tx.Bucket(def.table.name, def.sub), def.table.name, def.sub)
}

func (tbl *Table[Row]) getRaw(dataBuck StorageBucket, keyRaw []byte) (*Row, error) {
	valueRaw, err := dataBuck.Get(keyRaw)
	if err != nil {
		return nil, tableErrf(tbl.name, "", keyRaw, err, "get")
	}
	if valueRaw == nil {
		return nil, tableErrf(tbl.name, "", keyRaw, ErrNotFound, "")
	}
	row, _, err := tbl.decodeRow(keyRaw, valueRaw)
	return row, err
}

// Get returns the row with the given primary key, or ErrNotFound.
func (tbl *Table[Row]) Get(key any) (*Row, error) {
	keyRaw, err := tbl.encodePrimaryKey(key)
	if err != nil {
		return nil, err
	}
	var row *Row
	err = tbl.view(func(tx StorageTx) error {
		row, err = tbl.getRaw(tbl.primary.bucketIn(tx), keyRaw)
		return err
	})
	if err == nil {
		tbl.logAttrs("kvtable: GET", slog.String("key", tbl.primary.formatKey(keyRaw)), slog.String("row", tbl.loggableRow(row)))
	} else {
		tbl.logAttrs("kvtable: GET.NOTFOUND", slog.String("key", tbl.primary.formatKey(keyRaw)))
	}
	return row, err
}

// GetMeta returns the envelope metadata of the row with the given primary key.
func (tbl *Table[Row]) GetMeta(key any) (ValueMeta, error) {
	keyRaw, err := tbl.encodePrimaryKey(key)
	if err != nil {
		return ValueMeta{}, err
	}
	var vle value
	err = tbl.view(func(tx StorageTx) error {
		valueRaw, err := tbl.primary.bucketIn(tx).Get(keyRaw)
		if err != nil {
			return err
		}
		if valueRaw == nil {
			return tableErrf(tbl.name, "", keyRaw, ErrNotFound, "")
		}
		if err := vle.decode(valueRaw); err != nil {
			return tableErrf(tbl.name, "", keyRaw, err, "decoding value")
		}
		return nil
	})
	return vle.ValueMeta(), err
}

func (tbl *Table[Row]) Count() (int, error) {
	var n int
	err := tbl.view(func(tx StorageTx) error {
		n = tbl.primary.bucketIn(tx).Stats().KeyN
		return nil
	})
	return n, err
}

// All iterates over every row in primary key order.
func (tbl *Table[Row]) All() iter.Seq2[*Row, error] {
	return tbl.scan(tbl.primary, RawOO())
}

func (tbl *Table[Row]) scan(def *indexDef[Row], rang RawRange) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		err := tbl.view(func(tx StorageTx) error {
			bnd := tbl.bnd.Load()
			dataBuck := tbl.primary.bucketIn(tx)
			c := rang.newCursor(def.bucketIn(tx).Cursor(), bnd.logger)
			for c.Next() {
				var row *Row
				var err error
				if def.primary {
					row, _, err = tbl.decodeRow(c.Key(), c.Value())
				} else {
					row, err = tbl.getRaw(dataBuck, c.Value())
				}
				if !yield(row, err) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

// Find returns a cursor at the first entry whose key equals key, which for
// secondary indexes is the one with the smallest primary key. If there is no
// such entry, the cursor is at the end.
func (idx *Index[Row, Key]) Find(key Key) (Cursor[Row], error) {
	def := idx.def
	keyRaw := idx.EncodeKey(key)
	cur := Cursor[Row]{def: def}
	err := def.table.view(func(tx StorageTx) error {
		buck := def.bucketIn(tx)
		if def.primary {
			v, err := buck.Get(keyRaw)
			if err != nil {
				return err
			}
			if v != nil {
				cur.key = keyRaw
			}
			return nil
		}
		k, _ := buck.Cursor().Seek(keyRaw)
		if k != nil && bytes.HasPrefix(k, keyRaw) {
			cur.key = cloneBytes(k)
		}
		return nil
	})
	if err != nil {
		return Cursor[Row]{}, err
	}
	if cur.IsEnd() {
		def.table.logAttrs("kvtable: FIND.NOTFOUND", slog.String("index", def.name), slog.String("key", def.formatKey(keyRaw)))
	} else {
		def.table.logAttrs("kvtable: FIND", slog.String("index", def.name), slog.String("key", def.formatKey(keyRaw)))
	}
	return cur, nil
}

// Lookup returns the row found by Find, or ErrNotFound.
func (idx *Index[Row, Key]) Lookup(key Key) (*Row, error) {
	def := idx.def
	keyRaw := idx.EncodeKey(key)
	var row *Row
	err := def.table.view(func(tx StorageTx) error {
		dataBuck := def.table.primary.bucketIn(tx)
		if def.primary {
			var err error
			row, err = def.table.getRaw(dataBuck, keyRaw)
			return err
		}
		k, v := def.bucketIn(tx).Cursor().Seek(keyRaw)
		if k == nil || !bytes.HasPrefix(k, keyRaw) {
			return tableErrf(def.table.name, def.name, keyRaw, ErrNotFound, "")
		}
		var err error
		row, err = def.table.getRaw(dataBuck, v)
		return err
	})
	return row, err
}

// Begin returns a cursor at the first entry of the index, which equals End()
// when the index is empty.
func (idx *Index[Row, Key]) Begin() (Cursor[Row], error) {
	def := idx.def
	cur := Cursor[Row]{def: def}
	err := def.table.view(func(tx StorageTx) error {
		k, _ := def.bucketIn(tx).Cursor().First()
		cur.key = cloneBytes(k)
		return nil
	})
	if err != nil {
		return Cursor[Row]{}, err
	}
	return cur, nil
}

// End returns the position one past the last entry. It is never
// dereferenceable, and Prev from it moves to the last entry.
func (idx *Index[Row, Key]) End() Cursor[Row] {
	return Cursor[Row]{def: idx.def}
}

// Range returns every row whose key lies in [low, high], ordered by key and
// then by primary key. The result is empty when low > high.
func (idx *Index[Row, Key]) Range(low, high Key) ([]*Row, error) {
	var rows []*Row
	for row, err := range idx.Scan(&low, &high, false) {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Scan iterates over rows with keys between lower and upper inclusive; a nil
// bound is open. The whole iteration runs in one read transaction, so do not
// write to a Bolt-backed table from inside the loop.
func (idx *Index[Row, Key]) Scan(lower, upper *Key, reverse bool) iter.Seq2[*Row, error] {
	var rang RawRange
	if lower != nil {
		rang.Lower, rang.LowerInc = idx.EncodeKey(*lower), true
	}
	if upper != nil {
		rang.Upper, rang.UpperInc = idx.EncodeKey(*upper), true
	}
	rang.Reverse = reverse
	return idx.def.table.scan(idx.def, rang)
}

// ScanRaw iterates over rows whose encoded index entries fall within rang.
func (idx *Index[Row, Key]) ScanRaw(rang RawRange) iter.Seq2[*Row, error] {
	return idx.def.table.scan(idx.def, rang)
}
