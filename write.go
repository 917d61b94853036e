package kvtable

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"
)

// Writer applies changes to a table within one write transaction. It is only
// valid inside the function passed to Table.Update.
type Writer[Row any] struct {
	tbl        *Table[Row]
	tx         StorageTx
	bnd        *binding
	data       StorageBucket
	indexBucks map[string]StorageBucket
	changes    []*Change[Row]
	written    bool
	reindexing bool
}

func (tbl *Table[Row]) newWriter(tx StorageTx, bnd *binding) *Writer[Row] {
	return &Writer[Row]{
		tbl:        tbl,
		tx:         tx,
		bnd:        bnd,
		indexBucks: make(map[string]StorageBucket, len(tbl.indices)),
	}
}

func safelyCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn()
}

func (w *Writer[Row]) dataBucket() StorageBucket {
	if w.data == nil {
		w.data = nonNilBucket(w.tx.Bucket(w.tbl.name, dataBucket), w.tbl.name, dataBucket)
	}
	return w.data
}

// indexBucket returns nil for indexes that are not declared anymore.
func (w *Writer[Row]) indexBucket(name string) StorageBucket {
	if b, ok := w.indexBucks[name]; ok {
		return b
	}
	var b StorageBucket
	if idx := w.tbl.indicesByName[name]; idx != nil {
		b = nonNilBucket(w.tx.Bucket(w.tbl.name, idx.sub), w.tbl.name, idx.sub)
	}
	w.indexBucks[name] = b
	return b
}

func (w *Writer[Row]) logAttrs(msg string, attrs ...slog.Attr) {
	if w.bnd.verbose {
		w.bnd.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, append(attrs, slog.String("table", w.tbl.name))...)
	}
}

// Get returns a row as seen by this transaction, including its own writes.
func (w *Writer[Row]) Get(key any) (*Row, error) {
	keyRaw, err := w.tbl.encodePrimaryKey(key)
	if err != nil {
		return nil, err
	}
	return w.tbl.getRaw(w.dataBucket(), keyRaw)
}

// Upsert inserts row, or replaces the row with the same primary key.
func (w *Writer[Row]) Upsert(row *Row) (ValueMeta, error) {
	if row == nil {
		return ValueMeta{}, tableErrf(w.tbl.name, "", nil, nil, "nil row")
	}
	tbl := w.tbl
	dataBuck := w.dataBucket()
	keyRaw := tbl.primary.appendKey(nil, row)
	rows := tbl.buildIndexRows(row, keyRaw)

	oldValueRaw, err := dataBuck.Get(keyRaw)
	if err != nil {
		return ValueMeta{}, tableErrf(tbl.name, "", keyRaw, err, "reading old value")
	}
	var old value
	if oldValueRaw != nil {
		err := old.decode(oldValueRaw)
		if err != nil {
			return ValueMeta{}, tableErrf(tbl.name, "", keyRaw, err, "decoding old value")
		}
	}

	if err := w.checkUnique(rows, keyRaw); err != nil {
		return ValueMeta{}, err
	}

	newSchemaVer := tbl.opt.SchemaVersion
	newModCount := old.ModCount

	valueRaw := reserveValueHeader(256)
	dataOff := len(valueRaw)
	valueRaw = tbl.encodeRow(valueRaw, row)
	indexOff := len(valueRaw)
	valueRaw = appendIndexKeys(valueRaw, rows)
	dataBytes := valueRaw[dataOff:indexOff]
	indexBytes := valueRaw[indexOff:]

	isDataUnchanged := oldValueRaw != nil && bytes.Equal(dataBytes, old.Data)
	isIndexKeySetUnchanged := oldValueRaw != nil && bytes.Equal(indexBytes, old.Index)

	if oldValueRaw != nil && old.SchemaVer == newSchemaVer && isDataUnchanged && isIndexKeySetUnchanged && !w.reindexing {
		w.logAttrs("kvtable: PUT.NOOP", slog.String("key", tbl.primary.formatKey(keyRaw)), slog.Uint64("m", newModCount), slog.String("row", tbl.loggableRow(row)))
		return ValueMeta{newSchemaVer, newModCount}, nil
	}
	if !isDataUnchanged {
		newModCount++
	}
	valueRaw = putValueHeader(valueRaw, flagsFor(tbl.opt.Encoding), newSchemaVer, newModCount, indexOff)
	w.written = true

	var oldRow *Row
	if oldValueRaw != nil && tbl.opt.OnChange != nil && !w.reindexing {
		oldRow, _, err = tbl.decodeRow(keyRaw, oldValueRaw)
		if err != nil {
			w.bnd.logger.Warn("kvtable: cannot decode old row", "table", tbl.name, "err", err)
			oldRow = nil
		}
	}

	if oldValueRaw != nil && !isIndexKeySetUnchanged && !w.reindexing {
		err := findRemovedIndexKeys(old.Index, rows, func(index string, key []byte) {
			// Indexes that no longer exist have had their buckets dropped.
			if b := w.indexBucket(index); b != nil {
				ensure(b.Delete(key))
			}
		})
		if err != nil {
			return ValueMeta{}, tableErrf(tbl.name, "", keyRaw, err, "decoding old index keys")
		}
	}

	if err := dataBuck.Put(keyRaw, valueRaw); err != nil {
		return ValueMeta{}, tableErrf(tbl.name, "", keyRaw, err, "put")
	}

	// put new index entries even if the set is unchanged, in case a bucket was rebuilt
	for _, ir := range rows {
		if err := w.indexBucket(ir.Index).Put(ir.KeyRaw, keyRaw); err != nil {
			return ValueMeta{}, tableErrf(tbl.name, ir.Index, ir.KeyRaw, err, "put index entry")
		}
	}

	w.logAttrs("kvtable: PUT", slog.String("key", tbl.primary.formatKey(keyRaw)), slog.Uint64("m", newModCount), slog.String("row", tbl.loggableRow(row)))
	if !w.reindexing {
		w.changes = append(w.changes, &Change[Row]{op: OpPut, rawKey: keyRaw, row: row, oldRow: oldRow})
	}
	return ValueMeta{newSchemaVer, newModCount}, nil
}

func (w *Writer[Row]) checkUnique(rows indexRows, keyRaw []byte) error {
	for _, ir := range rows {
		idx := w.tbl.indicesByName[ir.Index]
		if !idx.unique {
			continue
		}
		sec := ir.KeyRaw[:len(ir.KeyRaw)-len(keyRaw)]
		c := w.indexBucket(ir.Index).Cursor()
		for k, _ := c.Seek(sec); k != nil && bytes.HasPrefix(k, sec); k, _ = c.Next() {
			if !bytes.Equal(k, ir.KeyRaw) {
				return tableErrf(w.tbl.name, idx.name, sec, ErrUniqueViolation, "key %s is already taken", idx.formatKey(sec))
			}
		}
	}
	return nil
}

// Erase removes the row with the given primary key. A missing row is an
// ErrNotFound in strict mode and a no-op otherwise.
func (w *Writer[Row]) Erase(key any) error {
	keyRaw, err := w.tbl.encodePrimaryKey(key)
	if err != nil {
		return err
	}
	return w.eraseRaw(keyRaw)
}

func (w *Writer[Row]) EraseRow(row *Row) error {
	if row == nil {
		return tableErrf(w.tbl.name, "", nil, nil, "nil row")
	}
	return w.eraseRaw(w.tbl.primary.appendKey(nil, row))
}

func (w *Writer[Row]) eraseRaw(keyRaw []byte) error {
	tbl := w.tbl
	dataBuck := w.dataBucket()
	oldValueRaw, err := dataBuck.Get(keyRaw)
	if err != nil {
		return tableErrf(tbl.name, "", keyRaw, err, "reading old value")
	}
	if oldValueRaw == nil {
		w.logAttrs("kvtable: DELETE.NOOP", slog.String("key", tbl.primary.formatKey(keyRaw)))
		if w.bnd.strict {
			return tableErrf(tbl.name, "", keyRaw, ErrNotFound, "erase")
		}
		return nil
	}

	var old value
	if err := old.decode(oldValueRaw); err != nil {
		return tableErrf(tbl.name, "", keyRaw, err, "decoding old value")
	}

	var oldRow *Row
	if tbl.opt.OnChange != nil {
		oldRow, _, err = tbl.decodeRow(keyRaw, oldValueRaw)
		if err != nil {
			w.bnd.logger.Warn("kvtable: cannot decode old row", "table", tbl.name, "err", err)
			oldRow = nil
		}
	}

	w.written = true
	err = decodeIndexKeys(old.Index, func(index string, key []byte) {
		if b := w.indexBucket(index); b != nil {
			ensure(b.Delete(key))
		}
	})
	if err != nil {
		return tableErrf(tbl.name, "", keyRaw, err, "decoding old index keys")
	}
	if err := dataBuck.Delete(keyRaw); err != nil {
		return tableErrf(tbl.name, "", keyRaw, err, "delete")
	}

	w.logAttrs("kvtable: DELETE", slog.String("key", tbl.primary.formatKey(keyRaw)))
	w.changes = append(w.changes, &Change[Row]{op: OpDelete, rawKey: keyRaw, oldRow: oldRow})
	return nil
}

// prepare creates the table buckets and reconciles the stored table state
// with the declared indexes.
func (w *Writer[Row]) prepare() error {
	tbl := w.tbl
	for _, sub := range []string{dataBucket, metaBucket} {
		if _, err := w.tx.CreateBucket(tbl.name, sub); err != nil {
			return err
		}
	}
	for _, idx := range tbl.indices {
		if _, err := w.tx.CreateBucket(tbl.name, idx.sub); err != nil {
			return err
		}
	}

	ts, err := w.loadState()
	if err != nil {
		return err
	}

	var pending []string
	for _, idx := range tbl.indices {
		if !slices.Contains(ts.Indices, idx.name) {
			pending = append(pending, idx.name)
		}
	}
	for _, name := range ts.Indices {
		if tbl.indicesByName[name] == nil {
			err := w.tx.DeleteBucket(tbl.name, indexBucketP+name)
			if err != nil && !errors.Is(err, ErrBucketNotFound) {
				return err
			}
			w.bnd.logger.Info("kvtable: dropped index", "table", tbl.name, "index", name)
		}
	}

	if len(pending) > 0 && w.dataBucket().Stats().KeyN > 0 {
		w.bnd.logger.Info("kvtable: filling new indexes", "table", tbl.name, "indexes", pending)
		if err := w.reindex(); err != nil {
			return err
		}
	}
	return w.saveState()
}

// reindex recreates every secondary index bucket and re-puts every row.
func (w *Writer[Row]) reindex() error {
	tbl := w.tbl
	w.reindexing = true
	defer func() {
		w.reindexing = false
	}()
	w.written = true

	for _, idx := range tbl.indices {
		err := w.tx.DeleteBucket(tbl.name, idx.sub)
		if err != nil && !errors.Is(err, ErrBucketNotFound) {
			return err
		}
		if _, err := w.tx.CreateBucket(tbl.name, idx.sub); err != nil {
			return err
		}
	}
	clear(w.indexBucks)
	w.data = nil

	// Collect keys first, as putting while a cursor is open is not safe in Bolt.
	dataBuck := w.dataBucket()
	var keys [][]byte
	c := dataBuck.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, cloneBytes(k))
	}

	start := time.Now()
	for i, k := range keys {
		row, err := tbl.getRaw(dataBuck, k)
		if err != nil {
			return err
		}
		if _, err := w.Upsert(row); err != nil {
			return err
		}
		if (i+1)%100000 == 0 {
			w.bnd.logger.Info("kvtable: still re-indexing", "table", tbl.name, "rows", i+1, "ms", time.Since(start).Milliseconds())
		}
	}
	if len(keys) > 0 {
		w.bnd.logger.Info("kvtable: re-indexed", "table", tbl.name, "rows", len(keys), "ms", time.Since(start).Milliseconds())
	}
	return w.saveState()
}

func nonNilBucket(b StorageBucket, name, sub string) StorageBucket {
	if b == nil {
		panic(tableErrf(name, "", nil, ErrBucketNotFound, "missing bucket %s", sub))
	}
	return b
}
