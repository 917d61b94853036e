package kvtable

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	dataBucket   = "data"
	metaBucket   = "meta"
	indexBucketP = "i_"
)

// Table holds records of type Row under a primary index and any number of
// named secondary indexes. A table is declared once, bound to a Storage once,
// then used from any number of goroutines. Writes are serialized per table.
type Table[Row any] struct {
	name          string
	opt           TableOptions[Row]
	rowType       reflect.Type
	primary       *indexDef[Row]
	indices       []*indexDef[Row] // secondary, in declaration order
	indicesByName map[string]*indexDef[Row]

	mu  sync.Mutex
	bnd atomic.Pointer[binding]
}

type TableOptions[Row any] struct {
	// SchemaVersion is stored with every row. Rows written under an older
	// version are passed to Migrate when read.
	SchemaVersion uint64
	Migrate       func(row *Row, oldVer uint64)

	Encoding Encoding

	// OnChange is called after every committed write with one entry per
	// modified row, in order. It runs outside the write lock, so it may write
	// to the table itself.
	OnChange func(chg *Change[Row])

	SuppressContentWhenLogging bool
}

// Options configure a table binding.
type Options struct {
	Logger *slog.Logger

	// Verbose logs every write at debug level.
	Verbose bool

	// Strict makes erasing a missing key fail with ErrNotFound.
	Strict bool
}

type binding struct {
	store   Storage
	logger  *slog.Logger
	verbose bool
	strict  bool
}

func NewTable[Row any](name string, opt TableOptions[Row]) *Table[Row] {
	rowType := reflect.TypeOf((*Row)(nil)).Elem()
	if rowType.Kind() != reflect.Struct {
		panic(fmt.Errorf("%s: row type must be a struct, got %v", name, rowType))
	}
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		panic(fmt.Errorf("invalid table name %q", name))
	}
	if opt.SchemaVersion > maxSchemaVersion {
		panic(fmt.Errorf("%s: schema version %d is too large", name, opt.SchemaVersion))
	}
	return &Table[Row]{
		name:          name,
		opt:           opt,
		rowType:       rowType,
		indicesByName: make(map[string]*indexDef[Row]),
	}
}

func (tbl *Table[Row]) Name() string {
	return tbl.name
}

// IsBound returns whether Bind has succeeded.
func (tbl *Table[Row]) IsBound() bool {
	return tbl.bnd.Load() != nil
}

func (tbl *Table[Row]) binding() (*binding, error) {
	bnd := tbl.bnd.Load()
	if bnd == nil {
		return nil, tableErrf(tbl.name, "", nil, ErrNotInitialized, "")
	}
	return bnd, nil
}

func (tbl *Table[Row]) addIndex(def *indexDef[Row]) error {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if tbl.bnd.Load() != nil {
		return tableErrf(tbl.name, def.name, nil, ErrAlreadyBound, "cannot add index")
	}
	if def.name == "" || strings.IndexByte(def.name, 0) >= 0 {
		return tableErrf(tbl.name, def.name, nil, ErrInvalidSchema, "invalid index name")
	}
	if tbl.indicesByName[def.name] != nil || (tbl.primary != nil && tbl.primary.name == def.name) {
		return tableErrf(tbl.name, def.name, nil, ErrDuplicateIndex, "")
	}
	def.table = tbl
	if def.primary {
		if tbl.primary != nil {
			return tableErrf(tbl.name, def.name, nil, ErrInvalidSchema, "table already has primary index %s", tbl.primary.name)
		}
		tbl.primary = def
	} else {
		def.pos = len(tbl.indices)
		def.sub = indexBucketP + def.name
		tbl.indices = append(tbl.indices, def)
		tbl.indicesByName[def.name] = def
	}
	return nil
}

// Bind attaches the table to storage, creating its buckets, filling indexes
// that were added since the last run and dropping ones that were removed.
func (tbl *Table[Row]) Bind(store Storage, opt Options) error {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if tbl.bnd.Load() != nil {
		return tableErrf(tbl.name, "", nil, ErrAlreadyBound, "")
	}
	if tbl.primary == nil {
		return tableErrf(tbl.name, "", nil, ErrInvalidSchema, "no primary index")
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	bnd := &binding{
		store:   store,
		logger:  opt.Logger,
		verbose: opt.Verbose,
		strict:  opt.Strict,
	}

	tx, err := store.BeginTx(true)
	if err != nil {
		return tableErrf(tbl.name, "", nil, err, "bind")
	}
	w := tbl.newWriter(tx, bnd)
	err = safelyCall(w.prepare)
	if err != nil {
		_ = tx.Rollback()
		return tableErrf(tbl.name, "", nil, err, "bind")
	}
	err = tx.Commit()
	if err != nil {
		return tableErrf(tbl.name, "", nil, err, "bind: commit")
	}
	tbl.bnd.Store(bnd)
	return nil
}

// Update runs f in a single write transaction. If f returns an error or
// panics, nothing f did is persisted.
func (tbl *Table[Row]) Update(f func(w *Writer[Row]) error) error {
	changes, err := tbl.update(f)
	if err != nil {
		return err
	}
	if tbl.opt.OnChange != nil {
		for _, chg := range changes {
			tbl.opt.OnChange(chg)
		}
	}
	return nil
}

// update commits f under the write lock and returns the committed changes.
func (tbl *Table[Row]) update(f func(w *Writer[Row]) error) ([]*Change[Row], error) {
	bnd, err := tbl.binding()
	if err != nil {
		return nil, err
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	tx, err := bnd.store.BeginTx(true)
	if err != nil {
		return nil, tableErrf(tbl.name, "", nil, err, "begin")
	}
	w := tbl.newWriter(tx, bnd)
	err = safelyCall(func() error { return f(w) })
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if !w.written {
		_ = tx.Rollback()
		return nil, nil
	}
	err = tx.Commit()
	if err != nil {
		return nil, tableErrf(tbl.name, "", nil, err, "commit")
	}
	return w.changes, nil
}

func (tbl *Table[Row]) Upsert(row *Row) (ValueMeta, error) {
	var meta ValueMeta
	err := tbl.Update(func(w *Writer[Row]) error {
		var err error
		meta, err = w.Upsert(row)
		return err
	})
	return meta, err
}

// Erase removes the row with the given primary key and all its index entries.
func (tbl *Table[Row]) Erase(key any) error {
	return tbl.Update(func(w *Writer[Row]) error {
		return w.Erase(key)
	})
}

func (tbl *Table[Row]) EraseRow(row *Row) error {
	return tbl.Update(func(w *Writer[Row]) error {
		return w.EraseRow(row)
	})
}

// Reindex rebuilds every secondary index from the stored rows, and rewrites
// rows written under older schema versions.
func (tbl *Table[Row]) Reindex() error {
	return tbl.Update(func(w *Writer[Row]) error {
		return w.reindex()
	})
}

// indexNamed returns the index with the given name, or nil. The primary
// index is found by its name too.
func (tbl *Table[Row]) indexNamed(name string) *indexDef[Row] {
	if tbl.primary != nil && tbl.primary.name == name {
		return tbl.primary
	}
	return tbl.indicesByName[name]
}

// IndexNames lists the primary index followed by secondary indexes in
// declaration order.
func (tbl *Table[Row]) IndexNames() []string {
	var names []string
	if tbl.primary != nil {
		names = append(names, tbl.primary.name)
	}
	for _, idx := range tbl.indices {
		names = append(names, idx.name)
	}
	return names
}

func (tbl *Table[Row]) encodePrimaryKey(key any) ([]byte, error) {
	if tbl.primary == nil {
		return nil, tableErrf(tbl.name, "", nil, ErrInvalidSchema, "no primary index")
	}
	keyVal, err := tbl.primary.ensureCorrectKeyType(reflect.ValueOf(key))
	if err != nil {
		return nil, err
	}
	return tbl.primary.keyEnc.encode(nil, keyVal), nil
}

func (tbl *Table[Row]) encodeRow(buf []byte, row *Row) []byte {
	return tbl.opt.Encoding.EncodeValue(buf, reflect.ValueOf(row))
}

// decodeRow decodes a stored value, migrating it to the current schema
// version if needed.
func (tbl *Table[Row]) decodeRow(keyRaw, valueRaw []byte) (*Row, ValueMeta, error) {
	var vle value
	err := vle.decode(valueRaw)
	if err != nil {
		return nil, ValueMeta{}, tableErrf(tbl.name, "", keyRaw, err, "decoding value")
	}
	meta := vle.ValueMeta()
	if vle.SchemaVer > tbl.opt.SchemaVersion {
		err = dataErrf(valueRaw, 0, nil, "row has schema version %d, newer than %d", vle.SchemaVer, tbl.opt.SchemaVersion)
		return nil, meta, tableErrf(tbl.name, "", keyRaw, err, "decoding value")
	}
	row := new(Row)
	err = vle.Flags.encoding().DecodeValue(vle.Data, reflect.ValueOf(row))
	if err != nil {
		return nil, meta, tableErrf(tbl.name, "", keyRaw, err, "decoding row")
	}
	if vle.SchemaVer < tbl.opt.SchemaVersion && tbl.opt.Migrate != nil {
		tbl.opt.Migrate(row, vle.SchemaVer)
	}
	return row, meta, nil
}

func (tbl *Table[Row]) loggableRow(row *Row) string {
	if row == nil {
		return "<none>"
	}
	if tbl.opt.SuppressContentWhenLogging {
		return "<suppressed>"
	}
	return loggableVal(row)
}
