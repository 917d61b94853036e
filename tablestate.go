package kvtable

import (
	"reflect"
	"time"
)

// tableState is persisted in the meta bucket of every table.
type tableState struct {
	SchemaVer uint64    `msgpack:"s"`
	Indices   []string  `msgpack:"i"`
	LastSeen  time.Time `msgpack:"t"`
}

var tableStateKey = []byte("_state")

const tableStateEncoding = MsgPack

func (w *Writer[Row]) loadState() (*tableState, error) {
	ts := new(tableState)
	metaB := nonNilBucket(w.tx.Bucket(w.tbl.name, metaBucket), w.tbl.name, metaBucket)
	rawTS, err := metaB.Get(tableStateKey)
	if err != nil {
		return nil, err
	}
	if rawTS != nil {
		err := tableStateEncoding.DecodeValue(rawTS, reflect.ValueOf(ts))
		if err != nil {
			return nil, tableErrf(w.tbl.name, "", nil, err, "failed to decode table state")
		}
	}
	return ts, nil
}

func (w *Writer[Row]) saveState() error {
	ts := &tableState{
		SchemaVer: w.tbl.opt.SchemaVersion,
		LastSeen:  time.Now().UTC(),
	}
	for _, idx := range w.tbl.indices {
		ts.Indices = append(ts.Indices, idx.name)
	}
	rawTS := tableStateEncoding.EncodeValue(nil, reflect.ValueOf(ts))
	metaB := nonNilBucket(w.tx.Bucket(w.tbl.name, metaBucket), w.tbl.name, metaBucket)
	return metaB.Put(tableStateKey, rawTS)
}

// State reports the persisted table state: the schema version and the
// secondary indexes that were built the last time the table was bound or
// reindexed.
func (tbl *Table[Row]) State() (schemaVer uint64, indices []string, err error) {
	err = tbl.view(func(tx StorageTx) error {
		metaB := tx.Bucket(tbl.name, metaBucket)
		if metaB == nil {
			return nil
		}
		rawTS, err := metaB.Get(tableStateKey)
		if err != nil || rawTS == nil {
			return err
		}
		var ts tableState
		if err := tableStateEncoding.DecodeValue(rawTS, reflect.ValueOf(&ts)); err != nil {
			return tableErrf(tbl.name, "", nil, err, "failed to decode table state")
		}
		schemaVer, indices = ts.SchemaVer, ts.Indices
		return nil
	})
	return
}
