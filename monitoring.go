package kvtable

import (
	"encoding/json"
)

type TableStats struct {
	Rows      int
	IndexRows int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64
}

func (ts *TableStats) TotalSize() int64 {
	return ts.DataSize + ts.IndexSize
}

func (ts *TableStats) TotalAlloc() int64 {
	return ts.DataAlloc + ts.IndexAlloc
}

func (tbl *Table[Row]) Stats() (TableStats, error) {
	var result TableStats
	err := tbl.view(func(tx StorageTx) error {
		result = tbl.statsIn(tx)
		return nil
	})
	return result, err
}

func (tbl *Table[Row]) statsIn(tx StorageTx) TableStats {
	bs := tbl.primary.bucketIn(tx).Stats()
	result := TableStats{
		Rows:      bs.KeyN,
		DataSize:  bs.LeafInuse,
		DataAlloc: bs.TotalAlloc(),
	}

	for _, idx := range tbl.indices {
		bs = idx.bucketIn(tx).Stats()
		result.IndexRows += bs.KeyN
		result.IndexSize += bs.LeafInuse
		result.IndexAlloc += bs.TotalAlloc()
	}
	return result
}

func loggableVal(v any) string {
	if v == nil {
		return "<none>"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "<unloggable: " + err.Error() + ">"
	}
	return string(raw)
}
