package kvtable

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var dumpSep2 = strings.Repeat("-", 60)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the table contents for debugging and tests.
func (tbl *Table[Row]) Dump(f DumpFlags) (string, error) {
	var buf strings.Builder
	err := tbl.view(func(tx StorageTx) error {
		tbl.dumpIn(&buf, tx, f)
		return nil
	})
	return buf.String(), err
}

func (tbl *Table[Row]) dumpIn(w *strings.Builder, tx StorageTx, f DumpFlags) {
	prefix := tbl.name
	s := tbl.statsIn(tx)

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, rpadf('=', "=== %s (%d rows) ", prefix, s.Rows))
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_rows = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, s.IndexRows, s.DataSize, s.DataAlloc, s.IndexSize, s.IndexAlloc, s.TotalAlloc())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		c := tbl.primary.bucketIn(tx).Cursor()
		var rowPos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rowPos++
			tbl.dumpRow(w, prefix, rowPos, k, v)
		}
	}

	if f.Contains(DumpIndices) {
		for _, idx := range tbl.indices {
			fmt.Fprintln(w, dumpSep2)
			idxPrefix := prefix + ".i." + idx.name
			unique := ""
			if idx.unique {
				unique = " UNIQUE"
			}
			fmt.Fprintf(w, "%s (%v)%s\n", idxPrefix, idx.keyType, unique)

			if f.Contains(DumpIndexRows) {
				c := idx.bucketIn(tx).Cursor()
				var rowPos int
				for k, v := c.First(); k != nil; k, v = c.Next() {
					rowPos++
					tbl.dumpIndexRow(w, idxPrefix, idx, rowPos, k, v)
				}
			}
		}
	}
}

func (tbl *Table[Row]) dumpRow(w *strings.Builder, prefix string, rowPos int, k, v []byte) {
	row, rowMeta, err := tbl.decodeRow(k, v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = (m%d s%d) ** ERROR: %v\n", prefix, rowPos, rowMeta.ModCount, rowMeta.SchemaVer, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = (m%d s%d) %s\n", prefix, rowPos, rowMeta.ModCount, rowMeta.SchemaVer, tbl.loggableRow(row))
}

func (tbl *Table[Row]) dumpIndexRow(w *strings.Builder, prefix string, idx *indexDef[Row], rowPos int, k, v []byte) {
	sec, pk, err := idx.splitEntry(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d: ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	mismatch := ""
	if string(pk) != string(v) {
		mismatch = " ** MISMATCH " + hexstr(v)
	}
	fmt.Fprintf(w, "%s.%d: %s => %s%s\n", prefix, rowPos, idx.formatKey(sec), tbl.primary.formatKey(pk), mismatch)
}

func rpadf(pad rune, format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	return rpad(s, 80, pad)
}
