package kvtable

import (
	"fmt"
)

type (
	// Change describes one committed modification of a row.
	Change[Row any] struct {
		op     Op
		rawKey []byte
		row    *Row
		oldRow *Row
	}

	Op int
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

func (chg *Change[Row]) Op() Op {
	return chg.op
}

// RawKey returns the encoded primary key.
func (chg *Change[Row]) RawKey() []byte {
	return chg.rawKey
}

// Row returns the new row, or nil for deletions.
func (chg *Change[Row]) Row() *Row {
	return chg.row
}
func (chg *Change[Row]) HasOldRow() bool {
	return chg.oldRow != nil
}

// OldRow returns the row as it was before the change, or nil for insertions.
func (chg *Change[Row]) OldRow() *Row {
	return chg.oldRow
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}
