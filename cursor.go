package kvtable

import (
	"bytes"
)

// Cursor is a position within an index: either an entry or the end. Cursors
// are values; moving returns a new cursor. Every operation reads the current
// state of the table, so a cursor held across writes may skip or revisit
// entries but never fails because of them.
type Cursor[Row any] struct {
	def *indexDef[Row]
	key []byte // nil at the end
}

func (c Cursor[Row]) IsEnd() bool {
	return c.key == nil
}

// Equal reports whether both cursors point to the same position of the same
// index.
func (c Cursor[Row]) Equal(o Cursor[Row]) bool {
	return c.def == o.def && (c.key == nil) == (o.key == nil) && bytes.Equal(c.key, o.key)
}

// RawKey returns the encoded index entry at the cursor, nil at the end.
func (c Cursor[Row]) RawKey() []byte {
	return c.key
}

// IndexName returns the name of the index this cursor walks.
func (c Cursor[Row]) IndexName() string {
	if c.def == nil {
		return ""
	}
	return c.def.name
}

func (c Cursor[Row]) String() string {
	if c.def == nil {
		return "<invalid cursor>"
	}
	if c.key == nil {
		return c.def.fullName() + "@end"
	}
	return c.def.fullName() + "@" + c.def.formatKey(c.key)
}

// Next advances to the following entry, or to the end after the last one.
// Advancing the end cursor fails with ErrOutOfRange.
func (c Cursor[Row]) Next() (Cursor[Row], error) {
	if c.key == nil {
		return c, tableErrf(c.def.table.name, c.def.name, nil, ErrOutOfRange, "next past the end")
	}
	next := Cursor[Row]{def: c.def}
	err := c.def.table.view(func(tx StorageTx) error {
		bc := c.def.bucketIn(tx).Cursor()
		k, _ := bc.Seek(c.key)
		if k != nil && bytes.Equal(k, c.key) {
			k, _ = bc.Next()
		}
		next.key = cloneBytes(k)
		return nil
	})
	if err != nil {
		return c, err
	}
	return next, nil
}

// Prev retreats to the preceding entry. From the end it moves to the last
// entry; from the first entry, or on an empty index, it fails with
// ErrOutOfRange.
func (c Cursor[Row]) Prev() (Cursor[Row], error) {
	prev := Cursor[Row]{def: c.def}
	err := c.def.table.view(func(tx StorageTx) error {
		bc := c.def.bucketIn(tx).Cursor()
		var k []byte
		if c.key == nil {
			k, _ = bc.Last()
		} else {
			k, _ = bc.SeekLast(c.key)
		}
		if k == nil {
			return tableErrf(c.def.table.name, c.def.name, c.key, ErrOutOfRange, "prev before the beginning")
		}
		prev.key = cloneBytes(k)
		return nil
	})
	if err != nil {
		return c, err
	}
	return prev, nil
}

// Value loads the row the cursor points to. It fails with ErrOutOfRange at
// the end and with ErrNotFound if the entry has been removed since the cursor
// was obtained.
func (c Cursor[Row]) Value() (*Row, error) {
	if c.key == nil {
		return nil, tableErrf(c.def.table.name, c.def.name, nil, ErrOutOfRange, "dereferencing the end")
	}
	tbl := c.def.table
	var row *Row
	err := tbl.view(func(tx StorageTx) error {
		dataBuck := tbl.primary.bucketIn(tx)
		pkRaw := c.key
		if !c.def.primary {
			v, err := c.def.bucketIn(tx).Get(c.key)
			if err != nil {
				return err
			}
			if v == nil {
				return tableErrf(tbl.name, c.def.name, c.key, ErrNotFound, "index entry is gone")
			}
			pkRaw = v
		}
		var err error
		row, err = tbl.getRaw(dataBuck, pkRaw)
		return err
	})
	return row, err
}
