package kvtable

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type myStruct struct {
	N1  string `msgpack:"n1" json:"n1"`
	N2  string `msgpack:"n2" json:"n2"`
	Foo string `msgpack:"foo" json:"foo"`
	Bar uint64 `msgpack:"bar" json:"bar"`
	Baz int32  `msgpack:"baz" json:"baz"`
}

type structTable struct {
	*Table[myStruct]
	byN1 *Index[myStruct, string]
	foo  *Index[myStruct, string]
	bar  *Index[myStruct, uint64]
	baz  *Index[myStruct, int32]
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))

func declareStructTable(opt TableOptions[myStruct]) *structTable {
	st := &structTable{Table: NewTable("structs", opt)}
	st.byN1 = must(AddPrimaryIndex(st.Table, "n1", func(r *myStruct) string { return r.N1 }))
	st.foo = must(AddIndex(st.Table, "foo", func(r *myStruct) string { return r.Foo }))
	st.bar = must(AddIndex(st.Table, "bar", func(r *myStruct) uint64 { return r.Bar }))
	st.baz = must(AddIndex(st.Table, "baz", func(r *myStruct) int32 { return r.Baz }))
	return st
}

func newStructTable(t testing.TB, store Storage, opt TableOptions[myStruct]) *structTable {
	t.Helper()
	st := declareStructTable(opt)
	require.NoError(t, st.Bind(store, Options{Logger: testLogger, Verbose: true}))
	return st
}

var (
	s  = myStruct{"bob", "alice", "a", 5, 0}
	s2 = myStruct{"alice", "bob", "c", 4, -1}
	s3 = myStruct{"john", "joe", "e", 3, -2}
	s4 = myStruct{"joe", "john", "g", 2, 1}
	s5 = myStruct{"billy", "vincent", "i", 1, 2}
)

func putAll(t testing.TB, st *structTable, rows ...myStruct) {
	t.Helper()
	for _, row := range rows {
		_, err := st.Upsert(&row)
		require.NoError(t, err)
	}
}

func derefRows(rows []*myStruct) []myStruct {
	result := make([]myStruct, 0, len(rows))
	for _, r := range rows {
		result = append(result, *r)
	}
	return result
}

func cursorValue(t testing.TB, c Cursor[myStruct]) myStruct {
	t.Helper()
	row, err := c.Value()
	require.NoError(t, err)
	return *row
}

func TestTable_Scenario(t *testing.T) {
	forEachStorage(t, func(t *testing.T, store Storage) {
		st := newStructTable(t, store, TableOptions[myStruct]{})
		putAll(t, st, s, s2, s3, s4, s5)

		n, err := st.Count()
		require.NoError(t, err)
		require.Equal(t, 5, n)

		row, err := st.Get("bob")
		require.NoError(t, err)
		require.Equal(t, s, *row)

		_, err = st.Get("nobody")
		require.ErrorIs(t, err, ErrNotFound)

		rows, err := st.bar.Range(1, 3)
		require.NoError(t, err)
		require.Equal(t, []myStruct{s5, s4, s3}, derefRows(rows))

		rows, err = st.bar.Range(3, 3)
		require.NoError(t, err)
		require.Equal(t, []myStruct{s3}, derefRows(rows))

		rows, err = st.bar.Range(3, 1)
		require.NoError(t, err)
		require.Empty(t, rows)

		for baz, expected := range map[int32]myStruct{-2: s3, -1: s2, 0: s, 1: s4, 2: s5} {
			c, err := st.baz.Find(baz)
			require.NoError(t, err)
			require.False(t, c.IsEnd(), "baz %d", baz)
			require.Equal(t, expected, cursorValue(t, c), "baz %d", baz)
		}
		c, err := st.baz.Find(3)
		require.NoError(t, err)
		require.True(t, c.IsEnd())

		c, err = st.foo.Begin()
		require.NoError(t, err)
		var foos []string
		for !c.IsEnd() {
			foos = append(foos, cursorValue(t, c).Foo)
			c, err = c.Next()
			require.NoError(t, err)
		}
		require.Equal(t, []string{"a", "c", "e", "g", "i"}, foos)
		require.True(t, c.Equal(st.foo.End()))

		_, err = c.Next()
		require.ErrorIs(t, err, ErrOutOfRange)
		_, err = c.Value()
		require.ErrorIs(t, err, ErrOutOfRange)

		c = st.foo.End()
		for i := 0; i < 5; i++ {
			c, err = c.Prev()
			require.NoError(t, err)
		}
		begin, err := st.foo.Begin()
		require.NoError(t, err)
		require.True(t, c.Equal(begin), "%v vs %v", c, begin)
		_, err = c.Prev()
		require.ErrorIs(t, err, ErrOutOfRange)

		var names []string
		for row, err := range st.All() {
			require.NoError(t, err)
			names = append(names, row.N1)
		}
		require.Equal(t, []string{"alice", "billy", "bob", "joe", "john"}, names)

		row, err = st.foo.Lookup("e")
		require.NoError(t, err)
		require.Equal(t, s3, *row)
		_, err = st.foo.Lookup("b")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, st.Erase("bob"))
		c, err = st.foo.Find("a")
		require.NoError(t, err)
		require.True(t, c.IsEnd())
		rows, err = st.bar.Range(0, 100)
		require.NoError(t, err)
		require.Equal(t, []myStruct{s5, s4, s3, s2}, derefRows(rows))
	})
}

func TestTable_PrimaryCursor(t *testing.T) {
	st := newStructTable(t, NewMemStorage(), TableOptions[myStruct]{})
	putAll(t, st, s, s2, s3)

	c, err := st.byN1.Find("bob")
	require.NoError(t, err)
	require.Equal(t, s, cursorValue(t, c))
	require.Equal(t, "structs.n1@bob", c.String())
	require.Equal(t, "n1", c.IndexName())

	c, err = c.Next()
	require.NoError(t, err)
	require.Equal(t, s3, cursorValue(t, c))

	c, err = c.Prev()
	require.NoError(t, err)
	c, err = c.Prev()
	require.NoError(t, err)
	require.Equal(t, s2, cursorValue(t, c))

	key, err := st.byN1.DecodeKey(c.RawKey())
	require.NoError(t, err)
	require.Equal(t, "alice", key)

	c, err = st.byN1.Find("zed")
	require.NoError(t, err)
	require.True(t, c.IsEnd())
	require.Equal(t, "structs.n1@end", c.String())
}

func TestTable_Empty(t *testing.T) {
	forEachStorage(t, func(t *testing.T, store Storage) {
		st := newStructTable(t, store, TableOptions[myStruct]{})

		begin, err := st.foo.Begin()
		require.NoError(t, err)
		require.True(t, begin.IsEnd())
		require.True(t, begin.Equal(st.foo.End()))

		_, err = st.foo.End().Prev()
		require.ErrorIs(t, err, ErrOutOfRange)

		rows, err := st.bar.Range(0, 10)
		require.NoError(t, err)
		require.Empty(t, rows)
	})
}

func TestTable_SecondaryKeyTies(t *testing.T) {
	st := newStructTable(t, NewMemStorage(), TableOptions[myStruct]{})
	putAll(t, st,
		myStruct{N1: "c", Foo: "x", Bar: 1},
		myStruct{N1: "a", Foo: "x", Bar: 1},
		myStruct{N1: "b", Foo: "xy", Bar: 1},
		myStruct{N1: "d", Foo: "", Bar: 2},
	)

	c, err := st.foo.Find("x")
	require.NoError(t, err)
	require.Equal(t, "a", cursorValue(t, c).N1)

	rows, err := st.foo.Range("x", "x")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, rowNames(rows))

	rows, err = st.foo.Range("", "x")
	require.NoError(t, err)
	require.Equal(t, []string{"d", "a", "c"}, rowNames(rows))

	var names []string
	for row, err := range st.bar.Scan(nil, nil, true) {
		require.NoError(t, err)
		names = append(names, row.N1)
	}
	require.Equal(t, []string{"d", "c", "b", "a"}, names)

	lower := uint64(2)
	names = nil
	for row, err := range st.bar.Scan(&lower, nil, false) {
		require.NoError(t, err)
		names = append(names, row.N1)
	}
	require.Equal(t, []string{"d"}, names)

	names = nil
	for row, err := range st.foo.ScanRaw(RawPrefix(st.foo.EncodeKey("x"))) {
		require.NoError(t, err)
		names = append(names, row.N1)
	}
	require.Equal(t, []string{"a", "c"}, names)
}

func rowNames(rows []*myStruct) []string {
	var names []string
	for _, r := range rows {
		names = append(names, r.N1)
	}
	return names
}

func TestTable_SchemaErrors(t *testing.T) {
	t.Run("duplicate index", func(t *testing.T) {
		tbl := NewTable[myStruct]("t", TableOptions[myStruct]{})
		must(AddPrimaryIndex(tbl, "n1", func(r *myStruct) string { return r.N1 }))
		must(AddIndex(tbl, "foo", func(r *myStruct) string { return r.Foo }))

		_, err := AddIndex(tbl, "foo", func(r *myStruct) uint64 { return r.Bar })
		require.ErrorIs(t, err, ErrDuplicateIndex)
		_, err = AddIndex(tbl, "n1", func(r *myStruct) string { return r.N2 })
		require.ErrorIs(t, err, ErrDuplicateIndex)
		require.Equal(t, []string{"n1", "foo"}, tbl.IndexNames())
	})

	t.Run("second primary", func(t *testing.T) {
		tbl := NewTable[myStruct]("t", TableOptions[myStruct]{})
		must(AddPrimaryIndex(tbl, "n1", func(r *myStruct) string { return r.N1 }))
		_, err := AddPrimaryIndex(tbl, "n2", func(r *myStruct) string { return r.N2 })
		require.ErrorIs(t, err, ErrInvalidSchema)
	})

	t.Run("empty index name", func(t *testing.T) {
		tbl := NewTable[myStruct]("t", TableOptions[myStruct]{})
		_, err := AddIndex(tbl, "", func(r *myStruct) string { return r.Foo })
		require.ErrorIs(t, err, ErrInvalidSchema)
	})

	t.Run("no primary", func(t *testing.T) {
		tbl := NewTable[myStruct]("t", TableOptions[myStruct]{})
		must(AddIndex(tbl, "foo", func(r *myStruct) string { return r.Foo }))
		require.ErrorIs(t, tbl.Bind(NewMemStorage(), Options{}), ErrInvalidSchema)
		require.False(t, tbl.IsBound())
	})

	t.Run("not bound", func(t *testing.T) {
		st := declareStructTable(TableOptions[myStruct]{})
		_, err := st.Get("bob")
		require.ErrorIs(t, err, ErrNotInitialized)
		_, err = st.Upsert(&s)
		require.ErrorIs(t, err, ErrNotInitialized)
		_, err = st.foo.Find("a")
		require.ErrorIs(t, err, ErrNotInitialized)
		_, err = st.bar.Range(1, 2)
		require.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("already bound", func(t *testing.T) {
		st := newStructTable(t, NewMemStorage(), TableOptions[myStruct]{})
		require.True(t, st.IsBound())
		_, err := AddIndex(st.Table, "n2", func(r *myStruct) string { return r.N2 })
		require.ErrorIs(t, err, ErrAlreadyBound)
		require.ErrorIs(t, st.Bind(NewMemStorage(), Options{}), ErrAlreadyBound)
	})

	t.Run("wrong key type", func(t *testing.T) {
		st := newStructTable(t, NewMemStorage(), TableOptions[myStruct]{})
		_, err := st.Get(1.5)
		require.Error(t, err)
		_, err = st.Get(nil)
		require.Error(t, err)
		_, err = st.Get(65)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("integer key conversion", func(t *testing.T) {
		tbl := NewTable("counters", TableOptions[counter]{})
		must(AddPrimaryIndex(tbl, "id", func(r *counter) uint64 { return r.ID }))
		require.NoError(t, tbl.Bind(NewMemStorage(), Options{Logger: testLogger}))
		_, err := tbl.Upsert(&counter{ID: 5, Name: "five"})
		require.NoError(t, err)

		for _, key := range []any{5, int32(5), uint8(5), uint64(5)} {
			row, err := tbl.Get(key)
			require.NoError(t, err, "%T", key)
			require.Equal(t, "five", row.Name)
		}

		err = tbl.Erase(-1)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrNotFound)
		_, err = tbl.Get("5")
		require.Error(t, err)
		_, err = tbl.Get(5.0)
		require.Error(t, err)
	})

	t.Run("non-struct row", func(t *testing.T) {
		assertPanics(t, func() { NewTable[string]("t", TableOptions[string]{}) })
	})

	t.Run("interface key", func(t *testing.T) {
		tbl := NewTable[myStruct]("t", TableOptions[myStruct]{})
		assertPanics(t, func() {
			AddIndex(tbl, "any", func(r *myStruct) any { return r.Foo })
		})
	})
}

func TestCursor_Symmetry(t *testing.T) {
	st := newStructTable(t, NewMemStorage(), TableOptions[myStruct]{})
	putAll(t, st, s, s2, s3, s4, s5, myStruct{N1: "zed", Foo: "c", Bar: 3, Baz: 0})

	row, err := st.bar.Lookup(1)
	require.NoError(t, err)
	require.Equal(t, s5, *row)

	begin, err := st.baz.Begin()
	require.NoError(t, err)
	var steps int
	for c := begin; !c.IsEnd(); steps++ {
		next, err := c.Next()
		require.NoError(t, err)
		back, err := next.Prev()
		require.NoError(t, err)
		require.True(t, back.Equal(c), "prev(next(%v)) = %v", c, back)

		if !c.Equal(begin) {
			prev, err := c.Prev()
			require.NoError(t, err)
			fwd, err := prev.Next()
			require.NoError(t, err)
			require.True(t, fwd.Equal(c), "next(prev(%v)) = %v", c, fwd)
		}
		c = next
	}
	require.Equal(t, 6, steps)

	fooBegin, err := st.foo.Begin()
	require.NoError(t, err)
	require.False(t, fooBegin.Equal(begin), "cursors of different indexes")
	require.False(t, st.foo.End().Equal(st.baz.End()))
}

type counter struct {
	ID   uint64
	Name string
}
