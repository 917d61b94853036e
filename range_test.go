package kvtable

import (
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"
)

func TestRawRangeCursor_BoundsPrefixAndReverse(t *testing.T) {
	s := NewMemStorage()

	wtx := must(s.BeginTx(true))
	buck := must(wtx.CreateBucket("b", ""))
	mustPut(t, buck, []byte{0x10, 0x01}, []byte("a"))
	mustPut(t, buck, []byte{0x10, 0x02}, []byte("b"))
	mustPut(t, buck, []byte{0x10, 0x03}, []byte("c"))
	mustPut(t, buck, []byte{0x11, 0x01}, []byte("x"))
	ensure(wtx.Commit())

	rtx := must(s.BeginTx(false))
	defer rtx.Rollback()
	rbuck := nonNil(rtx.Bucket("b", ""))
	logger := slog.Default()

	o := func(name string, rang RawRange, exp string) {
		t.Helper()
		cur := rang.newCursor(rbuck.Cursor(), logger)
		var got []string
		for cur.Next() {
			got = append(got, string(cur.Value()))
		}
		if a := strings.Join(got, " "); a != exp {
			t.Errorf("** %s: got %q, wanted %q", name, a, exp)
		}
	}
	o("all", RawOO(), "a b c x")
	o("all reverse", RawOO().Reversed(), "x c b a")
	o("prefix", RawPrefix([]byte{0x10}), "a b c")
	o("prefix reverse", RawPrefix([]byte{0x10}).Reversed(), "c b a")
	o("lower exclusive", RawRange{Lower: []byte{0x10, 0x01}}, "b c x")
	o("lower inclusive", RawIO([]byte{0x10, 0x02}), "b c x")
	o("upper exclusive reverse", RawRange{Upper: []byte{0x10, 0x03}, Reverse: true}, "b a")
	o("upper inclusive", RawOI([]byte{0x10, 0x02}), "a b")
	o("upper inclusive as prefix", RawOI([]byte{0x10}), "a b c")
	o("lower exclusive as prefix", RawRange{Lower: []byte{0x10}}, "x")
	o("closed", RawII([]byte{0x10, 0x02}, []byte{0x11}), "b c x")
	o("closed reverse", RawII([]byte{0x10, 0x02}, []byte{0x11}).Reversed(), "x c b")
	o("open interval", RawEE([]byte{0x10, 0x01}, []byte{0x10, 0x03}), "b")
	o("inverted", RawII([]byte{0x11}, []byte{0x10}), "")
	o("no match", RawPrefix([]byte{0x20}), "")
}

func TestRawRangeCursor_PrefixMismatchPanics(t *testing.T) {
	assertPanics(t, func() {
		rang := RawRange{Prefix: []byte{0x10}, Lower: []byte{0x11}, LowerInc: true}
		rang.bounds()
	})
	assertPanics(t, func() {
		rang := RawRange{Prefix: []byte{0x10}, Upper: []byte{0x11}, UpperInc: true, Reverse: true}
		rang.bounds()
	})
}

func TestRawRange_Bounds(t *testing.T) {
	tests := []struct {
		name        string
		rang        RawRange
		start, stop string
		empty       bool
	}{
		{"open", RawOO(), "", "", false},
		{"prefix", RawPrefix(x("10")), "10", "11", false},
		{"inclusive", RawII(x("01"), x("03")), "01", "04", false},
		{"exclusive", RawEE(x("01"), x("03")), "02", "03", false},
		{"upper ff", RawOI(x("ff")), "", "", false},
		{"lower ff exclusive", RawRange{Lower: x("ff")}, "", "", true},
		{"inverted", RawII(x("05"), x("01")), "", "", true},
	}
	for _, tt := range tests {
		start, stop, empty := tt.rang.bounds()
		if a, e := hex.EncodeToString(start)+".."+hex.EncodeToString(stop), tt.start+".."+tt.stop; a != e || empty != tt.empty {
			t.Errorf("** %s: bounds = %s empty=%v, wanted %s empty=%v", tt.name, a, empty, e, tt.empty)
		}
	}
}
