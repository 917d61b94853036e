package kvtable

import (
	"bytes"
	"context"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// RawRange defines a range of encoded keys. Bounds compare as prefixes: an
// inclusive bound admits every key it prefixes, an exclusive one excludes
// them. This is what makes enc(low)..enc(high) select whole groups of index
// entries that share a secondary key.
//
// The constructors use mnemonics: O means open, I means inclusive, E means
// exclusive; the first letter is for the lower bound, the second for the
// upper bound.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawEE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: false}
}
func RawPrefix(p []byte) RawRange        { return RawRange{Prefix: p} }
func (rang RawRange) Reversed() RawRange { rang.Reverse = true; return rang }

// bounds converts the range into a half-open interval [start, stop) of raw
// keys. A nil start or stop is unbounded; empty is true when nothing can
// match.
func (r *RawRange) bounds() (start, stop []byte, empty bool) {
	start = r.Prefix
	if r.Lower != nil {
		if r.Prefix != nil && !bytes.HasPrefix(r.Lower, r.Prefix) {
			panic("lower bound does not match prefix")
		}
		if r.LowerInc {
			start = r.Lower
		} else if start = successor(r.Lower); start == nil {
			return nil, nil, true
		}
	}
	if r.Prefix != nil {
		stop = successor(r.Prefix)
	}
	if r.Upper != nil {
		if r.Prefix != nil && !bytes.HasPrefix(r.Upper, r.Prefix) {
			panic("upper bound does not match prefix")
		}
		if r.UpperInc {
			if s := successor(r.Upper); s != nil {
				stop = s
			}
		} else {
			stop = r.Upper
		}
	}
	if start != nil && stop != nil && bytes.Compare(start, stop) >= 0 {
		return nil, nil, true
	}
	return start, stop, false
}

func (r *RawRange) newCursor(bcur StorageCursor, logger *slog.Logger) *RawRangeCursor {
	start, stop, empty := r.bounds()
	return &RawRangeCursor{rang: *r, bcur: bcur, logger: logger, start: start, stop: stop, empty: empty}
}

// RawRangeCursor walks the keys of a storage bucket within a RawRange.
type RawRangeCursor struct {
	rang        RawRange
	bcur        StorageCursor
	logger      *slog.Logger
	start, stop []byte
	empty       bool
	k, v        []byte
	init        bool
}

func (c *RawRangeCursor) Next() bool {
	if c.empty {
		return false
	}
	var k, v []byte
	if c.init {
		if c.rang.Reverse {
			k, v = c.bcur.Prev()
			c.debug("PREV", k)
		} else {
			k, v = c.bcur.Next()
			c.debug("NEXT", k)
		}
	} else {
		c.init = true
		switch {
		case c.rang.Reverse:
			k, v = c.bcur.SeekLast(c.stop)
			c.debug("SEEK to upper", k, hexAttr("stop", c.stop))
		case c.start != nil:
			k, v = c.bcur.Seek(c.start)
			c.debug("SEEK to lower", k, hexAttr("start", c.start))
		default:
			k, v = c.bcur.First()
			c.debug("FIRST", k)
		}
	}
	if k == nil || !c.match(k) {
		c.k, c.v, c.empty = nil, nil, true
		return false
	}
	c.k, c.v = k, v
	return true
}

func (c *RawRangeCursor) match(k []byte) bool {
	if c.start != nil && bytes.Compare(k, c.start) < 0 {
		c.debug("BAIL on lower", k)
		return false
	}
	if c.stop != nil && bytes.Compare(k, c.stop) >= 0 {
		c.debug("BAIL on upper", k)
		return false
	}
	return true
}

func (c *RawRangeCursor) debug(msg string, k []byte, attrs ...slog.Attr) {
	if debugLogRawScans {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, append(attrs, hexAttr("key", k))...)
	}
}

func (c *RawRangeCursor) Key() []byte   { return c.k }
func (c *RawRangeCursor) Value() []byte { return c.v }
