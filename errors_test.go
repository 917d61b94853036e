package kvtable

import (
	"errors"
	"strings"
	"testing"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		if !errors.Is(err, ErrCodec) {
			t.Fatalf("errors.Is(err, ErrCodec) = false, wanted true")
		}
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2)") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2)", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		err := dataErrf(data, 0, nil, "oops")
		s := err.Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestTableError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := tableErrf("users", "email", []byte("k"), inner, "oops %d", 1)
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	s := err.Error()
	if !strings.Contains(s, "users.email/6b") || !strings.Contains(s, "oops 1") || !strings.Contains(s, "inner") {
		t.Fatalf("err.Error() = %q, wanted table/index/key/msg/inner", s)
	}

	s = (&TableError{Table: "T", Err: inner}).Error()
	if s != "T: inner" {
		t.Fatalf("TableError.Error() = %q, wanted %q", s, "T: inner")
	}

	err = tableErrf("users", "", nil, ErrNotFound, "")
	if !errors.Is(err, ErrNotFound) || err.Error() != "users: not found" {
		t.Fatalf("tableErrf(ErrNotFound) = %q", err)
	}
}

func TestPanicked(t *testing.T) {
	inner := errors.New("inner")
	err := safelyCall(func() error {
		panic(inner)
	})
	var p panicked
	if !errors.As(err, &p) {
		t.Fatalf("safelyCall err = %T, wanted panicked", err)
	}
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	if !strings.HasPrefix(err.Error(), "panic: inner") {
		t.Fatalf("err.Error() = %q", err.Error())
	}

	err = safelyCall(func() error {
		panic("boom")
	})
	if errors.Unwrap(err) != nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("safelyCall(string panic) = %v", err)
	}

	if err := safelyCall(func() error { return inner }); err != inner {
		t.Fatalf("safelyCall(no panic) = %v, wanted inner", err)
	}
}
