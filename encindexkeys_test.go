package kvtable

import (
	"fmt"
	"strings"
	"testing"
)

func TestIndexDiffing(t *testing.T) {
	tests := []struct {
		old     string
		new     string
		removed string
	}{
		{"", "", ""},
		{"", "foo:a", ""},
		{"foo:a", "", "foo:a"},
		{"foo:abc", "", "foo:abc"},
		{"foo:a foo:b", "foo:a", "foo:b"},
		{"foo:a foo:b", "foo:b", "foo:a"},
		{"foo:a foo:b", "foo:a foo:b", ""},
		{"bar:a foo:a foo:b", "", "bar:a foo:a foo:b"},
		{"bar:a foo:a foo:b", "bar:a", "foo:a foo:b"},
		{"bar:a foo:a foo:b", "foo:a", "bar:a foo:b"},
		{"bar:a foo:a foo:b", "foo:b", "bar:a foo:a"},
		{"bar:a foo:a foo:b", "bar:a foo:a", "foo:b"},
		{"bar:a foo:a foo:b", "foo:a foo:b", "bar:a"},
		{"bar:a foo:a foo:b", "bar:a foo:b", "foo:a"},
		{"bar:a foo:a foo:b", "bar:a foo:a foo:b", ""},
		{"bar:a baz:x", "bar:b baz:x", "bar:a"},
	}
	for _, tt := range tests {
		oldKeys := parseIndexKeys(tt.old)
		newKeys := parseIndexKeys(tt.new)
		oldKeysData := appendIndexKeys(nil, oldKeys)
		var removedKeys []string
		err := findRemovedIndexKeys(oldKeysData, newKeys, func(index string, key []byte) {
			removedKeys = append(removedKeys, fmt.Sprintf("%s:%s", index, key))
		})
		if err != nil {
			t.Fatalf("** Removed(%s => %s) failed: %v", tt.old, tt.new, err)
		}
		actual := strings.Join(removedKeys, " ")
		if actual != tt.removed {
			t.Errorf("** Removed(%s => %s) == %q, expected %q", tt.old, tt.new, actual, tt.removed)
		}
	}
}

func TestIndexKeys_Sort(t *testing.T) {
	rows := parseIndexKeys("foo:b bar:z foo:a")
	rows.sort()
	var names []string
	for _, r := range rows {
		names = append(names, fmt.Sprintf("%s:%s", r.Index, r.KeyRaw))
	}
	if a, e := strings.Join(names, " "), "bar:z foo:a foo:b"; a != e {
		t.Fatalf("sorted = %q, wanted %q", a, e)
	}
}

func TestIndexKeys_Truncated(t *testing.T) {
	data := appendIndexKeys(nil, parseIndexKeys("foo:abc"))
	err := decodeIndexKeys(data[:len(data)-1], func(string, []byte) {})
	if err == nil {
		t.Fatalf("decodeIndexKeys(truncated) err = nil, wanted error")
	}
}

func parseIndexKeys(s string) indexRows {
	cc := strings.Fields(s)
	rows := make(indexRows, len(cc))
	for i, c := range cc {
		name, keyStr, ok := strings.Cut(c, ":")
		if !ok {
			panic("invalid entry: " + c)
		}
		rows[i] = indexRow{Index: name, KeyRaw: []byte(keyStr)}
	}
	return rows
}
