package main

import (
	"path/filepath"
	"testing"
)

func TestLayout(t *testing.T) {
	check := func(name, shard, rel string) {
		t.Helper()
		if got := blobPath(name); got != shard {
			t.Fatalf("blobPath(%q): got %q, expected %q", name, got, shard)
		}
		if got := indexRelPath(name); got != rel {
			t.Fatalf("indexRelPath(%q): got %q, expected %q", name, got, rel)
		}
		// Pure function, same result when asked again.
		if first, second := blobPath(name), blobPath(name); first != second {
			t.Fatalf("blobPath(%q) unstable: %q then %q", name, first, second)
		}
	}

	check("a", "1", "1/a")
	check("ab", "2", "2/ab")
	check("foo", "3/f", "3/f/foo")
	check("abcd", "ab/cd", "ab/cd/abcd")
	check("serde", "se/rd", "se/rd/serde")
	check("my_crate-2", "my/_c", "my/_c/my_crate-2")

	// Case-insensitive: the shard and index path of "Serde" are those of
	// "serde", only the crate file name keeps its case.
	check("Serde", "se/rd", "se/rd/serde")
	if got, exp := crateFile("/r", "Serde", "1.0.0"), filepath.FromSlash("/r/crates/se/rd/Serde-1.0.0.crate"); got != exp {
		t.Fatalf("crateFile: got %q, expected %q", got, exp)
	}
	if got, exp := indexFile("/r", "Serde"), filepath.FromSlash("/r/index/se/rd/serde"); got != exp {
		t.Fatalf("indexFile: got %q, expected %q", got, exp)
	}
}
