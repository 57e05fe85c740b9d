package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// The index line layout is fixed by the upstream crates index: field
// order, explicit nulls, and sorted feature keys all matter to byte-level
// compatibility.
func TestEntryMarshal(t *testing.T) {
	target := "cfg(windows)"
	kind := "normal"
	entry := Entry{
		Name:  "foo",
		Vers:  "0.1.0",
		Deps:  []Dep{{Name: "winapi", Req: "^0.3", Features: []string{"winuser"}, Optional: false, DefaultFeatures: true, Target: &target, Kind: &kind}},
		Cksum: strings.Repeat("a", 64),
		Features: map[string][]string{
			"extras":  {"winapi/everything"},
			"default": {},
		},
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	exp := `{"name":"foo","vers":"0.1.0","deps":[{"name":"winapi","req":"^0.3","features":["winuser"],"optional":false,"default_features":true,"target":"cfg(windows)","kind":"normal","registry":null,"package":null}],"cksum":"` + strings.Repeat("a", 64) + `","features":{"default":[],"extras":["winapi/everything"]},"yanked":false,"links":null}`
	if string(buf) != exp {
		t.Fatalf("index line layout:\ngot      %s\nexpected %s", buf, exp)
	}
}

// A renamed dependency arrives with the original name in "name" and the
// rename in "explicit_name_in_toml"; the index wants them swapped.
func TestIndexDepRename(t *testing.T) {
	rename := "tokio10"
	d := indexDep(publishDep{Name: "tokio", VersionReq: "^1.0", ExplicitNameInToml: &rename})
	if d.Name != "tokio10" || d.Package == nil || *d.Package != "tokio" {
		t.Fatalf("rename mapping wrong: %+v", d)
	}
	if d.Features == nil {
		t.Fatalf("features must marshal as [], not null")
	}

	plain := indexDep(publishDep{Name: "serde", VersionReq: "^1"})
	if plain.Name != "serde" || plain.Package != nil {
		t.Fatalf("plain dep mapping wrong: %+v", plain)
	}
}

func TestCheckCrateName(t *testing.T) {
	for _, name := range []string{"a", "serde", "my_crate", "my-crate", "Crate2", strings.Repeat("x", 64)} {
		if err := checkCrateName(name); err != nil {
			t.Fatalf("checkCrateName(%q): %v", name, err)
		}
	}
	for _, name := range []string{"", ".", "..", "sp ace", "na/me", "ünicode", strings.Repeat("x", 65)} {
		if err := checkCrateName(name); !errors.Is(err, errBadRequest) {
			t.Fatalf("checkCrateName(%q): got %v, expected errBadRequest", name, err)
		}
	}
}

func TestParsePublish(t *testing.T) {
	setConfigDefaults()

	body := func(meta string, crate []byte) []byte {
		var b bytes.Buffer
		b.Write([]byte{byte(len(meta)), 0, 0, 0})
		b.WriteString(meta)
		b.Write([]byte{byte(len(crate)), 0, 0, 0})
		b.Write(crate)
		return b.Bytes()
	}

	meta, data, cksum, err := parsePublish(bytes.NewReader(body(`{"name":"foo","vers":"0.1.0","deps":[],"features":{}}`, []byte("hello"))))
	if err != nil {
		t.Fatalf("parsePublish: %v", err)
	}
	defer data.Close()
	if meta.Name != "foo" || meta.Vers != "0.1.0" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if cksum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("unexpected cksum %s", cksum)
	}
	var out bytes.Buffer
	if _, err := data.WriteTo(&out); err != nil || out.String() != "hello" {
		t.Fatalf("spooled data wrong: %q, %v", out.String(), err)
	}

	// Truncated crate data.
	_, _, _, err = parsePublish(bytes.NewReader(body(`{"name":"foo","vers":"0.1.0"}`, []byte("hello"))[:20]))
	if !errors.Is(err, errBadRequest) {
		t.Fatalf("truncated body: got %v, expected errBadRequest", err)
	}

	// Garbage metadata.
	_, _, _, err = parsePublish(bytes.NewReader(body(`{invalid`, nil)))
	if !errors.Is(err, errBadRequest) {
		t.Fatalf("bad metadata: got %v, expected errBadRequest", err)
	}

	// Invalid version.
	_, _, _, err = parsePublish(bytes.NewReader(body(`{"name":"foo","vers":"one"}`, nil)))
	if !errors.Is(err, errBadRequest) {
		t.Fatalf("bad version: got %v, expected errBadRequest", err)
	}
}

// A crate larger than the spill threshold lands in a temp file, smaller
// ones stay in memory; the bytes come back identical either way.
func TestSpool(t *testing.T) {
	small := newSpool(1024, "")
	defer small.Close()
	if _, err := small.Write([]byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if small.file != nil {
		t.Fatalf("small write should stay in memory")
	}

	big := newSpool(4, "")
	defer big.Close()
	payload := []byte("0123456789")
	for _, b := range payload {
		if _, err := big.Write([]byte{b}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if big.file == nil {
		t.Fatalf("large write should spill to disk")
	}
	var out bytes.Buffer
	if _, err := big.WriteTo(&out); err != nil || !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("spilled data wrong: %q, %v", out.Bytes(), err)
	}
}
