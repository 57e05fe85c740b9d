package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
)

func newTestIndex(t *testing.T) (*index, string) {
	t.Helper()
	setConfigDefaults()
	root := t.TempDir()
	idx, err := openIndex(filepath.Join(root, "index"), "http://127.0.0.1:5000", config.CommitterName, config.CommitterEmail)
	if err != nil {
		t.Fatalf("opening index: %v", err)
	}
	return idx, root
}

// commitMessages returns the git log messages, newest first.
func commitMessages(t *testing.T, dir string) []string {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("opening repository: %v", err)
	}
	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		t.Fatalf("git log: %v", err)
	}
	var messages []string
	err = iter.ForEach(func(c *object.Commit) error {
		messages = append(messages, c.Message)
		return nil
	})
	if err != nil {
		t.Fatalf("iterating log: %v", err)
	}
	return messages
}

func testEntry(name, vers, cksum string) Entry {
	return Entry{Name: name, Vers: vers, Deps: []Dep{}, Cksum: cksum, Features: map[string][]string{}}
}

func TestIndexInit(t *testing.T) {
	idx, root := newTestIndex(t)

	buf, err := os.ReadFile(filepath.Join(root, "index", "config.json"))
	if err != nil {
		t.Fatalf("reading config.json: %v", err)
	}
	exp := `{"dl":"http://127.0.0.1:5000/api/v1/crates","api":"http://127.0.0.1:5000"}`
	if string(buf) != exp {
		t.Fatalf("config.json: got %s, expected %s", buf, exp)
	}

	msgs := commitMessages(t, idx.dir)
	if len(msgs) != 1 || msgs[0] != "initial" {
		t.Fatalf("after init, got commits %v, expected just \"initial\"", msgs)
	}

	// Opening again must not create more commits.
	if _, err := openIndex(idx.dir, "http://127.0.0.1:5000", config.CommitterName, config.CommitterEmail); err != nil {
		t.Fatalf("reopening index: %v", err)
	}
	if msgs := commitMessages(t, idx.dir); len(msgs) != 1 {
		t.Fatalf("after reopen, got commits %v, expected just \"initial\"", msgs)
	}

	// Opening under a different address rewrites config.json, once.
	if _, err := openIndex(idx.dir, "http://10.0.0.1:80", config.CommitterName, config.CommitterEmail); err != nil {
		t.Fatalf("reopening index with new address: %v", err)
	}
	buf, err = os.ReadFile(filepath.Join(root, "index", "config.json"))
	if err != nil {
		t.Fatalf("reading config.json: %v", err)
	}
	if !strings.Contains(string(buf), "http://10.0.0.1:80") {
		t.Fatalf("config.json not updated: %s", buf)
	}
	if msgs := commitMessages(t, idx.dir); len(msgs) != 2 || msgs[0] != "config" {
		t.Fatalf("after address change, got commits %v", msgs)
	}
}

func TestIndexAddEntry(t *testing.T) {
	idx, root := newTestIndex(t)

	err := idx.addEntry(testEntry("foo", "0.1.0", strings.Repeat("a", 64)))
	if err != nil {
		t.Fatalf("adding entry: %v", err)
	}

	buf, err := os.ReadFile(filepath.Join(root, "index", "3", "f", "foo"))
	if err != nil {
		t.Fatalf("reading index file: %v", err)
	}
	var e Entry
	if err := json.Unmarshal(buf, &e); err != nil {
		t.Fatalf("parsing index line: %v", err)
	}
	if e.Name != "foo" || e.Vers != "0.1.0" || e.Yanked {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !strings.HasSuffix(string(buf), "\n") {
		t.Fatalf("index line not newline-terminated")
	}
	// Canonical upstream field order.
	if !strings.HasPrefix(string(buf), `{"name":"foo","vers":"0.1.0","deps":[],"cksum":`) {
		t.Fatalf("unexpected line layout: %s", buf)
	}

	if msgs := commitMessages(t, idx.dir); msgs[0] != "add foo 0.1.0" {
		t.Fatalf("got commit message %q", msgs[0])
	}

	// Same version again already exists, and leaves the file unchanged.
	err = idx.addEntry(testEntry("foo", "0.1.0", strings.Repeat("b", 64)))
	if !errors.Is(err, errAlreadyExists) {
		t.Fatalf("duplicate add: got %v, expected errAlreadyExists", err)
	}
	// Different case of the same name is rejected.
	err = idx.addEntry(testEntry("Foo", "0.2.0", strings.Repeat("b", 64)))
	if !errors.Is(err, errConflict) {
		t.Fatalf("case-insensitive clash: got %v, expected errConflict", err)
	}

	after, err := os.ReadFile(filepath.Join(root, "index", "3", "f", "foo"))
	if err != nil || string(after) != string(buf) {
		t.Fatalf("index file changed by failed adds")
	}

	// A second version appends a line, preserving the first.
	if err := idx.addEntry(testEntry("foo", "0.2.0", strings.Repeat("b", 64))); err != nil {
		t.Fatalf("adding second version: %v", err)
	}
	after, _ = os.ReadFile(filepath.Join(root, "index", "3", "f", "foo"))
	lines := strings.Split(strings.TrimSuffix(string(after), "\n"), "\n")
	if len(lines) != 2 || !strings.HasPrefix(string(after), string(buf)) {
		t.Fatalf("expected appended second line, got: %s", after)
	}
}

func TestIndexYank(t *testing.T) {
	idx, root := newTestIndex(t)

	if err := idx.addEntry(testEntry("bar", "0.2.0", strings.Repeat("a", 64))); err != nil {
		t.Fatalf("adding entry: %v", err)
	}
	if err := idx.addEntry(testEntry("bar", "0.3.0", strings.Repeat("b", 64))); err != nil {
		t.Fatalf("adding entry: %v", err)
	}
	file := filepath.Join(root, "index", "3", "b", "bar")
	before, _ := os.ReadFile(file)

	if err := idx.setYanked("bar", "0.2.0", true); err != nil {
		t.Fatalf("yanking: %v", err)
	}
	after, _ := os.ReadFile(file)
	lines := strings.Split(strings.TrimSuffix(string(after), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("line count changed by yank: %s", after)
	}
	var e0, e1 Entry
	if err := json.Unmarshal([]byte(lines[0]), &e0); err != nil {
		t.Fatalf("parsing line: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &e1); err != nil {
		t.Fatalf("parsing line: %v", err)
	}
	if !e0.Yanked || e0.Vers != "0.2.0" {
		t.Fatalf("yanked version not marked: %+v", e0)
	}
	if e1.Yanked {
		t.Fatalf("wrong version yanked: %+v", e1)
	}
	// The untouched line is preserved byte for byte.
	if !strings.Contains(string(before), lines[1]) {
		t.Fatalf("unrelated line rewritten")
	}
	if msgs := commitMessages(t, idx.dir); msgs[0] != "yank" {
		t.Fatalf("got commit message %q", msgs[0])
	}
	commits := len(commitMessages(t, idx.dir))

	// Yank is idempotent: already yanked means success and no new commit.
	if err := idx.setYanked("bar", "0.2.0", true); err != nil {
		t.Fatalf("re-yanking: %v", err)
	}
	if n := len(commitMessages(t, idx.dir)); n != commits {
		t.Fatalf("idempotent yank created a commit")
	}

	if err := idx.setYanked("bar", "0.2.0", false); err != nil {
		t.Fatalf("unyanking: %v", err)
	}
	if msgs := commitMessages(t, idx.dir); msgs[0] != "unyank" {
		t.Fatalf("got commit message %q", msgs[0])
	}

	// Unknown version and unknown crate are not found.
	if err := idx.setYanked("bar", "9.9.9", true); !errors.Is(err, errNotFound) {
		t.Fatalf("yank of unknown version: got %v, expected errNotFound", err)
	}
	if err := idx.setYanked("nosuchcrate", "1.0.0", true); !errors.Is(err, errNotFound) {
		t.Fatalf("yank of unknown crate: got %v, expected errNotFound", err)
	}
}

func TestIndexCorruption(t *testing.T) {
	idx, root := newTestIndex(t)

	if err := idx.addEntry(testEntry("baz", "1.0.0", strings.Repeat("a", 64))); err != nil {
		t.Fatalf("adding entry: %v", err)
	}
	file := filepath.Join(root, "index", "3", "b", "baz")
	if err := os.WriteFile(file, []byte("{not json\n"), 0644); err != nil {
		t.Fatalf("corrupting index file: %v", err)
	}

	if err := idx.setYanked("baz", "1.0.0", true); !errors.Is(err, errIndexCorruption) {
		t.Fatalf("yank on corrupt index: got %v, expected errIndexCorruption", err)
	}
	if _, _, err := idx.readEntries("baz"); !errors.Is(err, errIndexCorruption) {
		t.Fatalf("readEntries on corrupt index: got %v, expected errIndexCorruption", err)
	}
}

func TestIndexSnapshot(t *testing.T) {
	idx, root := newTestIndex(t)

	if err := idx.addEntry(testEntry("quux", "1.0.0", strings.Repeat("a", 64))); err != nil {
		t.Fatalf("adding entry: %v", err)
	}
	buf, err := idx.snapshot("quux")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	disk, err := os.ReadFile(filepath.Join(root, "index", "qu", "ux", "quux"))
	if err != nil || string(disk) != string(buf) {
		t.Fatalf("snapshot does not match file on disk")
	}

	if _, err := idx.snapshot("absent"); !errors.Is(err, errNotFound) {
		t.Fatalf("snapshot of unknown crate: got %v, expected errNotFound", err)
	}
}
