package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
)

// Dep is one dependency of a published version, in the upstream
// crates-index line format. Field order and null handling must stay
// byte-compatible with what cargo parses from crates.io's own index.
type Dep struct {
	// Name of the dependency as it is depended on. If the dependency is
	// renamed, this is the new name and Package holds the original.
	Name string `json:"name"`
	// Semver requirement, e.g. "^0.6".
	Req string `json:"req"`
	// Features enabled for this dependency.
	Features []string `json:"features"`
	Optional bool     `json:"optional"`
	// Whether default features are enabled.
	DefaultFeatures bool `json:"default_features"`
	// Target platform restriction, e.g. "cfg(windows)", or null.
	Target *string `json:"target"`
	// "normal", "build" or "dev". Null occurs in old upstream entries.
	Kind *string `json:"kind"`
	// Index URL of the registry this dependency comes from, null for the
	// current registry.
	Registry *string `json:"registry"`
	// Original package name if renamed, otherwise null.
	Package *string `json:"package"`
}

// Entry is one line in an index file, describing one published version.
type Entry struct {
	Name string `json:"name"`
	Vers string `json:"vers"`
	Deps []Dep  `json:"deps"`
	// Hex sha256 of the .crate file.
	Cksum string `json:"cksum"`
	// Feature name to the features/dependencies it enables. Marshaled
	// with sorted keys, matching the upstream ordered map.
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
	Links    *string             `json:"links"`
}

// indexConfig is the config.json cargo reads from the index to find the
// download and API endpoints.
type indexConfig struct {
	DL  string `json:"dl"`
	API string `json:"api"`
}

// index owns the git repository backing the registry index. All mutations
// are serialized through a single writer mutex and become exactly one
// commit each; on failure the working tree is reset to HEAD so readers
// never observe partial writes. The repository handle itself is opened per
// operation and not kept around.
type index struct {
	dir            string // The index/ directory, also the git work tree.
	committerName  string
	committerEmail string

	sync.Mutex // Writer mutex, also briefly held for ref advertisement.
}

// openIndex opens or creates the index repository at dir. Idempotent: a
// fresh directory gets a git repository, a config.json pointing at
// baseURL, and an "initial" commit. An existing index with an outdated
// config.json (e.g. serving on a different address now) gets its
// config.json rewritten and committed.
func openIndex(dir, baseURL, committerName, committerEmail string) (*index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	idx := &index{dir: dir, committerName: committerName, committerEmail: committerEmail}

	repo, err := git.PlainOpen(dir)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("opening git repository in %s: %w", dir, err)
	}

	confBuf, err := json.Marshal(indexConfig{DL: baseURL + "/api/v1/crates", API: baseURL})
	if err != nil {
		return nil, fmt.Errorf("marshal config.json: %w", err)
	}
	confPath := filepath.Join(dir, "config.json")

	if _, err := repo.Head(); err == plumbing.ErrReferenceNotFound {
		// Empty repository, make the initial commit with config.json.
		err := idx.mutate("initial", func() ([]string, error) {
			if err := os.WriteFile(confPath, confBuf, 0644); err != nil {
				return nil, err
			}
			return []string{"config.json"}, nil
		})
		if err != nil {
			return nil, fmt.Errorf("initial commit: %w", err)
		}
		return idx, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading git HEAD: %w", err)
	}

	prev, err := os.ReadFile(confPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config.json: %w", err)
	}
	if !bytes.Equal(prev, confBuf) {
		err := idx.mutate("config", func() ([]string, error) {
			if err := os.WriteFile(confPath, confBuf, 0644); err != nil {
				return nil, err
			}
			return []string{"config.json"}, nil
		})
		if err != nil {
			return nil, fmt.Errorf("updating config.json: %w", err)
		}
	}
	return idx, nil
}

// errNoChange is returned by a mutate callback to indicate the working
// tree is already in the requested state and no commit should be made.
var errNoChange = errors.New("no change")

// mutate runs fn while holding the writer mutex, then stages the paths fn
// returned and commits them under message. If fn or the commit fails, the
// working tree is hard-reset to HEAD so no partial state remains, and the
// error is surfaced as a storage error unless it already carries one of
// the registry error kinds. The exception is index corruption reported by
// fn: fn has written nothing then, and the files are left as found.
//
// Publish, yank and unyank all share this stage/commit/reset machinery and
// differ only in the callback.
func (idx *index) mutate(message string, fn func() (stage []string, err error)) error {
	idx.Lock()
	defer idx.Unlock()

	stage, err := fn()
	if err == errNoChange {
		return nil
	}
	if errors.Is(err, errIndexCorruption) {
		return err
	}
	if err != nil {
		idx.reset()
		return wrapStorage(err)
	}

	repo, err := git.PlainOpen(idx.dir)
	if err != nil {
		idx.reset()
		return fmt.Errorf("%w: opening repository: %v", errStorage, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		idx.reset()
		return fmt.Errorf("%w: worktree: %v", errStorage, err)
	}
	for _, p := range stage {
		if _, err := wt.Add(p); err != nil {
			idx.reset()
			return fmt.Errorf("%w: staging %s: %v", errStorage, p, err)
		}
	}
	sig := &object.Signature{Name: idx.committerName, Email: idx.committerEmail, When: time.Now()}
	_, err = wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		idx.reset()
		return fmt.Errorf("%w: committing %q: %v", errStorage, message, err)
	}
	return nil
}

// wrapStorage tags err as a storage error unless it is already one of the
// registry error kinds.
func wrapStorage(err error) error {
	for _, kind := range []error{errNotFound, errAlreadyExists, errBadRequest, errConflict, errIndexCorruption, errStorage} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", errStorage, err)
}

// reset restores the working tree to HEAD after a failed mutation. Called
// with the writer mutex held. Failure to reset is logged; the next
// successful reset or an operator fixes it.
func (idx *index) reset() {
	repo, err := git.PlainOpen(idx.dir)
	if err != nil {
		log.Printf("index reset: opening repository: %v", err)
		return
	}
	if _, err := repo.Head(); err != nil {
		// Nothing committed yet, nothing to reset to.
		return
	}
	wt, err := repo.Worktree()
	if err != nil {
		log.Printf("index reset: worktree: %v", err)
		return
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		log.Printf("index reset: %v", err)
	}
}

// readEntries parses the index file for name. Returns the raw lines and
// the parsed entries, both in file (publish) order. A missing file returns
// empty slices. A line that does not parse is index corruption.
func (idx *index) readEntries(name string) (lines [][]byte, entries []Entry, rerr error) {
	buf, err := os.ReadFile(indexFile(filepath.Dir(idx.dir), name))
	if os.IsNotExist(err) {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("%w: reading index file: %v", errStorage, err)
	}
	for _, line := range bytes.Split(buf, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, nil, fmt.Errorf("%w: parsing index line for %s: %v", errIndexCorruption, name, err)
		}
		lines = append(lines, line)
		entries = append(entries, e)
	}
	return lines, entries, nil
}

// addEntry appends a line for a new version and commits it as
// "add <name> <vers>". A version already present is an already-exists
// error; a package stored under a different case of the same name is a
// conflict.
func (idx *index) addEntry(e Entry) error {
	return idx.mutate(fmt.Sprintf("add %s %s", e.Name, e.Vers), func() ([]string, error) {
		if err := idx.checkAddable(e.Name, e.Vers); err != nil {
			return nil, err
		}
		return idx.appendEntry(e)
	})
}

// appendEntry appends the JSON line for e to its index file, creating
// intermediate directories. Must run inside a mutate callback, with the
// writer mutex held and duplicates already checked.
func (idx *index) appendEntry(e Entry) ([]string, error) {
	path := indexFile(filepath.Dir(idx.dir), e.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return []string{indexRelPath(e.Name)}, nil
}

// checkAddable verifies no (name, vers) line exists yet and that the
// stored spelling of the name matches. Called with the writer mutex held.
func (idx *index) checkAddable(name, vers string) error {
	_, entries, err := idx.readEntries(name)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !strings.EqualFold(e.Name, name) {
			continue
		}
		if e.Name != name {
			return fmt.Errorf("%w: crate already published as %q", errConflict, e.Name)
		}
		if e.Vers == vers {
			return fmt.Errorf("%w: crate %s version %s", errAlreadyExists, name, vers)
		}
	}
	return nil
}

// setYanked updates the yanked flag of one version, committing "yank" or
// "unyank". The matching line is rewritten, all other lines are preserved
// byte for byte, in order. An unknown name or version is not-found. If the
// flag already has the requested value nothing is committed and the call
// succeeds: yanking twice equals yanking once.
func (idx *index) setYanked(name, vers string, yanked bool) error {
	message := "yank"
	if !yanked {
		message = "unyank"
	}
	return idx.mutate(message, func() ([]string, error) {
		lines, entries, err := idx.readEntries(name)
		if err != nil {
			return nil, err
		}
		found := -1
		for i, e := range entries {
			if strings.EqualFold(e.Name, name) && e.Vers == vers {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("%w: crate %s version %s", errNotFound, name, vers)
		}
		if entries[found].Yanked == yanked {
			return nil, errNoChange
		}
		entries[found].Yanked = yanked
		line, err := json.Marshal(entries[found])
		if err != nil {
			return nil, err
		}
		lines[found] = line

		path := indexFile(filepath.Dir(idx.dir), name)
		var buf bytes.Buffer
		for _, l := range lines {
			buf.Write(l)
			buf.WriteByte('\n')
		}
		if err := writeFileSync(path, buf.Bytes()); err != nil {
			return nil, err
		}
		return []string{indexRelPath(name)}, nil
	})
}

// snapshot returns the current bytes of the index file for name, for the
// sparse protocol. Lock-free: index files only change by atomic-enough
// appends and rewrites under the writer mutex, and a torn read here would
// also be possible for a git reader between commits.
func (idx *index) snapshot(name string) ([]byte, error) {
	buf, err := os.ReadFile(indexFile(filepath.Dir(idx.dir), name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no index entry for %s", errNotFound, name)
	} else if err != nil {
		return nil, fmt.Errorf("%w: reading index file: %v", errStorage, err)
	}
	return buf, nil
}

// writeFileSync writes buf to a temp file in the same directory, fsyncs,
// and renames it into place.
func writeFileSync(path string, buf []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	name := f.Name()
	_, err = f.Write(buf)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		os.Remove(name)
	}
	return err
}
