package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"

	"github.com/blang/semver/v4"
)

// Cargo publishes a crate as a single PUT body:
//
//	u32-le metadata length | metadata JSON | u32-le crate length | crate bytes
//
// The metadata is cargo's publish schema; note that its dependency encoding
// differs from the index line encoding (version_req vs req,
// explicit_name_in_toml vs package), so we translate.

// publishMetadata is the subset of cargo's publish JSON we act on. The
// remaining fields (description, authors, categories, badges, ...) are
// accepted and ignored; this registry has no place to show them.
type publishMetadata struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []publishDep        `json:"deps"`
	Features map[string][]string `json:"features"`
	Links    *string             `json:"links"`
}

type publishDep struct {
	Name               string   `json:"name"`
	VersionReq         string   `json:"version_req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               *string  `json:"kind"`
	Registry           *string  `json:"registry"`
	ExplicitNameInToml *string  `json:"explicit_name_in_toml"`
}

// indexDep translates a publish dependency to its index line form. In the
// publish format a renamed dependency has the original name in "name" and
// the rename in "explicit_name_in_toml"; the index wants the rename in
// "name" and the original in "package".
func indexDep(d publishDep) Dep {
	dep := Dep{
		Name:            d.Name,
		Req:             d.VersionReq,
		Features:        d.Features,
		Optional:        d.Optional,
		DefaultFeatures: d.DefaultFeatures,
		Target:          d.Target,
		Kind:            d.Kind,
		Registry:        d.Registry,
	}
	if d.ExplicitNameInToml != nil && *d.ExplicitNameInToml != "" {
		orig := d.Name
		dep.Name = *d.ExplicitNameInToml
		dep.Package = &orig
	}
	if dep.Features == nil {
		dep.Features = []string{}
	}
	return dep
}

var crateNameRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func checkCrateName(name string) error {
	switch name {
	case "", ".", "..":
		return fmt.Errorf("%w: reserved crate name %q", errBadRequest, name)
	}
	if len(name) > 64 {
		return fmt.Errorf("%w: crate name longer than 64 characters", errBadRequest)
	}
	if !crateNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: invalid crate name %q", errBadRequest, name)
	}
	return nil
}

// spool collects a stream of unknown size: in memory up to a threshold,
// spilling to a temp file beyond it. So a small crate costs no disk round
// trip and a huge one does not sit in memory.
type spool struct {
	threshold int64
	dir       string
	size      int64
	buf       bytes.Buffer
	file      *os.File
}

func newSpool(threshold int64, dir string) *spool {
	return &spool{threshold: threshold, dir: dir}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && s.size+int64(len(p)) > s.threshold {
		f, err := os.CreateTemp(s.dir, "cratereg-publish")
		if err != nil {
			return 0, err
		}
		if _, err := f.Write(s.buf.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, err
		}
		s.buf.Reset()
		s.file = f
	}
	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.buf.Write(p)
	}
	s.size += int64(n)
	return n, err
}

// WriteTo copies the spooled bytes to w.
func (s *spool) WriteTo(w io.Writer) (int64, error) {
	if s.file == nil {
		return io.Copy(w, bytes.NewReader(s.buf.Bytes()))
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(w, s.file)
}

// Close removes the temp file, if any.
func (s *spool) Close() error {
	if s.file == nil {
		return nil
	}
	err := os.Remove(s.file.Name())
	logCheck(err, "removing publish spool file")
	cerr := s.file.Close()
	s.file = nil
	if err == nil {
		err = cerr
	}
	return err
}

// parsePublish reads and validates a publish request body, spooling the
// crate bytes and hashing them along the way. The caller must Close the
// returned spool.
func parsePublish(body io.Reader) (meta publishMetadata, data *spool, cksum string, rerr error) {
	metaBuf, err := readFramed(body, config.MaxMetadataSize)
	if err != nil {
		return meta, nil, "", fmt.Errorf("%w: reading metadata: %v", errBadRequest, err)
	}
	if err := json.Unmarshal(metaBuf, &meta); err != nil {
		return meta, nil, "", fmt.Errorf("%w: parsing metadata: %v", errBadRequest, err)
	}
	if err := checkCrateName(meta.Name); err != nil {
		return meta, nil, "", err
	}
	if _, err := semver.Parse(meta.Vers); err != nil {
		return meta, nil, "", fmt.Errorf("%w: invalid version %q: %v", errBadRequest, meta.Vers, err)
	}
	if meta.Features == nil {
		meta.Features = map[string][]string{}
	}

	var length uint32
	if err := binary.Read(body, binary.LittleEndian, &length); err != nil {
		return meta, nil, "", fmt.Errorf("%w: reading crate length: %v", errBadRequest, err)
	}
	if config.MaxCrateSize > 0 && int64(length) > config.MaxCrateSize {
		return meta, nil, "", fmt.Errorf("%w: crate of %d bytes larger than maximum %d", errBadRequest, length, config.MaxCrateSize)
	}

	data = newSpool(config.SpillSize, "")
	defer func() {
		if rerr != nil {
			data.Close()
			data = nil
		}
	}()

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(data, hash), io.LimitReader(body, int64(length)))
	if err != nil {
		return meta, nil, "", fmt.Errorf("%w: reading crate data: %v", errBadRequest, err)
	}
	if n != int64(length) {
		return meta, nil, "", fmt.Errorf("%w: crate data truncated, got %d of %d bytes", errBadRequest, n, length)
	}
	return meta, data, fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// readFramed reads one u32-le length-prefixed section.
func readFramed(r io.Reader, max int64) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("reading length: %v", err)
	}
	if max > 0 && int64(length) > max {
		return nil, fmt.Errorf("section of %d bytes larger than maximum %d", length, max)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading %d bytes: %v", length, err)
	}
	return buf, nil
}

// publishCrate writes the crate blob and appends the index line, as one
// serialized mutation: existence checks, blob write and commit all happen
// under the index writer mutex, so concurrent duplicate publishes resolve
// to exactly one winner.
//
// If the blob lands but the index commit fails the blob stays behind as an
// orphan. That is deliberate: blobs are append-only and unreachable
// without an index line, and removing it here could race a concurrent
// retry. We log and move on.
func publishCrate(meta publishMetadata, data *spool, cksum string) error {
	entry := Entry{
		Name:     meta.Name,
		Vers:     meta.Vers,
		Deps:     []Dep{},
		Cksum:    cksum,
		Features: meta.Features,
		Links:    meta.Links,
	}
	for _, d := range meta.Deps {
		entry.Deps = append(entry.Deps, indexDep(d))
	}

	file := crateFile(rootDir, meta.Name, meta.Vers)
	blobWritten := false

	err := crateIndex.mutate(fmt.Sprintf("add %s %s", meta.Name, meta.Vers), func() ([]string, error) {
		if err := crateIndex.checkAddable(meta.Name, meta.Vers); err != nil {
			return nil, err
		}
		if _, err := os.Stat(file); err == nil {
			return nil, fmt.Errorf("%w: crate file %s already present", errAlreadyExists, filepath.Base(file))
		}

		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return nil, err
		}
		f, err := os.CreateTemp(filepath.Dir(file), "."+filepath.Base(file)+".tmp")
		if err != nil {
			return nil, err
		}
		name := f.Name()
		_, err = data.WriteTo(f)
		if err == nil {
			err = setBlobPermissions(f)
		}
		if err == nil {
			err = f.Sync()
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			err = os.Rename(name, file)
		}
		if err != nil {
			os.Remove(name)
			return nil, err
		}
		blobWritten = true

		return crateIndex.appendEntry(entry)
	})
	if err != nil && blobWritten {
		log.Printf("publish of %s %s failed after writing blob, leaving orphan %s: %v", meta.Name, meta.Vers, file, err)
	}
	return err
}
