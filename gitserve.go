package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/format/pktline"
	"gopkg.in/src-d/go-git.v4/plumbing/protocol/packp"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	gitserver "gopkg.in/src-d/go-git.v4/plumbing/transport/server"
)

// Cargo clones the index over HTTP. We answer both flavors of the
// protocol: the smart protocol (info/refs?service=git-upload-pack
// advertisement plus a git-upload-pack POST, served through go-git's
// transport server), and the dumb protocol (plain info/refs, HEAD and
// loose objects fetched as static files from the .git directory).
//
// The ref advertisement and the dumb ref listing take the index writer
// mutex briefly so a concurrent publish cannot produce a torn view of the
// refs. Object downloads are lock-free: objects are content-addressed and
// never rewritten.

// serveGit handles a request for path tail (the part after /git/index/).
func (idx *index) serveGit(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/git/index")
	tail = strings.TrimPrefix(tail, "/")

	switch {
	case r.Method == "GET" && tail == "info/refs" && r.URL.Query().Get("service") == "git-upload-pack":
		idx.serveGitAdvertisement(w)
	case r.Method == "POST" && tail == "git-upload-pack":
		idx.serveGitUploadPack(w, r)
	case r.Method == "GET" && tail == "info/refs":
		idx.serveGitDumbRefs(w)
	case r.Method == "GET" && tail == "HEAD":
		w.Header().Set("Content-Type", "text/plain")
		noCache(w)
		http.ServeFile(w, r, filepath.Join(idx.dir, ".git", "HEAD"))
	case r.Method == "GET" && tail == "objects/info/packs":
		idx.serveGitPacksList(w)
	case r.Method == "GET" && strings.HasPrefix(tail, "objects/"):
		idx.serveGitObject(w, r, strings.TrimPrefix(tail, "objects/"))
	default:
		xerrorf(http.StatusNotFound, "unrecognized git request")
	}
}

func noCache(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
	h.Set("Pragma", "no-cache")
}

// uploadPackSession opens a server-side upload-pack session over the
// repository's .git directory.
func (idx *index) uploadPackSession() (transport.UploadPackSession, error) {
	repo, err := git.PlainOpen(idx.dir)
	if err != nil {
		return nil, fmt.Errorf("opening index repository: %v", err)
	}
	ep, err := transport.NewEndpoint("/.git")
	if err != nil {
		return nil, fmt.Errorf("git endpoint: %v", err)
	}
	loader := gitserver.MapLoader{ep.String(): repo.Storer}
	return gitserver.NewServer(loader).NewUploadPackSession(ep, nil)
}

// Smart protocol ref advertisement, the response to
// GET info/refs?service=git-upload-pack.
func (idx *index) serveGitAdvertisement(w http.ResponseWriter) {
	sess, err := idx.uploadPackSession()
	xcheckf(err, "opening upload-pack session")
	defer sess.Close()

	idx.Lock()
	refs, err := sess.AdvertisedReferences()
	idx.Unlock()
	xcheckf(err, "gathering advertised references")
	refs.Prefix = [][]byte{[]byte("# service=git-upload-pack"), pktline.Flush}

	h := w.Header()
	h.Set("Content-Type", "application/x-git-upload-pack-advertisement")
	noCache(w)
	err = refs.Encode(w)
	if err != nil && !isClosed(err) {
		log.Printf("writing ref advertisement: %v", err)
	}
}

// Smart protocol pack negotiation and transfer, the response to a
// git-upload-pack POST.
func (idx *index) serveGitUploadPack(w http.ResponseWriter, r *http.Request) {
	sess, err := idx.uploadPackSession()
	xcheckf(err, "opening upload-pack session")
	defer sess.Close()

	// git compresses large negotiation requests.
	body := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		xcheckf(err, "reading gzipped upload-pack request")
		defer gz.Close()
		body = gz
	}

	req := packp.NewUploadPackRequest()
	if err := req.Decode(body); err != nil {
		xerrorf(http.StatusBadRequest, "parsing upload-pack request: %v", err)
	}

	resp, err := sess.UploadPack(r.Context(), req)
	xcheckf(err, "running upload-pack")

	h := w.Header()
	h.Set("Content-Type", "application/x-git-upload-pack-result")
	noCache(w)
	err = resp.Encode(w)
	if err != nil && !isClosed(err) {
		log.Printf("writing upload-pack response: %v", err)
	}
}

// Dumb protocol ref listing: one "<hash>\t<refname>" line per ref.
func (idx *index) serveGitDumbRefs(w http.ResponseWriter) {
	repo, err := git.PlainOpen(idx.dir)
	xcheckf(err, "opening index repository")

	idx.Lock()
	iter, err := repo.References()
	var lines []string
	if err == nil {
		err = iter.ForEach(func(ref *plumbing.Reference) error {
			if ref.Type() != plumbing.HashReference {
				return nil
			}
			lines = append(lines, fmt.Sprintf("%s\t%s\n", ref.Hash(), ref.Name()))
			return nil
		})
	}
	idx.Unlock()
	xcheckf(err, "listing references")
	sort.Strings(lines)

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	noCache(w)
	for _, line := range lines {
		fmt.Fprint(w, line)
	}
}

// Dumb protocol pack listing, objects/info/packs.
func (idx *index) serveGitPacksList(w http.ResponseWriter) {
	packDir := filepath.Join(idx.dir, ".git", "objects", "pack")
	entries, err := os.ReadDir(packDir)
	if err != nil && !os.IsNotExist(err) {
		xcheckf(err, "listing pack directory")
	}

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	noCache(w)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".pack") {
			fmt.Fprintf(w, "P %s\n", e.Name())
		}
	}
	fmt.Fprint(w, "\n")
}

// Dumb protocol object download: loose objects and pack files as static
// content. Objects are immutable, so no locking and long-lived caching
// would even be fine; we stay conservative and just serve the bytes.
func (idx *index) serveGitObject(w http.ResponseWriter, r *http.Request, rest string) {
	clean := path.Clean("/" + rest)
	if strings.Contains(clean, "..") {
		xerrorf(http.StatusBadRequest, "bad object path")
	}
	file := filepath.Join(idx.dir, ".git", "objects", filepath.FromSlash(clean))
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		xerrorf(http.StatusNotFound, "no such object")
	}
	xcheckf(err, "opening object")
	defer f.Close()
	st, err := f.Stat()
	xcheckf(err, "stat object")
	if !st.Mode().IsRegular() {
		xerrorf(http.StatusNotFound, "no such object")
	}

	h := w.Header()
	switch {
	case strings.HasSuffix(clean, ".pack"):
		h.Set("Content-Type", "application/x-git-packed-objects")
	case strings.HasSuffix(clean, ".idx"):
		h.Set("Content-Type", "application/x-git-packed-objects-toc")
	default:
		h.Set("Content-Type", "application/x-git-loose-object")
	}
	http.ServeContent(w, r, "", st.ModTime(), f)
}
