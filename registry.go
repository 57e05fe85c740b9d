package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// The registry speaks six URL families: the git index clone protocol, the
// sparse index, crate downloads, the publish/yank API, the toolchain
// (dist/rustup) trees, and a small JSON management API for the web UI.
// Everything else falls through to the embedded frontend.

// regError is a single error as cargo expects it in a response body.
type regError struct {
	Detail string `json:"detail"`
}

// regErrors is the JSON error body of the registry API:
// {"errors":[{"detail":"..."}]}. Raised as a panic value by xerrorf and
// turned into a response by the recover in ServeHTTP.
type regErrors struct {
	code   int
	Errors []regError `json:"errors"`
}

// publishWarnings is the success body of a publish. Always empty lists: we
// accept what cargo sends and have no category/badge vocabulary to check
// against.
type publishWarnings struct {
	InvalidCategories []string `json:"invalid_categories"`
	InvalidBadges     []string `json:"invalid_badges"`
	Other             []string `json:"other"`
}

type publishResponse struct {
	Warnings publishWarnings `json:"warnings"`
}

func newPublishResponse() publishResponse {
	return publishResponse{publishWarnings{[]string{}, []string{}, []string{}}}
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	var b bytes.Buffer
	err := json.NewEncoder(&b).Encode(v)
	xcheckf(err, "marshal json response")
	buf := b.Bytes()

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Content-Length", fmt.Sprintf("%d", len(buf)))

	w.WriteHeader(code)
	w.Write(buf)
}

type registryPath struct {
	Name                         string
	Regexp                       *regexp.Regexp
	Head, Get, Post, Put, Delete func(args []string, w http.ResponseWriter, r *http.Request)
}

// Handlers for the registry. First match wins; the embedded frontend
// catches whatever nothing matched.
var registryPaths = []registryPath{
	{Name: "gitIndex", Regexp: regexp.MustCompile(`^/git/index(?:/.*)?$`),
		Get:  serveGitIndex,
		Post: serveGitIndex},

	{Name: "indexConfig", Regexp: regexp.MustCompile(`^/index/config\.json$`),
		Get: serveIndexConfig},

	{Name: "sparseIndex", Regexp: regexp.MustCompile(`^/index/(.+)$`),
		Get: serveSparseIndex},

	{Name: "cratePublish", Regexp: regexp.MustCompile(`^/api/v1/crates/new$`),
		Put: servePublish},

	{Name: "crateDownload", Regexp: regexp.MustCompile(`^/api/v1/crates/([^/]+)/([^/]+)/download$`),
		Head: serveDownload,
		Get:  serveDownload},

	{Name: "crateYank", Regexp: regexp.MustCompile(`^/api/v1/crates/([^/]+)/([^/]+)/yank$`),
		Delete: serveYank},

	{Name: "crateUnyank", Regexp: regexp.MustCompile(`^/api/v1/crates/([^/]+)/([^/]+)/unyank$`),
		Put: serveUnyank},

	{Name: "rustupFile", Regexp: regexp.MustCompile(`^/rustup/.+$`),
		Head: serveTreeFile,
		Get:  serveTreeFile},

	{Name: "distFile", Regexp: regexp.MustCompile(`^/dist/.+$`),
		Head: serveTreeFile,
		Get:  serveTreeFile},

	{Name: "crateTreeFile", Regexp: regexp.MustCompile(`^/crates/.+$`),
		Head: serveTreeFile,
		Get:  serveTreeFile},

	{Name: "apiVersions", Regexp: regexp.MustCompile(`^/api/versions$`),
		Get: serveAPIVersions},

	{Name: "apiPlatforms", Regexp: regexp.MustCompile(`^/api/available-platforms$`),
		Get: serveAPIPlatforms},

	{Name: "apiCrates", Regexp: regexp.MustCompile(`^/api/crates$`),
		Get: serveAPICrates},

	{Name: "apiLoadPack", Regexp: regexp.MustCompile(`^/api/load-pack-file$`),
		Put: serveLoadPackFile},
}

type registry struct{}

func (reg registry) ServeHTTP(xw http.ResponseWriter, r *http.Request) {
	w := &loggingWriter{
		W:     xw,
		Start: time.Now(),
		R:     r,
		Op:    "(registry)",
	}

	defer func() {
		x := recover()
		if x == nil {
			return
		}

		if err, ok := x.(httpErr); ok {
			log.Printf("http error: %d", err.code)
			http.Error(w, fmt.Sprintf("%d - %s", err.code, http.StatusText(err.code)), err.code)
		} else if err, ok := x.(serverErr); ok {
			log.Printf("server error: %v", err.err)
			http.Error(w, fmt.Sprintf("500 - internal server error - %s", err.err), http.StatusInternalServerError)
		} else if err, ok := x.(regErrors); ok {
			if debugFlag {
				log.Printf("request error: %#v", err)
			}
			respondJSON(w, err.code, err)
		} else {
			metricPanic.WithLabelValues("registry").Inc()
			panic(x)
		}
	}()

	if debugFlag {
		log.Printf("registry request %s %s", r.Method, r.URL.Path)
	}

	for _, p := range registryPaths {
		t := p.Regexp.FindStringSubmatch(r.URL.Path)
		if t == nil {
			continue
		}

		w.Op = p.Name

		var h func([]string, http.ResponseWriter, *http.Request)
		switch r.Method {
		case "HEAD":
			h = p.Head
		case "GET":
			h = p.Get
		case "POST":
			h = p.Post
		case "PUT":
			h = p.Put
		case "DELETE":
			h = p.Delete
		}
		if h == nil {
			xerrorf(http.StatusMethodNotAllowed, "method not supported")
		}
		h(t[1:], w, r)
		return
	}

	w.Op = "(frontend)"
	serveFrontend(w, r)
}

// internal server error.
type serverErr struct {
	err error
}

// HTTP status code without a JSON body.
type httpErr struct {
	code int
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(serverErr{fmt.Errorf("%s: %s", fmt.Sprintf(format, args...), err)})
	}
}

func xerrorf(statuscode int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(regErrors{statuscode, []regError{{msg}}})
}

// xregcheck maps a component error to its HTTP response per the registry
// error table. Unrecognized errors become 500s through serverErr.
func xregcheck(err error) {
	if err == nil {
		return
	}
	var code int
	switch {
	case errors.Is(err, errNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errAlreadyExists), errors.Is(err, errConflict):
		code = http.StatusConflict
	case errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, errIndexCorruption), errors.Is(err, errStorage):
		code = http.StatusInternalServerError
	default:
		panic(serverErr{err})
	}
	panic(regErrors{code, []regError{{err.Error()}}})
}

func serveGitIndex(args []string, w http.ResponseWriter, r *http.Request) {
	crateIndex.serveGit(w, r)
}

func serveIndexConfig(args []string, w http.ResponseWriter, r *http.Request) {
	buf, err := os.ReadFile(filepath.Join(rootDir, "index", "config.json"))
	if os.IsNotExist(err) {
		xerrorf(http.StatusNotFound, "no config.json")
	}
	xcheckf(err, "reading config.json")
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Content-Length", fmt.Sprintf("%d", len(buf)))
	w.Write(buf)
}

// serveSparseIndex serves one index file for cargo's sparse protocol. The
// request path must be the canonical shard path of the trailing package
// name; cargo always requests it lowercased.
func serveSparseIndex(args []string, w http.ResponseWriter, r *http.Request) {
	tail := strings.ToLower(args[0])
	name := tail
	if i := strings.LastIndexByte(tail, '/'); i >= 0 {
		name = tail[i+1:]
	}
	if name == "" || tail != indexRelPath(name) {
		xerrorf(http.StatusNotFound, "no such index path")
	}
	buf, err := crateIndex.snapshot(name)
	xregcheck(err)
	h := w.Header()
	h.Set("Content-Type", "text/plain")
	h.Set("Content-Length", fmt.Sprintf("%d", len(buf)))
	w.Write(buf)
}

func servePublish(args []string, w http.ResponseWriter, r *http.Request) {
	meta, data, cksum, err := parsePublish(r.Body)
	xregcheck(err)
	defer data.Close()

	err = publishCrate(meta, data, cksum)
	if err != nil {
		metricPublish.WithLabelValues("error").Inc()
		xregcheck(err)
	}
	metricPublish.WithLabelValues("ok").Inc()
	// Not the request context: the publish happened, record it even if
	// the client is gone by now.
	statsPublished(context.Background(), meta.Name, meta.Vers)

	respondJSON(w, http.StatusOK, newPublishResponse())
}

func serveDownload(args []string, w http.ResponseWriter, r *http.Request) {
	name, version := args[0], args[1]

	file := crateFile(rootDir, name, version)
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		// The crate may be stored under a different case than requested.
		if stored, ok := storedSpelling(name); ok && stored != name {
			file = crateFile(rootDir, stored, version)
			f, err = os.Open(file)
		}
	}
	if os.IsNotExist(err) {
		xerrorf(http.StatusNotFound, "no such crate or version")
	}
	xcheckf(err, "opening crate file")
	defer f.Close()
	st, err := f.Stat()
	xcheckf(err, "stat crate file")

	if r.Method == "GET" {
		metricDownload.Inc()
		statsDownloaded(r.Context(), name)
	}
	w.Header().Set("Content-Type", "application/x-tar")
	http.ServeContent(w, r, filepath.Base(file), st.ModTime(), f)
}

// storedSpelling returns the case the crate was published under, looked up
// case-insensitively through the index.
func storedSpelling(name string) (string, bool) {
	_, entries, err := crateIndex.readEntries(name)
	if err != nil || len(entries) == 0 {
		return "", false
	}
	return entries[0].Name, true
}

func serveYank(args []string, w http.ResponseWriter, r *http.Request) {
	xregcheck(crateIndex.setYanked(args[0], args[1], true))
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func serveUnyank(args []string, w http.ResponseWriter, r *http.Request) {
	xregcheck(crateIndex.setYanked(args[0], args[1], false))
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// serveTreeFile streams a file from the dist/, rustup/ or crates/ subtree.
// The cleaned request path doubles as the file path; its leading element
// anchors it inside the registry root, and ".." has been rejected, so the
// result cannot escape.
func serveTreeFile(args []string, w http.ResponseWriter, r *http.Request) {
	clean := path.Clean("/" + r.URL.Path)
	if strings.Contains(clean, "..") {
		xerrorf(http.StatusBadRequest, "bad path")
	}
	file := filepath.Join(rootDir, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		xerrorf(http.StatusNotFound, "no such file")
	}
	xcheckf(err, "opening file")
	defer f.Close()
	st, err := f.Stat()
	xcheckf(err, "stat file")
	if st.IsDir() {
		xerrorf(http.StatusNotFound, "no such file")
	}
	http.ServeContent(w, r, filepath.Base(file), st.ModTime(), f)
}

func serveAPIVersions(args []string, w http.ResponseWriter, r *http.Request) {
	versions, err := toolchains.listVersions()
	xregcheck(err)
	respondJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func serveAPIPlatforms(args []string, w http.ResponseWriter, r *http.Request) {
	platforms, err := toolchains.listPlatforms()
	xregcheck(err)
	respondJSON(w, http.StatusOK, platforms)
}

func serveAPICrates(args []string, w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"crates": statsList(r.Context())})
}

// serveLoadPackFile streams a sealed archive from the request body into
// the toolchain store. The body is consumed as a stream; a pack file can
// be arbitrarily large.
func serveLoadPackFile(args []string, w http.ResponseWriter, r *http.Request) {
	err := toolchains.installArchive(r.Body)
	xregcheck(err)
	w.WriteHeader(http.StatusOK)
}
