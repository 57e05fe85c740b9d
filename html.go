package main

import (
	"embed"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
)

// The web UI is a static bundle compiled into the binary. It only talks
// to the JSON management API (/api/versions, /api/available-platforms,
// /api/crates, /api/load-pack-file). Any path we don't have a file for
// gets index.html, so client-side routes survive a reload.

//go:embed frontend
var frontendFS embed.FS

func serveFrontend(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" && r.Method != "HEAD" {
		xerrorf(http.StatusMethodNotAllowed, "method not supported")
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = "index.html"
	}
	buf, err := frontendFS.ReadFile("frontend/" + name)
	if err != nil {
		name = "index.html"
		buf, err = frontendFS.ReadFile("frontend/" + name)
	}
	xcheckf(err, "reading frontend file")

	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Content-Type", ct)
	h.Set("Content-Length", fmt.Sprintf("%d", len(buf)))
	if r.Method != "HEAD" {
		w.Write(buf)
	}
}
