package main

import (
	"path"
	"path/filepath"
	"strings"
)

// The on-disk layout of a registry root is fixed by what cargo and rustup
// expect to find:
//
//	<root>/crates/<shard>/<name>-<version>.crate
//	<root>/index/<shard>/<name>          (git repository, one JSON line per version)
//	<root>/index/config.json
//	<root>/dist/...                      (toolchain release files)
//	<root>/rustup/dist/<target>/rustup-init[.exe]
//
// The shard scheme matches the crates.io index so existing tooling (and
// cargo's sparse protocol) can compute paths locally.

// blobPath returns the shard path for a package name, with forward
// slashes, e.g. "se/rd" for "serde". It depends only on the lowercased
// name: lookups are case-insensitive, so "Serde" and "serde" share a shard
// and an index file.
func blobPath(name string) string {
	name = strings.ToLower(name)
	switch len(name) {
	case 0:
		return ""
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3/" + name[:1]
	default:
		return name[:2] + "/" + name[2:4]
	}
}

// indexRelPath is the path of an index file relative to the index
// repository root, with forward slashes. This is the path cargo's sparse
// protocol requests and the path staged in git. Fully lowercase, per the
// crates.io index layout.
func indexRelPath(name string) string {
	name = strings.ToLower(name)
	return path.Join(blobPath(name), name)
}

// crateFile returns the filesystem path of the crate tarball for a
// name/version. The file name preserves the case the crate was published
// under, the shard directories do not.
func crateFile(root, name, version string) string {
	return filepath.Join(root, "crates", filepath.FromSlash(blobPath(name)), crateFileName(name, version))
}

func crateFileName(name, version string) string {
	return name + "-" + version + ".crate"
}

// indexFile returns the filesystem path of the index file listing all
// published versions of a package.
func indexFile(root, name string) string {
	return filepath.Join(root, "index", filepath.FromSlash(indexRelPath(name)))
}
