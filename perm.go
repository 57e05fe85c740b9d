//go:build !windows

package main

import (
	"io/fs"
	"os"
	"syscall"
)

var umask int

func init() {
	umask = syscall.Umask(0)
	syscall.Umask(umask)
}

// setBlobPermissions makes a freshly written crate file world-readable
// modulo the umask: crates are public downloads, and the file may also be
// served by a front proxy with a static mount.
func setBlobPermissions(f *os.File) error {
	return f.Chmod(fs.FileMode(0644 &^ umask))
}
