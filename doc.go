/*
Cratereg is an offline-capable mirror and publication registry for Rust:
it serves the toolchain (rustup and its dist channels) and a crates
registry to disconnected networks, as if static.rust-lang.org and
crates.io were reachable.

  - "pack", run on a connected host, downloads a curated set of toolchain
    releases and rustup-init binaries and seals them into a single
    gzip-compressed tar archive.
  - "unpack", run on the offline host, extracts a sealed archive into a
    registry root directory.
  - "serve" exposes the registry root over HTTP: the rustup installer
    protocol (/rustup, /dist), cargo's git index (/git/index), cargo's
    sparse index (/index/...), crate downloads, crate publishing, and a
    small JSON management API with a web interface.

Crates are not mirrored in bulk: they are published into the registry
with a plain "cargo publish" against this registry, or imported with
external tooling that writes the same layout. Everything published is
public; the registry accepts any request without authentication, run it
on a trusted network or behind a front proxy that handles access and
TLS.

# Registry root

A registry root is a single directory:

	crates/   crate tarballs, content-addressed by name/version, sharded
	          like the crates.io index (1/, 2/, 3/a/, ab/cd/)
	index/    a git repository; one file per crate with one JSON line per
	          published version, plus config.json pointing cargo at this
	          server
	dist/     toolchain release channels, mirroring upstream paths
	rustup/   rustup-init binaries per target

Every index mutation is one git commit, starting from an "initial"
commit made when the index is first created. Yanking flips the yanked
flag in the crate's index file; nothing is ever deleted. Yanking a
version that is already in the requested state succeeds without
creating a commit, and yanking an unknown crate or version is a 404.

A registry.db file (bstore database) next to those directories holds a
crate catalog with download counters for the web interface. It is
bookkeeping only: removing it loses the counters, nothing else.

# Using the registry

Install the toolchain against the mirror:

	export RUSTUP_DIST_SERVER=http://registry.example
	export RUSTUP_UPDATE_ROOT=http://registry.example/rustup
	curl -sSf http://registry.example/rustup/dist/x86_64-unknown-linux-gnu/rustup-init | sh

Configure cargo, with either index flavor:

	[registries.offline]
	index = "http://registry.example/git/index"
	# or: index = "sparse+http://registry.example/index/"

Publish with an arbitrary token, the registry does not check it:

	cargo publish --registry offline --token offline

# Example

On a machine with internet access:

	cratereg pack -pack-file rust.tar.gz -rust-versions 1.67.1 -platforms x86_64-unknown-linux-gnu

Carry rust.tar.gz across the air gap, then:

	cratereg unpack -packed-file rust.tar.gz -root-registry /srv/registry
	cratereg serve -root-registry /srv/registry -addr 0.0.0.0:5000 -server-addr registry.example:5000

A pack file can also be loaded into a running server through the web
interface or with:

	curl -X PUT --data-binary @rust.tar.gz http://registry.example/api/load-pack-file
*/
package main
