package main

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"
)

// The authoritative registry state lives in the git index and the crates/
// tree; cargo dictates those formats. Next to them we keep a small bstore
// database, registry.db in the registry root, with a queryable crate
// catalog and download counters for the web UI. It is bookkeeping, not
// truth: it is updated on publish and download, and losing it only resets
// the counters.

// DBCrate is one package in the catalog. The name is the spelling of the
// first publish (the unique primary key; later versions must match it,
// enforced by the index).
type DBCrate struct {
	Name          string
	LatestVersion string    `bstore:"nonzero"`
	NumVersions   int       `bstore:"nonzero"`
	Downloads     int64     // Total across versions.
	Modified      time.Time `bstore:"nonzero,default now"`
}

func openStatsDB(root string) (*bstore.DB, error) {
	return bstore.Open(context.Background(), filepath.Join(root, "registry.db"), &bstore.Options{Perm: 0660}, DBCrate{})
}

// statsPublished records a successful publish. Best-effort: a failure is
// logged, never surfaced, the publish already happened.
func statsPublished(ctx context.Context, name, version string) {
	if database == nil {
		return
	}
	err := database.Write(ctx, func(tx *bstore.Tx) error {
		c := DBCrate{Name: name}
		err := tx.Get(&c)
		if err == bstore.ErrAbsent {
			return tx.Insert(&DBCrate{Name: name, LatestVersion: version, NumVersions: 1, Modified: time.Now()})
		} else if err != nil {
			return err
		}
		c.LatestVersion = version
		c.NumVersions++
		c.Modified = time.Now()
		return tx.Update(&c)
	})
	logCheck(err, "recording publish in catalog")
}

// statsDownloaded counts a crate download.
func statsDownloaded(ctx context.Context, name string) {
	if database == nil {
		return
	}
	err := database.Write(ctx, func(tx *bstore.Tx) error {
		c := DBCrate{Name: name}
		err := tx.Get(&c)
		if err == bstore.ErrAbsent {
			// Published before the database existed (or the db was
			// removed); count from here on.
			return nil
		} else if err != nil {
			return err
		}
		c.Downloads++
		return tx.Update(&c)
	})
	logCheck(err, "recording download in catalog")
}

// statsList returns the catalog sorted by most recently modified.
func statsList(ctx context.Context) []DBCrate {
	if database == nil {
		return []DBCrate{}
	}
	q := bstore.QueryDB[DBCrate](ctx, database)
	q.SortDesc("Modified")
	crates, err := q.List()
	if err != nil {
		log.Printf("listing crate catalog: %v", err)
		return []DBCrate{}
	}
	return crates
}
