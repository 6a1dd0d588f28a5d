// Package store is the bundle-store identifier cache: not the persistent
// bundle store itself (spec.md §1 keeps that external), but a thin,
// restart-durable cache of exactly the fields a RoutedBundle needs per
// spec.md §3 ("Routed bundle"): cached destination, priority, serialized
// size, expiration time. Backed by buntdb per SPEC_FULL.md's DOMAIN STACK
// table, indexed by expiration so a restart can find and reschedule
// anything that outlived its contacts while the agent was down.
package store

import (
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is the cached subset of a RoutedBundle's fields, keyed by the
// bundle-store identifier.
type Record struct {
	ID          string `json:"id"`
	Destination string `json:"dest"`
	Priority    int    `json:"prio"`
	Size        int64  `json:"size"`
	Expiration  int64  `json:"exp"` // unix seconds
}

const expirationIndex = "by_expiration"

// Cache wraps a buntdb database holding one Record per routed bundle ID.
type Cache struct {
	db *buntdb.DB
}

// Open opens (creating if necessary) the cache at path. Pass ":memory:" for
// an ephemeral, non-persistent cache (used by tests and by cmd/upcnd when
// no store path is configured).
func Open(path string) (*Cache, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	err = db.CreateIndex(expirationIndex, "*", buntdb.IndexJSON("exp"))
	if err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, errors.Wrap(err, "store: create expiration index")
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Put inserts or replaces the record for r.ID.
func (c *Cache) Put(r Record) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "store: marshal record")
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(r.ID, string(buf), nil)
		return err
	})
}

// Get returns the record for id, or (Record{}, false, nil) if absent.
func (c *Cache) Get(id string) (Record, bool, error) {
	var rec Record
	var found bool
	err := c.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(id)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if uerr := json.Unmarshal([]byte(val), &rec); uerr != nil {
			return uerr
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, errors.Wrap(err, "store: get")
	}
	return rec, found, nil
}

// Delete removes the record for id. Deleting an absent id is not an error.
func (c *Cache) Delete(id string) error {
	err := c.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(id)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	return errors.Wrap(err, "store: delete")
}

// ExpiredBefore returns every record whose Expiration is <= cutoff (unix
// seconds), in ascending expiration order. Used on daemon startup to find
// routed bundles that outlived their contacts while the process was down,
// so the bundle processor can decide whether to reschedule or drop them.
func (c *Cache) ExpiredBefore(cutoff int64) ([]Record, error) {
	// The pivot must carry the same JSON shape the index extracts from, so
	// buntdb compares exp against exp rather than against a bare number.
	pivot := `{"exp":` + strconv.FormatInt(cutoff+1, 10) + `}`
	var out []Record
	err := c.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendLessThan(expirationIndex, pivot, func(key, val string) bool {
			var rec Record
			if err := json.Unmarshal([]byte(val), &rec); err == nil {
				out = append(out, rec)
			}
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: expired before")
	}
	return out, nil
}

// All returns every record currently cached, used by internal/diag's Query
// snapshot.
func (c *Cache) All() ([]Record, error) {
	var out []Record
	err := c.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, val string) bool {
			var rec Record
			if err := json.Unmarshal([]byte(val), &rec); err == nil {
				out = append(out, rec)
			}
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: all")
	}
	return out, nil
}

// Len reports the number of cached records.
func (c *Cache) Len() (int, error) {
	var n int
	err := c.db.View(func(tx *buntdb.Tx) error {
		var err error
		n, err = tx.Len()
		return err
	})
	return n, errors.Wrap(err, "store: len")
}
