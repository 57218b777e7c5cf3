package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	currentSchemaVersion = 2
	bucketMeta           = "meta"
	bucketEntries        = "entries"

	keySchemaVersion = "schema_version"
)

var errSchemaMismatch = errors.New("cache index: schema mismatch")

// index stores one Entry per cache file, keyed by the relative cache path.
type index struct {
	db *bolt.DB
}

// openIndex opens the bbolt file at path. needsBackfill is true whenever the
// caller must repopulate the index from disk: the file was just created, or
// an existing file was unreadable or carried the wrong schema and has been
// recreated.
func openIndex(path string, timeout time.Duration) (idx *index, needsBackfill bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, false, fmt.Errorf("create index dir: %w", err)
	}
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, os.ErrNotExist)

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, false, fmt.Errorf("open bbolt: %w", err)
		}
		// Unreadable file: start over.
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, false, fmt.Errorf("open bbolt: %w (remove: %v)", err, rmErr)
		}
		db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
		if err != nil {
			return nil, false, fmt.Errorf("open bbolt: %w", err)
		}
		fresh = true
	}

	idx = &index{db: db}
	if !fresh {
		if checkErr := idx.checkSchema(); checkErr != nil {
			if err := idx.reset(); err != nil {
				_ = db.Close()
				return nil, false, err
			}
			return idx, true, nil
		}
		return idx, false, nil
	}
	if err := idx.reset(); err != nil {
		_ = db.Close()
		return nil, false, err
	}
	return idx, true, nil
}

func (i *index) close() error {
	if i.db == nil {
		return nil
	}
	return i.db.Close()
}

// checkSchema reports errSchemaMismatch when an expected bucket is missing or
// the stored version differs from the one this build writes.
func (i *index) checkSchema() error {
	return i.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		if meta == nil || tx.Bucket([]byte(bucketEntries)) == nil {
			return errSchemaMismatch
		}
		version, err := strconv.Atoi(string(meta.Get([]byte(keySchemaVersion))))
		if err != nil || version != currentSchemaVersion {
			return errSchemaMismatch
		}
		return nil
	})
}

// reset drops every bucket and recreates an empty schema.
func (i *index) reset() error {
	return i.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("drop bucket %s: %w", name, err)
			}
		}
		if _, err := tx.CreateBucket([]byte(bucketEntries)); err != nil {
			return fmt.Errorf("ensure entries bucket: %w", err)
		}
		meta, err := tx.CreateBucket([]byte(bucketMeta))
		if err != nil {
			return fmt.Errorf("ensure meta bucket: %w", err)
		}
		return meta.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
	})
}

func (i *index) put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
		return bucket.Put([]byte(e.Path), data)
	})
}

func (i *index) get(path string) (Entry, error) {
	var e Entry
	err := i.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
		raw := bucket.Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &e)
	})
	return e, err
}

// update applies fn to the stored entry inside a single write transaction.
func (i *index) update(path string, fn func(*Entry)) (Entry, error) {
	var e Entry
	err := i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
		raw := bucket.Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		fn(&e)
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		return bucket.Put([]byte(path), data)
	})
	return e, err
}

func (i *index) delete(path string) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
		return bucket.Delete([]byte(path))
	})
}

// list returns every entry accepted by keep. Results are collected before
// returning so callers may mutate the index while iterating.
func (i *index) list(keep func(Entry) bool) ([]Entry, error) {
	var out []Entry
	err := i.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
		return bucket.ForEach(func(_, raw []byte) error {
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			if keep == nil || keep(e) {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

func (i *index) count() (int, error) {
	var n int
	err := i.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEntries))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketEntries)
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}
