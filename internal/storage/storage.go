// Package storage provides the persistent keyed-blob store for localwiki.
//
// The store is a single bbolt database file holding named collections with
// optional secondary indexes. It is the only component that touches the
// database file; the download manager and search index go through this API
// exclusively, and a cross-process file lock guarantees a single writer.
//
// Every mutation runs in one bolt transaction: primary value, blob
// metadata, index entries, and the quota counter commit or roll back
// together, so partial writes are never visible.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"

	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
)

// Well-known collection names. The schema passed to Initialize decides
// which of these exist; they are listed here so callers share one spelling.
const (
	CollectionLibraryFiles     = "library-files"
	CollectionModelFiles       = "model-files"
	CollectionModelMetadata    = "model-metadata"
	CollectionArticles         = "articles"
	CollectionCorpusMeta       = "corpus-meta"
	CollectionSearchIndex      = "search-index"
	CollectionDownloadProgress = "download-progress"
)

const (
	colPrefix = "col:"
	idxPrefix = "idx:"
	sysBucket = "_sys"

	// Sub-key prefixes inside a collection bucket.
	dataPrefix = "b!"
	metaPrefix = "m!"

	totalBytesKey = "total_bytes"
)

// IndexSpec declares a secondary index over a collection.
type IndexSpec struct {
	// Name identifies the index within its collection.
	Name string

	// Extract pulls the indexed value out of a stored blob.
	// Returning false skips indexing for that entry.
	Extract func(value []byte) (string, bool)
}

// CollectionSpec declares one named collection.
type CollectionSpec struct {
	Name    string
	Indexes []IndexSpec

	// Cached enables the LRU read cache for this collection.
	Cached bool
}

// Schema declares the collections the store must provide.
type Schema struct {
	Collections []CollectionSpec
}

// Blob is a stored value with its integrity metadata.
type Blob struct {
	Key      string    `json:"key"`
	Data     []byte    `json:"-"`
	Checksum string    `json:"checksum,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

// blobMeta is the persisted metadata envelope (data is stored separately).
type blobMeta struct {
	Checksum string    `json:"checksum,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

// Entry is a key/value pair returned by index queries.
type Entry struct {
	Key   string
	Value []byte
}

// Options configures Open.
type Options struct {
	// QuotaBytes caps the total payload bytes in the store. 0 disables.
	QuotaBytes int64

	// CacheSize is the per-collection LRU capacity for cached collections.
	CacheSize int
}

// Store is a bbolt-backed collection store. Safe for concurrent use within
// a process; the flock sidecar excludes other processes.
type Store struct {
	db     *bolt.DB
	lock   *flock.Flock
	opts   Options
	schema Schema
	caches map[string]*lru.Cache[string, []byte]
}

// Open opens (or creates) the store at path and acquires the single-writer
// lock. Returns ErrCodeStoreLocked if another process holds the store.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}

	lock := flock.New(path + ".lock")
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStoreLocked, err)
	}
	if !acquired {
		return nil, apperrors.New(apperrors.ErrCodeStoreLocked,
			fmt.Sprintf("store %s is in use by another process", path), nil).
			WithSuggestion("close other localwiki instances and retry")
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		_ = lock.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeStoreCorrupt,
			fmt.Sprintf("cannot open store %s: %v", path, err), err)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}

	return &Store{
		db:     db,
		lock:   lock,
		opts:   opts,
		caches: make(map[string]*lru.Cache[string, []byte]),
	}, nil
}

// Close releases the database and the file lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// Initialize creates the declared collections and their index buckets.
// Idempotent: existing buckets are left untouched.
func (s *Store) Initialize(schema Schema) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(sysBucket)); err != nil {
			return err
		}
		for _, col := range schema.Collections {
			if col.Name == "" {
				return fmt.Errorf("collection name must not be empty")
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(colPrefix + col.Name)); err != nil {
				return err
			}
			for _, idx := range col.Indexes {
				if _, err := tx.CreateBucketIfNotExists([]byte(idxBucketName(col.Name, idx.Name))); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}

	s.schema = schema
	for _, col := range schema.Collections {
		if col.Cached {
			if _, ok := s.caches[col.Name]; !ok {
				cache, cacheErr := lru.New[string, []byte](s.opts.CacheSize)
				if cacheErr != nil {
					return apperrors.Wrap(apperrors.ErrCodeInternal, cacheErr)
				}
				s.caches[col.Name] = cache
			}
		}
	}
	return nil
}

// Put upserts value under key in the named collection, maintaining index
// entries and the quota counter in the same transaction. A put that would
// exceed the quota fails with ErrCodeQuotaExceeded before any write.
func (s *Store) Put(collection, key string, value []byte) error {
	return s.PutBlob(collection, &Blob{Key: key, Data: value, StoredAt: time.Now().UTC()})
}

// PutBlob is Put with caller-supplied blob metadata (checksum).
func (s *Store) PutBlob(collection string, blob *Blob) error {
	if blob.StoredAt.IsZero() {
		blob.StoredAt = time.Now().UTC()
	}
	spec, err := s.collectionSpec(collection)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(colPrefix + collection))
		if bucket == nil {
			return fmt.Errorf("collection %s not initialized", collection)
		}

		old := bucket.Get(dataKey(blob.Key))
		delta := int64(len(blob.Data)) - int64(len(old))

		total := readTotalBytes(tx)
		if s.opts.QuotaBytes > 0 && total+delta > s.opts.QuotaBytes {
			return apperrors.New(apperrors.ErrCodeQuotaExceeded,
				fmt.Sprintf("storing %d bytes would exceed the %d byte quota", len(blob.Data), s.opts.QuotaBytes), nil).
				WithDetail("collection", collection).
				WithDetail("key", blob.Key).
				WithSuggestion("run 'localwiki clear' or raise storage.quota_mb")
		}

		// Drop index entries derived from the previous value.
		if old != nil {
			if err := s.unindex(tx, spec, blob.Key, old); err != nil {
				return err
			}
		}

		if err := bucket.Put(dataKey(blob.Key), blob.Data); err != nil {
			return err
		}
		meta, err := json.Marshal(blobMeta{Checksum: blob.Checksum, StoredAt: blob.StoredAt})
		if err != nil {
			return err
		}
		if err := bucket.Put(metaKey(blob.Key), meta); err != nil {
			return err
		}
		if err := s.index(tx, spec, blob.Key, blob.Data); err != nil {
			return err
		}
		return writeTotalBytes(tx, total+delta)
	})
	if err != nil {
		if apperrors.GetCode(err) != "" {
			return err
		}
		return apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}

	if cache, ok := s.caches[collection]; ok {
		cache.Remove(blob.Key)
	}
	return nil
}

// Get returns the value for key, or (nil, nil) when absent.
func (s *Store) Get(collection, key string) ([]byte, error) {
	if cache, ok := s.caches[collection]; ok {
		if v, hit := cache.Get(key); hit {
			return v, nil
		}
	}

	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(colPrefix + collection))
		if bucket == nil {
			return fmt.Errorf("collection %s not initialized", collection)
		}
		if v := bucket.Get(dataKey(key)); v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}

	if value != nil {
		if cache, ok := s.caches[collection]; ok {
			cache.Add(key, value)
		}
	}
	return value, nil
}

// GetBlob returns the value with its metadata, or (nil, nil) when absent.
func (s *Store) GetBlob(collection, key string) (*Blob, error) {
	var blob *Blob
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(colPrefix + collection))
		if bucket == nil {
			return fmt.Errorf("collection %s not initialized", collection)
		}
		v := bucket.Get(dataKey(key))
		if v == nil {
			return nil
		}
		blob = &Blob{Key: key, Data: append([]byte(nil), v...)}
		if m := bucket.Get(metaKey(key)); m != nil {
			var meta blobMeta
			if err := json.Unmarshal(m, &meta); err == nil {
				blob.Checksum = meta.Checksum
				blob.StoredAt = meta.StoredAt
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}
	return blob, nil
}

// Delete removes key from the collection. Deleting an absent key is a no-op.
func (s *Store) Delete(collection, key string) error {
	spec, err := s.collectionSpec(collection)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(colPrefix + collection))
		if bucket == nil {
			return fmt.Errorf("collection %s not initialized", collection)
		}
		old := bucket.Get(dataKey(key))
		if old == nil {
			return nil
		}
		if err := s.unindex(tx, spec, key, old); err != nil {
			return err
		}
		if err := bucket.Delete(dataKey(key)); err != nil {
			return err
		}
		if err := bucket.Delete(metaKey(key)); err != nil {
			return err
		}
		return writeTotalBytes(tx, readTotalBytes(tx)-int64(len(old)))
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}

	if cache, ok := s.caches[collection]; ok {
		cache.Remove(key)
	}
	return nil
}

// Clear removes every entry from the collection and its indexes.
func (s *Store) Clear(collection string) error {
	spec, err := s.collectionSpec(collection)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(colPrefix + collection))
		if bucket == nil {
			return fmt.Errorf("collection %s not initialized", collection)
		}

		var freed int64
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytes.HasPrefix(k, []byte(dataPrefix)) {
				freed += int64(len(v))
			}
		}

		if err := tx.DeleteBucket([]byte(colPrefix + collection)); err != nil {
			return err
		}
		if _, err := tx.CreateBucket([]byte(colPrefix + collection)); err != nil {
			return err
		}
		for _, idx := range spec.Indexes {
			name := []byte(idxBucketName(collection, idx.Name))
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return writeTotalBytes(tx, readTotalBytes(tx)-freed)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}

	if cache, ok := s.caches[collection]; ok {
		cache.Purge()
	}
	return nil
}

// Count returns the number of entries in the collection.
func (s *Store) Count(collection string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(colPrefix + collection))
		if bucket == nil {
			return fmt.Errorf("collection %s not initialized", collection)
		}
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if bytes.HasPrefix(k, []byte(dataPrefix)) {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}
	return count, nil
}

// Keys returns every key in the collection in lexical order.
func (s *Store) Keys(collection string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(colPrefix + collection))
		if bucket == nil {
			return fmt.Errorf("collection %s not initialized", collection)
		}
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if bytes.HasPrefix(k, []byte(dataPrefix)) {
				keys = append(keys, string(k[len(dataPrefix):]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}
	return keys, nil
}

// QueryByIndex returns every entry whose indexed field equals value,
// ordered by key.
func (s *Store) QueryByIndex(collection, index, value string) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		idxBucket := tx.Bucket([]byte(idxBucketName(collection, index)))
		if idxBucket == nil {
			return fmt.Errorf("index %s.%s not initialized", collection, index)
		}
		bucket := tx.Bucket([]byte(colPrefix + collection))
		if bucket == nil {
			return fmt.Errorf("collection %s not initialized", collection)
		}

		prefix := idxEntryPrefix(value)
		c := idxBucket.Cursor()
		for k, refKey := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, refKey = c.Next() {
			v := bucket.Get(dataKey(string(refKey)))
			if v == nil {
				continue
			}
			entries = append(entries, Entry{
				Key:   string(refKey),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}
	return entries, nil
}

// TotalBytes returns the sum of stored payload sizes.
func (s *Store) TotalBytes() (int64, error) {
	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		total = readTotalBytes(tx)
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeStoreCorrupt, err)
	}
	return total, nil
}

// QuotaBytes returns the configured quota (0 = unlimited).
func (s *Store) QuotaBytes() int64 {
	return s.opts.QuotaBytes
}

func (s *Store) collectionSpec(name string) (*CollectionSpec, error) {
	for i := range s.schema.Collections {
		if s.schema.Collections[i].Name == name {
			return &s.schema.Collections[i], nil
		}
	}
	return nil, apperrors.New(apperrors.ErrCodeInternal,
		fmt.Sprintf("collection %s not declared in schema", name), nil)
}

func (s *Store) index(tx *bolt.Tx, spec *CollectionSpec, key string, value []byte) error {
	for _, idx := range spec.Indexes {
		if idx.Extract == nil {
			continue
		}
		fieldValue, ok := idx.Extract(value)
		if !ok {
			continue
		}
		bucket := tx.Bucket([]byte(idxBucketName(spec.Name, idx.Name)))
		if bucket == nil {
			return fmt.Errorf("index %s.%s not initialized", spec.Name, idx.Name)
		}
		if err := bucket.Put(idxEntryKey(fieldValue, key), []byte(key)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) unindex(tx *bolt.Tx, spec *CollectionSpec, key string, value []byte) error {
	for _, idx := range spec.Indexes {
		if idx.Extract == nil {
			continue
		}
		fieldValue, ok := idx.Extract(value)
		if !ok {
			continue
		}
		bucket := tx.Bucket([]byte(idxBucketName(spec.Name, idx.Name)))
		if bucket == nil {
			continue
		}
		if err := bucket.Delete(idxEntryKey(fieldValue, key)); err != nil {
			return err
		}
	}
	return nil
}

func dataKey(key string) []byte { return []byte(dataPrefix + key) }
func metaKey(key string) []byte { return []byte(metaPrefix + key) }

func idxBucketName(collection, index string) string {
	return idxPrefix + collection + ":" + index
}

// Index entries are "<value>\x00<key>" so equal values sort adjacently and
// a prefix scan finds them all.
func idxEntryKey(value, key string) []byte {
	return append(idxEntryPrefix(value), []byte(key)...)
}

func idxEntryPrefix(value string) []byte {
	return append([]byte(value), 0x00)
}

func readTotalBytes(tx *bolt.Tx) int64 {
	sys := tx.Bucket([]byte(sysBucket))
	if sys == nil {
		return 0
	}
	v := sys.Get([]byte(totalBytesKey))
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func writeTotalBytes(tx *bolt.Tx, total int64) error {
	if total < 0 {
		total = 0
	}
	sys, err := tx.CreateBucketIfNotExists([]byte(sysBucket))
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(total))
	return sys.Put([]byte(totalBytesKey), buf[:])
}
