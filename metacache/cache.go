// Package metacache persists resolved torrent info dicts keyed by
// info-hash so a repeat request for the same magnet never touches the
// network. It generalizes the sharded cache-file-per-torrent idiom of
// an engine cache directory into a single embedded key/value store.
package metacache

import (
	"encoding/hex"
	"fmt"

	"github.com/anacrolix/torrent/metainfo"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("info_bytes")

// Store is a bbolt-backed metadata cache. The zero value is not usable;
// construct one with Open.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at path and ensures the cache
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("metacache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metacache: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached info dict bytes for infoHash, if present.
func (s *Store) Get(infoHash metainfo.Hash) ([]byte, bool) {
	var out []byte
	var found bool
	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get(key(infoHash)); v != nil {
			out = append([]byte{}, v...)
			found = true
		}
		return nil
	})
	return out, found
}

// Put stores infoBytes under infoHash, overwriting any prior entry.
func (s *Store) Put(infoHash metainfo.Hash, infoBytes []byte) {
	s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key(infoHash), infoBytes)
	})
}

// Delete removes a cached entry, e.g. after it's found to be stale.
func (s *Store) Delete(infoHash metainfo.Hash) {
	s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key(infoHash))
	})
}

func key(infoHash metainfo.Hash) []byte {
	return []byte(hex.EncodeToString(infoHash[:]))
}
