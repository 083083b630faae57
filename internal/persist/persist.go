// Package persist provides the durable key->value mapping each node uses
// to survive restarts. It is a thin wrapper around a LevelDB file, keyed
// exactly as the replicated keystore keys itself.
package persist

import (
	"go.uber.org/zap"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/jrydberg/nesoi/pkg/log"
)

// syncWrite forces each write to be fsync'd before returning, so a write
// is durable before the keystore announces it over gossip.
var syncWrite = &opt.WriteOptions{Sync: true}

// Store is a durable key->value map. A nil value represents a deleted
// (tombstoned) key rather than an absent one, so callers can distinguish
// "never written" from "written then deleted" during replay.
type Store struct {
	db     *leveldb.DB
	logger log.Logger
}

// Open opens (or creates) the LevelDB file at path. If the file exists but
// is corrupted, it attempts to recover it before giving up.
func Open(path string, logger log.Logger) (*Store, error) {
	logger = logger.WithSubsystem("persist")

	db, err := leveldb.OpenFile(path, nil)
	if err != nil && errors.IsCorrupted(err) {
		logger.Warn("data file corrupted, attempting recovery", zap.String("path", path))
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("opened data file", zap.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// Put durably stores value under key.
func (s *Store) Put(key string, value []byte) error {
	return s.db.Put([]byte(key), value, syncWrite)
}

// Delete removes key from the durable store entirely. The keystore does
// not call it: tombstones are stored with Put like any other value.
func (s *Store) Delete(key string) error {
	return s.db.Delete([]byte(key), syncWrite)
}

// Get returns the value stored under key, or ok=false if it is absent.
func (s *Store) Get(key string) (value []byte, ok bool, err error) {
	v, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Range calls fn for every key currently in the store, in key order. It
// stops early if fn returns false.
func (s *Store) Range(fn func(key string, value []byte) bool) error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	for iter.Next() {
		if !fn(string(iter.Key()), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
