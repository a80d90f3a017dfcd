package kv

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/xtxerr/vigil/internal/errors"
)

// levelStore is the LevelDB-backed Store implementation.
type levelStore struct {
	db *leveldb.DB
}

// Open opens (or creates) a LevelDB database at dir.
func Open(dir string) (Store, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		// A missing manifest on a fresh directory is normal; anything
		// else surfaces as a corrupt-bucket error to the caller.
		ErrorIfMissing: false,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", dir, err)
	}
	return &levelStore{db: db}, nil
}

func (s *levelStore) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, errors.ErrNotFound
		}
		return nil, wrapStorage(err)
	}
	return value, nil
}

func (s *levelStore) Put(key, value []byte) error {
	if err := s.db.Put(key, value, nil); err != nil {
		return wrapStorage(err)
	}
	return nil
}

func (s *levelStore) Delete(key []byte) error {
	if err := s.db.Delete(key, nil); err != nil {
		return wrapStorage(err)
	}
	return nil
}

func (s *levelStore) Scan(start, limit []byte, fn func(key, value []byte) bool) error {
	iter := s.db.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
	defer iter.Release()

	for iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return wrapStorage(err)
	}
	return nil
}

func (s *levelStore) ScanReverse(start, limit []byte, fn func(key, value []byte) bool) error {
	iter := s.db.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
	defer iter.Release()

	for ok := iter.Last(); ok; ok = iter.Prev() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return wrapStorage(err)
	}
	return nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func wrapStorage(err error) error {
	if ldberrors.IsCorrupted(err) {
		return fmt.Errorf("%w: %v", errors.ErrBucketCorrupt, err)
	}
	return fmt.Errorf("%w: %v", errors.ErrStorage, err)
}
