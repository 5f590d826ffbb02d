package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	diskEntryPrefix = "e:"
	diskTagPrefix   = "t:"
	diskTagSep      = "\x00"
)

type diskStore struct {
	db *leveldb.DB
}

// NewDisk opens a leveldb-backed store that survives process restarts.
// Entries live under `e:` keys; tag membership is a second keyspace of
// `t:<tag>\x00<key>` markers so DeleteByTags is a bounded prefix scan.
func NewDisk(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("cache: disk path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open disk store: %w", err)
	}
	return &diskStore{db: db}, nil
}

func (s *diskStore) Get(_ context.Context, key string) (Entry, bool, error) {
	payload, err := s.db.Get([]byte(diskEntryPrefix+key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: disk get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: disk unmarshal: %w", err)
	}
	if entry.Expired(time.Now()) {
		// Lazy expiry: leveldb has no TTL, so stale entries are purged on read.
		s.deleteEntry(key, entry.Tags)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *diskStore) Set(_ context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: disk marshal: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(diskEntryPrefix+key), payload)
	for _, tag := range entry.Tags {
		batch.Put([]byte(diskTagPrefix+tag+diskTagSep+key), nil)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("cache: disk write: %w", err)
	}
	return nil
}

func (s *diskStore) DeleteByTags(_ context.Context, tags []string) error {
	for _, tag := range tags {
		prefix := []byte(diskTagPrefix + tag + diskTagSep)
		it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		batch := new(leveldb.Batch)
		for it.Next() {
			member := string(it.Key()[len(prefix):])
			batch.Delete([]byte(diskEntryPrefix + member))
			batch.Delete(it.Key())
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return fmt.Errorf("cache: disk tag scan: %w", err)
		}
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("cache: disk tag delete: %w", err)
		}
	}
	return nil
}

func (s *diskStore) Size(_ context.Context) (int64, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(diskEntryPrefix)), nil)
	defer it.Release()
	var count int64
	for it.Next() {
		count++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("cache: disk size: %w", err)
	}
	return count, nil
}

func (s *diskStore) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache: disk close: %w", err)
	}
	return nil
}

func (s *diskStore) deleteEntry(key string, tags []string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(diskEntryPrefix + key))
	for _, tag := range tags {
		batch.Delete([]byte(diskTagPrefix + tag + diskTagSep + key))
	}
	_ = s.db.Write(batch, nil)
}
