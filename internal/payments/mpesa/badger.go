package mpesa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const badgerKeyPrefix = "mpesa_pending:"

// BadgerStore persists pending transactions in an embedded BadgerDB. Entries carry a native TTL
// derived from ExpiresAt, so Cleanup only has to reclaim value log space.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a BadgerDB at dir with logging disabled.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return db, nil
}

// NewBadgerStore wraps an open database. The caller owns db.
func NewBadgerStore(db *badger.DB, clock func() time.Time) *BadgerStore {
	if clock == nil {
		clock = time.Now
	}
	return &BadgerStore{db: db, now: clock}
}

// Put implements Store.
func (s *BadgerStore) Put(_ context.Context, entry Entry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.set(txn, entry)
	})
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, key string) (Entry, error) {
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = s.load(txn, key)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Update implements Store. Badger transactions detect concurrent writers and the losing writer
// receives badger.ErrConflict.
func (s *BadgerStore) Update(_ context.Context, key string, mutate func(*Entry) error) (Entry, error) {
	var updated Entry
	err := s.db.Update(func(txn *badger.Txn) error {
		entry, err := s.load(txn, key)
		if err != nil {
			return err
		}
		if err := mutate(&entry); err != nil {
			return err
		}
		entry.Key = key
		if err := s.set(txn, entry); err != nil {
			return err
		}
		updated = entry
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return updated, nil
}

// Cleanup implements Store. Expired keys are dropped by badger itself; entries written without an
// expiry but past ExpiresAt are deleted here, then one value log GC pass runs.
func (s *BadgerStore) Cleanup(_ context.Context, now time.Time, limit int) (int, error) {
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(stale) >= limit {
				break
			}
			item := it.Item()
			var entry Entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
				return err
			}
			if entry.expired(now) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan pending: %w", err)
	}
	if len(stale) > 0 {
		err = s.db.Update(func(txn *badger.Txn) error {
			for _, key := range stale {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("delete pending: %w", err)
		}
	}
	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		return len(stale), fmt.Errorf("value log gc: %w", err)
	}
	return len(stale), nil
}

func (s *BadgerStore) load(txn *badger.Txn, key string) (Entry, error) {
	item, err := txn.Get([]byte(badgerKeyPrefix + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get pending: %w", err)
	}
	var entry Entry
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
		return Entry{}, fmt.Errorf("decode pending: %w", err)
	}
	if entry.expired(s.now()) {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *BadgerStore) set(txn *badger.Txn, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	e := badger.NewEntry([]byte(badgerKeyPrefix+entry.Key), data)
	if !entry.ExpiresAt.IsZero() {
		ttl := entry.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return nil
		}
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}
