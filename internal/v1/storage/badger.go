package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore is the production single-node backend on BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions configures OpenBadger.
type BadgerOptions struct {
	Path string
	// InMemory runs badger without disk files. Used by tests.
	InMemory bool
}

// OpenBadger opens (creating if needed) a badger database at opts.Path.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	badgerOpts = badgerOpts.WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", opts.Path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value json.RawMessage
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BadgerStore) Put(ctx context.Context, key string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Prefix = []byte(opts.Prefix)
		it := txn.NewIterator(itOpts)
		defer it.Close()

		seek := []byte(opts.Prefix)
		if opts.Start != "" && opts.Start > opts.Prefix {
			seek = []byte(opts.Start)
		}

		for it.Seek(seek); it.Valid(); it.Next() {
			if opts.Limit > 0 && len(entries) >= opts.Limit {
				break
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Key: string(item.KeyCopy(nil)), Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *BadgerStore) DeleteAll(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return clearPrefixTxn(txn, prefix)
	})
}

func (s *BadgerStore) Apply(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range batch.Ops {
			switch op.Kind {
			case OpPut:
				if err := txn.Set([]byte(op.Key), op.Value); err != nil {
					return err
				}
			case OpDelete:
				if err := txn.Delete([]byte(op.Key)); err != nil {
					return err
				}
			case OpClearPrefix:
				if err := clearPrefixTxn(txn, op.Prefix); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// clearPrefixTxn deletes all keys under prefix within txn. Keys are collected
// before deleting because badger iterators do not allow concurrent writes.
func clearPrefixTxn(txn *badger.Txn, prefix string) error {
	itOpts := badger.DefaultIteratorOptions
	itOpts.Prefix = []byte(prefix)
	itOpts.PrefetchValues = false
	it := txn.NewIterator(itOpts)

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.Opts().InMemory {
		return nil
	}
	return s.db.Sync()
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
