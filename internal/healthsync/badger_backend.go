package healthsync

import (
	"errors"
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

// BadgerVersionBackend stores versions in an embedded Badger database.
// This is the on-device default: durable, crash-safe, and kept out of the
// plain-JSON record tree.
type BadgerVersionBackend struct {
	db *badger.DB
}

func NewBadgerVersionBackend(dir string) (*BadgerVersionBackend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerVersionBackend{db: db}, nil
}

func (b *BadgerVersionBackend) Get(id string) (int64, bool, error) {
	var version int64
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, parseErr := strconv.ParseInt(string(val), 10, 64)
			if parseErr != nil {
				return parseErr
			}
			version = parsed
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, err
	}
	return version, found, nil
}

func (b *BadgerVersionBackend) Put(id string, version int64) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(id), []byte(strconv.FormatInt(version, 10)))
	})
}

func (b *BadgerVersionBackend) Close() error {
	return b.db.Close()
}
