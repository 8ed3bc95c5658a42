package wallet

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps encrypted identities in a BadgerDB key-value store.
type BadgerStore struct {
	db       *badger.DB
	password string
}

// NewBadgerStore opens (or creates) the BadgerDB wallet at dbPath.
func NewBadgerStore(dbPath, masterPassword string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB wallet: %w", err)
	}

	return &BadgerStore{db: db, password: masterPassword}, nil
}

func identityKey(id string) []byte {
	return []byte("identity:" + id)
}

// Put stores the encrypted identity, replacing any previous entry.
func (b *BadgerStore) Put(id *Identity) error {
	if id == nil || id.ID == "" {
		return fmt.Errorf("identity id is required")
	}

	data, err := seal(id, b.password)
	if err != nil {
		return fmt.Errorf("failed to encrypt identity: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(identityKey(id.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}

	return nil
}

// Get loads and decrypts an identity, returning ErrNotFound when absent.
func (b *BadgerStore) Get(id string) (*Identity, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(identityKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to retrieve identity: %w", err)
	}

	return open(data, b.password)
}

// Remove deletes the identity.
func (b *BadgerStore) Remove(id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(identityKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(identityKey(id))
	})
}

// List returns the ids of all stored identities.
func (b *BadgerStore) List() ([]string, error) {
	var ids []string
	prefix := []byte("identity:")

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})

	return ids, err
}

// Close closes the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// HealthCheck verifies the database accepts transactions.
func (b *BadgerStore) HealthCheck() error {
	return b.db.View(func(txn *badger.Txn) error {
		return nil
	})
}
