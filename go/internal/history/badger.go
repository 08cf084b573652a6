package history

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

const sessionPrefix = "session"

// BadgerStore keeps session histories in an embedded badger database, msgpack encoded.
type BadgerStore struct {
	db     *badger.DB
	prefix []byte
}

// OpenBadger opens the database in dir. An empty dir keeps everything in memory.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadgerStore(db), nil
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, prefix: []byte(sessionPrefix + "/")}
}

func (b *BadgerStore) Name() string { return "badger" }

func (b *BadgerStore) buildKey(id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s/%s", sessionPrefix, id))
}

func (b *BadgerStore) Store(_ context.Context, h models.SessionHistory) error {
	buf, err := msgpack.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal session history: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.buildKey(h.Session.ID), buf)
	})
}

func (b *BadgerStore) Get(_ context.Context, sessionID uuid.UUID) (models.SessionHistory, error) {
	var h models.SessionHistory
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.buildKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &h)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.SessionHistory{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return models.SessionHistory{}, fmt.Errorf("failed to read session history: %w", err)
	}
	return h, nil
}

// List returns every stored session, oldest first.
func (b *BadgerStore) List(_ context.Context) ([]models.SessionHistory, error) {
	var out []models.SessionHistory
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(b.prefix); it.ValidForPrefix(b.prefix); it.Next() {
			var h models.SessionHistory
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &h)
			}); err != nil {
				return err
			}
			out = append(out, h)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list session histories: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Session.CreatedAt.Before(out[j].Session.CreatedAt)
	})
	return out, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
