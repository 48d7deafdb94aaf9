package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/repo"
)

// ErrTransactionNotFound means the transaction id is absent from the store.
var ErrTransactionNotFound = errors.New("transaction not found")

// Transaction is one side of a tracked message: the envelope as it went
// over the wire plus the bookkeeping the reconciler works with.
type Transaction struct {
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata event.Metadata  `json:"redisMetadata"`

	// Published is set on a publisher's main once fan-out has been issued.
	Published bool `json:"published,omitempty"`
	// AliveSince is the creation time in unix millis.
	AliveSince int64 `json:"aliveSince"`
}

// ID returns the transaction id assigned at store insert.
func (t *Transaction) ID() string { return t.Metadata.TransactionID }

// Main reports whether this is the original, publisher-held side.
func (t *Transaction) Main() bool { return t.Metadata.MainTransaction }

// Resolved reports whether the receiving side acknowledged the work.
func (t *Transaction) Resolved() bool { return t.Metadata.Resolved }

// Envelope renders the transaction back into its wire form.
func (t *Transaction) Envelope() *event.Envelope {
	return &event.Envelope{Name: t.Name, Data: t.Data, Metadata: t.Metadata}
}

// TransactionStore is a keyed collection of transactions bound to one
// {prefix, instance} pair. The whole map lives under a single Redis key;
// every operation is a read-modify-write of that map.
//
// Concurrent writers to the same store may race; the dispatcher is the only
// writer to dispatcher-side stores and the only remote writer to an
// incomer's store during reconciliation, which bounds the race window. A
// lost update retries on the next reconciliation tick.
type TransactionStore struct {
	kv  repo.ObjectStore
	key string
	log *zap.Logger

	// Now is the timestamp source, replaceable in tests.
	Now func() int64
}

// NewTransactionStore binds a store to its Redis key (see keys.go).
func NewTransactionStore(log *zap.Logger, kv repo.ObjectStore, key string) *TransactionStore {
	return &TransactionStore{
		kv:  kv,
		key: key,
		log: log.Named("transactions"),
		Now: NowMillis,
	}
}

// Key returns the Redis key the store is bound to.
func (s *TransactionStore) Key() string { return s.key }

// GetAll returns the full transaction map. A missing key reads as empty.
func (s *TransactionStore) GetAll(ctx context.Context) (map[string]Transaction, error) {
	out := make(map[string]Transaction)
	if _, err := s.kv.GetJSON(ctx, s.key, &out); err != nil {
		return nil, fmt.Errorf("get all: %w", err)
	}
	return out, nil
}

// Get returns the transaction with the given id, or nil when absent.
func (s *TransactionStore) Get(ctx context.Context, id string) (*Transaction, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	tx, ok := all[id]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

// Set inserts a new transaction: assigns a fresh UUID, stamps aliveSince,
// and writes the map back. Returns the stored value.
func (s *TransactionStore) Set(ctx context.Context, tx Transaction) (Transaction, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return Transaction{}, err
	}

	tx.Metadata.TransactionID = uuid.NewString()
	tx.AliveSince = s.Now()

	all[tx.Metadata.TransactionID] = tx
	if err := s.kv.SetJSON(ctx, s.key, all); err != nil {
		return Transaction{}, fmt.Errorf("set: %w", err)
	}
	return tx, nil
}

// Update replaces the transaction with the given id in place. The id is
// preserved; inserting under a foreign id this way is how transactions
// migrate between stores without losing their identity.
func (s *TransactionStore) Update(ctx context.Context, id string, tx Transaction) error {
	all, err := s.GetAll(ctx)
	if err != nil {
		return err
	}

	tx.Metadata.TransactionID = id
	all[id] = tx
	if err := s.kv.SetJSON(ctx, s.key, all); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	return nil
}

// Delete removes the transaction with the given id. When the map becomes
// empty the key itself is deleted.
func (s *TransactionStore) Delete(ctx context.Context, id string) error {
	all, err := s.GetAll(ctx)
	if err != nil {
		return err
	}
	if _, ok := all[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}

	delete(all, id)
	if len(all) == 0 {
		if err := s.kv.Delete(ctx, s.key); err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
		return nil
	}
	if err := s.kv.SetJSON(ctx, s.key, all); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Drop removes the whole store key.
func (s *TransactionStore) Drop(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("drop: %w", err)
	}
	return nil
}
