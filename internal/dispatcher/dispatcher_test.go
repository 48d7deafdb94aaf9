package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/repo/repotest"
	"github.com/edirooss/evbus/internal/store"
)

// testNow is the frozen clock of the suite; incomers seeded with
// aliveLastActivity are comfortably inside the idle window, staleLastActivity
// far outside it.
const (
	testNow           = int64(1_000_000)
	aliveLastActivity = int64(999_000)
	staleLastActivity = int64(100)
	testPrefix        = "t-"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *repotest.MemBroker, *repotest.MemKV) {
	t.Helper()
	broker := repotest.NewMemBroker()
	kv := repotest.NewMemKV()

	d := New(zap.NewNop(), broker, kv, nil, Options{
		Prefix: testPrefix,
		EventsValidation: map[string]event.ValidateFunc{
			"accountingFolder": func(json.RawMessage) error { return nil },
			"e":                func(json.RawMessage) error { return nil },
		},
		MinElectionTimeout: time.Millisecond,
		MaxElectionTimeout: 2 * time.Millisecond,
	})
	d.now = func() int64 { return testNow }
	d.registry.Now = func() int64 { return testNow }
	t.Cleanup(func() { _ = d.Close() })
	return d, broker, kv
}

func (d *Dispatcher) forceActive() {
	d.mu.Lock()
	d.active = true
	d.mu.Unlock()
}

// seedIncomer inserts an approved incomer straight into the registry.
func seedIncomer(t *testing.T, d *Dispatcher, name string, casts []string, subs []event.SubscribeTo, lastActivity int64) store.Incomer {
	t.Helper()
	ctx := context.Background()

	providedUUID, err := d.registry.SetIncomer(ctx, store.Incomer{
		BaseUUID:        uuid.NewString(),
		Name:            name,
		EventsCast:      casts,
		EventsSubscribe: subs,
		Prefix:          testPrefix,
		AliveSince:      lastActivity,
		LastActivity:    lastActivity,
	})
	require.NoError(t, err)

	all, err := d.registry.GetIncomers(ctx)
	require.NoError(t, err)
	return all[providedUUID]
}

// seedMain records a publisher-held main transaction in the incomer's store.
func seedMain(t *testing.T, d *Dispatcher, inc store.Incomer, eventName string, data json.RawMessage) store.Transaction {
	t.Helper()

	tx, err := d.incomerStore(inc.ProvidedUUID).Set(context.Background(), store.Transaction{
		Name: eventName,
		Data: data,
		Metadata: event.Metadata{
			Origin:          inc.ProvidedUUID,
			IncomerName:     inc.Name,
			Prefix:          testPrefix,
			MainTransaction: true,
		},
	})
	require.NoError(t, err)
	return tx
}

// ackDispatcherChild writes the consumer-side resolved answer to a
// dispatcher child into the recipient's store.
func ackDispatcherChild(t *testing.T, d *Dispatcher, recipient store.Incomer, child store.Transaction) {
	t.Helper()

	err := d.incomerStore(recipient.ProvidedUUID).Update(context.Background(), uuid.NewString(), store.Transaction{
		Name: child.Name,
		Metadata: event.Metadata{
			Origin:             recipient.ProvidedUUID,
			Prefix:             testPrefix,
			RelatedTransaction: child.ID(),
			Resolved:           true,
		},
		AliveSince: testNow,
	})
	require.NoError(t, err)
}

func dispatcherTxs(t *testing.T, d *Dispatcher) map[string]store.Transaction {
	t.Helper()
	txs, err := d.transactions.GetAll(context.Background())
	require.NoError(t, err)
	return txs
}

func incomerTxs(t *testing.T, d *Dispatcher, inc store.Incomer) map[string]store.Transaction {
	t.Helper()
	txs, err := d.incomerStore(inc.ProvidedUUID).GetAll(context.Background())
	require.NoError(t, err)
	return txs
}

func registrySnapshot(t *testing.T, d *Dispatcher) map[string]store.Incomer {
	t.Helper()
	all, err := d.registry.GetIncomers(context.Background())
	require.NoError(t, err)
	return all
}

func decodeEnvelope(t *testing.T, payload []byte) event.Envelope {
	t.Helper()
	var env event.Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}
