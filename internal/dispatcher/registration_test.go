package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/store"
)

// registerEnvelope seeds the sender-side main register transaction and
// returns the matching register envelope.
func registerEnvelope(t *testing.T, d *Dispatcher, baseUUID, name string) *event.Envelope {
	t.Helper()
	ctx := context.Background()

	regTx, err := d.incomerStore(baseUUID).Set(ctx, store.Transaction{
		Name: event.Register,
		Metadata: event.Metadata{
			Origin:          baseUUID,
			Prefix:          testPrefix,
			MainTransaction: true,
		},
	})
	require.NoError(t, err)

	data, err := json.Marshal(event.RegistrationData{
		Name:            name,
		EventsCast:      []string{"e"},
		EventsSubscribe: []event.SubscribeTo{{Name: "accountingFolder"}},
	})
	require.NoError(t, err)

	return &event.Envelope{
		Name: event.Register,
		Data: data,
		Metadata: event.Metadata{
			Origin:        baseUUID,
			TransactionID: regTx.ID(),
			Prefix:        testPrefix,
		},
	}
}

func TestApproveIncomer(t *testing.T) {
	d, broker, _ := newTestDispatcher(t)
	d.forceActive()
	ctx := context.Background()

	env := registerEnvelope(t, d, uuid.NewString(), "ledger")
	require.NoError(t, d.approveIncomer(ctx, env))

	incomers := registrySnapshot(t, d)
	require.Len(t, incomers, 1)
	var inc store.Incomer
	for _, v := range incomers {
		inc = v
	}
	assert.Equal(t, "ledger", inc.Name)
	assert.Equal(t, env.Metadata.Origin, inc.BaseUUID)
	assert.Equal(t, testNow, inc.AliveSince)
	assert.False(t, inc.IsDispatcherActiveInstance)

	// One open approvement awaiting the incomer's resolve.
	dtxs := dispatcherTxs(t, d)
	require.Len(t, dtxs, 1)
	for _, tx := range dtxs {
		assert.Equal(t, event.Approvement, tx.Name)
		assert.Equal(t, inc.ProvidedUUID, tx.Metadata.To)
		assert.Equal(t, env.Metadata.TransactionID, tx.Metadata.RelatedTransaction)
	}

	require.Len(t, broker.Published(store.DispatcherChannel(testPrefix)), 1)
}

func TestApproveIncomerSelfRegistration(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.forceActive()

	env := registerEnvelope(t, d, d.selfProvidedUUID, "dispatcher")
	require.NoError(t, d.approveIncomer(context.Background(), env))

	for _, inc := range registrySnapshot(t, d) {
		assert.True(t, inc.IsDispatcherActiveInstance)
	}
}

func TestApproveIncomerDuplicateBaseUUID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.forceActive()
	ctx := context.Background()

	baseUUID := uuid.NewString()
	require.NoError(t, d.approveIncomer(ctx, registerEnvelope(t, d, baseUUID, "ledger")))

	err := d.approveIncomer(ctx, registerEnvelope(t, d, baseUUID, "ledger"))
	require.ErrorIs(t, err, ErrDuplicateRegistration)

	// The rejected attempt's approvement is rolled back; only the first
	// registration's transaction and record remain.
	assert.Len(t, dispatcherTxs(t, d), 1)
	assert.Len(t, registrySnapshot(t, d), 1)
}

func TestApproveIncomerMissingRegistrationTransaction(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.forceActive()

	env := &event.Envelope{
		Name: event.Register,
		Metadata: event.Metadata{
			Origin:        uuid.NewString(),
			TransactionID: uuid.NewString(),
			Prefix:        testPrefix,
		},
	}
	err := d.approveIncomer(context.Background(), env)
	require.ErrorIs(t, err, ErrMissingRegistrationTransaction)
	assert.Empty(t, dispatcherTxs(t, d))
	assert.Empty(t, registrySnapshot(t, d))
}
