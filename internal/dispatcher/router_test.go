package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/repo"
	"github.com/edirooss/evbus/internal/store"
)

func TestFanOutSingleSubscriber(t *testing.T) {
	d, broker, _ := newTestDispatcher(t)
	d.forceActive()
	ctx := context.Background()

	pub := seedIncomer(t, d, "billing", []string{"accountingFolder"}, nil, aliveLastActivity)
	sub := seedIncomer(t, d, "journal", nil,
		[]event.SubscribeTo{{Name: "accountingFolder"}}, aliveLastActivity)

	main := seedMain(t, d, pub, "accountingFolder", json.RawMessage(`{"folder":42}`))
	require.NoError(t, d.fanOut(ctx, main.Envelope()))

	dtxs := dispatcherTxs(t, d)
	require.Len(t, dtxs, 1)
	for _, child := range dtxs {
		assert.Equal(t, sub.ProvidedUUID, child.Metadata.To)
		assert.Equal(t, main.ID(), child.Metadata.RelatedTransaction)
		assert.Equal(t, main.ID(), child.Metadata.EventTransactionID)
		assert.False(t, child.Main())
		assert.False(t, child.Resolved())
	}

	msgs := broker.Published(store.IncomerChannel(testPrefix, sub.ProvidedUUID))
	require.Len(t, msgs, 1)
	env := decodeEnvelope(t, msgs[0].Payload)
	assert.Equal(t, "accountingFolder", env.Name)
	assert.Equal(t, d.privateUUID, env.Metadata.Origin)
	assert.JSONEq(t, `{"folder":42}`, string(env.Data))

	// The sender's main is flagged published and its activity bumped.
	stored := incomerTxs(t, d, pub)[main.ID()]
	assert.True(t, stored.Published)
	assert.Equal(t, testNow, registrySnapshot(t, d)[pub.ProvidedUUID].LastActivity)
}

func TestFanOutNoSubscriberParksEvent(t *testing.T) {
	d, _, kv := newTestDispatcher(t)
	d.forceActive()
	ctx := context.Background()

	pub := seedIncomer(t, d, "billing", []string{"accountingFolder"}, nil, aliveLastActivity)
	main := seedMain(t, d, pub, "accountingFolder", json.RawMessage(`{"folder":7}`))

	require.NoError(t, d.fanOut(ctx, main.Envelope()))

	assert.Empty(t, dispatcherTxs(t, d))

	parked, err := d.backupDispatcher.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	for _, b := range parked {
		assert.Empty(t, b.Metadata.To)
		assert.Equal(t, main.ID(), b.Metadata.RelatedTransaction)
		assert.False(t, b.Resolved())
	}

	assert.True(t, incomerTxs(t, d, pub)[main.ID()].Published)
	assert.True(t, kv.Has(store.BackupDispatcherTransactionsKey(testPrefix)))
}

func TestFanOutHorizontalScaleFilter(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.forceActive()
	ctx := context.Background()

	pub := seedIncomer(t, d, "source", []string{"e"}, nil, aliveLastActivity)
	workers := []store.Incomer{
		seedIncomer(t, d, "workers", nil, []event.SubscribeTo{{Name: "e"}}, aliveLastActivity),
		seedIncomer(t, d, "workers", nil, []event.SubscribeTo{{Name: "e"}}, aliveLastActivity),
		seedIncomer(t, d, "workers", nil, []event.SubscribeTo{{Name: "e"}}, aliveLastActivity),
	}
	mirrors := []store.Incomer{
		seedIncomer(t, d, "mirrors", nil, []event.SubscribeTo{{Name: "e", HorizontalScale: true}}, aliveLastActivity),
		seedIncomer(t, d, "mirrors", nil, []event.SubscribeTo{{Name: "e", HorizontalScale: true}}, aliveLastActivity),
	}

	main := seedMain(t, d, pub, "e", nil)
	require.NoError(t, d.fanOut(ctx, main.Envelope()))

	// One delivery for the non-scaled worker group, one per mirror replica.
	dtxs := dispatcherTxs(t, d)
	require.Len(t, dtxs, 3)

	targets := make(map[string]bool)
	for _, child := range dtxs {
		targets[child.Metadata.To] = true
	}
	workerHits := 0
	for _, w := range workers {
		if targets[w.ProvidedUUID] {
			workerHits++
		}
	}
	assert.Equal(t, 1, workerHits)
	for _, m := range mirrors {
		assert.True(t, targets[m.ProvidedUUID])
	}
}

func TestFanOutMissingMain(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.forceActive()

	pub := seedIncomer(t, d, "billing", []string{"e"}, nil, aliveLastActivity)
	env := &event.Envelope{
		Name: "e",
		Metadata: event.Metadata{
			Origin:        pub.ProvidedUUID,
			TransactionID: uuid.NewString(),
			Prefix:        testPrefix,
		},
	}

	err := d.fanOut(context.Background(), env)
	require.ErrorIs(t, err, ErrMissingMainTransaction)
	assert.Empty(t, dispatcherTxs(t, d))
}

func TestHandleMessagePassiveSignalsForeignOK(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	okCh := make(chan struct{}, 1)
	d.mu.Lock()
	d.okCh = okCh
	d.mu.Unlock()

	payload, err := json.Marshal(&event.Envelope{
		Name:     event.OK,
		Metadata: event.Metadata{Origin: uuid.NewString(), Prefix: testPrefix},
	})
	require.NoError(t, err)

	d.handleMessage(context.Background(), repo.Message{
		Channel: store.DispatcherChannel(testPrefix),
		Payload: payload,
	})

	select {
	case <-okCh:
	default:
		t.Fatal("foreign OK did not reach the election race")
	}
}

func TestHandleMessageIgnoresOwnOrigin(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.forceActive()

	payload, err := json.Marshal(&event.Envelope{
		Name:     "e",
		Metadata: event.Metadata{Origin: d.privateUUID, Prefix: testPrefix},
	})
	require.NoError(t, err)

	d.handleMessage(context.Background(), repo.Message{
		Channel: store.IncomerChannel(testPrefix, uuid.NewString()),
		Payload: payload,
	})
	assert.Empty(t, dispatcherTxs(t, d))
}

func TestHandleMessageRejectsUnknownEvent(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.forceActive()

	payload, err := json.Marshal(&event.Envelope{
		Name:     "mystery",
		Metadata: event.Metadata{Origin: uuid.NewString(), Prefix: testPrefix},
	})
	require.NoError(t, err)

	d.handleMessage(context.Background(), repo.Message{
		Channel: store.IncomerChannel(testPrefix, uuid.NewString()),
		Payload: payload,
	})
	assert.Empty(t, dispatcherTxs(t, d))
}

func TestHandleMessageMalformedPayload(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.forceActive()

	d.handleMessage(context.Background(), repo.Message{
		Channel: store.DispatcherChannel(testPrefix),
		Payload: []byte("{not json"),
	})
	assert.Empty(t, dispatcherTxs(t, d))
}

func TestHandleMessageRegistersOnDispatcherChannel(t *testing.T) {
	d, broker, _ := newTestDispatcher(t)
	d.forceActive()
	ctx := context.Background()

	baseUUID := uuid.NewString()
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
		Name:       "ledger",
		EventsCast: []string{"e"},
	})
	require.NoError(t, err)
	payload, err := json.Marshal(&event.Envelope{
		Name: event.Register,
		Data: data,
		Metadata: event.Metadata{
			Origin:        baseUUID,
			TransactionID: regTx.ID(),
			Prefix:        testPrefix,
		},
	})
	require.NoError(t, err)

	d.handleMessage(ctx, repo.Message{
		Channel: store.DispatcherChannel(testPrefix),
		Payload: payload,
	})

	incomers := registrySnapshot(t, d)
	require.Len(t, incomers, 1)
	var approved store.Incomer
	for _, inc := range incomers {
		approved = inc
	}
	assert.Equal(t, "ledger", approved.Name)
	assert.Equal(t, baseUUID, approved.BaseUUID)

	msgs := broker.Published(store.DispatcherChannel(testPrefix))
	require.Len(t, msgs, 1)
	env := decodeEnvelope(t, msgs[0].Payload)
	assert.Equal(t, event.Approvement, env.Name)
	assert.Equal(t, regTx.ID(), env.Metadata.RelatedTransaction)

	var ack event.ApprovementData
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, approved.ProvidedUUID, ack.UUID)
}
