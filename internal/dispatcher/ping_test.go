package dispatcher

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/store"
)

func TestPingRound(t *testing.T) {
	d, broker, _ := newTestDispatcher(t)
	d.forceActive()
	ctx := context.Background()

	// The dispatcher's own record is bumped in place; the peer gets a probe.
	selfUUID, err := d.registry.SetIncomer(ctx, store.Incomer{
		BaseUUID:                   d.selfProvidedUUID,
		Name:                       "dispatcher",
		Prefix:                     testPrefix,
		AliveSince:                 staleLastActivity,
		LastActivity:               staleLastActivity,
		IsDispatcherActiveInstance: true,
	})
	require.NoError(t, err)
	peer := seedIncomer(t, d, "journal", nil, nil, aliveLastActivity)

	require.NoError(t, d.pingRound(ctx))

	incomers := registrySnapshot(t, d)
	assert.Equal(t, testNow, incomers[selfUUID].LastActivity)
	assert.Equal(t, aliveLastActivity, incomers[peer.ProvidedUUID].LastActivity)

	dtxs := dispatcherTxs(t, d)
	require.Len(t, dtxs, 1)
	for _, tx := range dtxs {
		assert.Equal(t, event.Ping, tx.Name)
		assert.Equal(t, peer.ProvidedUUID, tx.Metadata.To)
		assert.True(t, tx.Main())
	}
	msgs := broker.Published(store.IncomerChannel(testPrefix, peer.ProvidedUUID))
	require.Len(t, msgs, 1)
	assert.Equal(t, event.Ping, decodeEnvelope(t, msgs[0].Payload).Name)
}

func TestActivitySweepEvictsIdleIncomer(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.forceActive()
	ctx := context.Background()

	stale := seedIncomer(t, d, "journal", nil, nil, staleLastActivity)
	fresh := seedIncomer(t, d, "billing", nil, nil, aliveLastActivity)

	require.NoError(t, d.activitySweep(ctx))

	incomers := registrySnapshot(t, d)
	assert.NotContains(t, incomers, stale.ProvidedUUID)
	assert.Contains(t, incomers, fresh.ProvidedUUID)
}

func TestActivitySweepSparesRecentPingAnswer(t *testing.T) {
	d, _, kv := newTestDispatcher(t)
	d.forceActive()
	ctx := context.Background()

	inc := seedIncomer(t, d, "journal", nil, nil, staleLastActivity)

	// A ping answer fresher than the idle window counts as activity.
	pingID := uuid.NewString()
	require.NoError(t, d.incomerStore(inc.ProvidedUUID).Update(ctx, pingID, store.Transaction{
		Name: event.Ping,
		Metadata: event.Metadata{
			Origin:   inc.ProvidedUUID,
			Prefix:   testPrefix,
			Resolved: true,
		},
		AliveSince: testNow - 1,
	}))

	require.NoError(t, d.activitySweep(ctx))

	incomers := registrySnapshot(t, d)
	require.Contains(t, incomers, inc.ProvidedUUID)
	assert.Equal(t, testNow, incomers[inc.ProvidedUUID].LastActivity)
	// The consumed ping is cleared with the store key.
	assert.False(t, kv.Has(store.IncomerTransactionsKey(testPrefix, inc.ProvidedUUID)))
}

func TestActivitySweepEvictsDespiteStalePing(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.forceActive()
	ctx := context.Background()

	inc := seedIncomer(t, d, "journal", nil, nil, staleLastActivity)

	staleAnswer := testNow - d.opts.IdleTime.Milliseconds() - 1
	require.NoError(t, d.incomerStore(inc.ProvidedUUID).Update(ctx, uuid.NewString(), store.Transaction{
		Name: event.Ping,
		Metadata: event.Metadata{
			Origin:   inc.ProvidedUUID,
			Prefix:   testPrefix,
			Resolved: true,
		},
		AliveSince: staleAnswer,
	}))

	require.NoError(t, d.activitySweep(ctx))
	assert.NotContains(t, registrySnapshot(t, d), inc.ProvidedUUID)
}
