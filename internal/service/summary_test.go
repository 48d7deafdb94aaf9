package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/dispatcher"
	"github.com/edirooss/evbus/internal/repo/repotest"
)

func newTestSummaryService(t *testing.T, opts SummaryOptions) *SummaryService {
	t.Helper()
	d := dispatcher.New(zap.NewNop(), repotest.NewMemBroker(), repotest.NewMemKV(), nil, dispatcher.Options{Prefix: "t-"})
	t.Cleanup(func() { _ = d.Close() })
	return NewSummaryService(zap.NewNop(), d, opts)
}

func TestSummaryGetCachesWithinTTL(t *testing.T) {
	svc := newTestSummaryService(t, SummaryOptions{TTL: time.Minute})
	ctx := context.Background()

	first, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, BusSummary{}, first.Data)

	second, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.GeneratedAt, second.GeneratedAt)
}

func TestSummaryInvalidateForcesRefresh(t *testing.T) {
	svc := newTestSummaryService(t, SummaryOptions{TTL: time.Minute})
	ctx := context.Background()

	_, err := svc.Get(ctx)
	require.NoError(t, err)
	svc.Invalidate()

	res, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
}

func TestSummaryExpiredSnapshotRefreshes(t *testing.T) {
	svc := newTestSummaryService(t, SummaryOptions{TTL: time.Nanosecond})
	ctx := context.Background()

	_, err := svc.Get(ctx)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	res, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
}
