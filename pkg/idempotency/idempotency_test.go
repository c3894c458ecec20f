package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suprimo/suprimo/pkg/config"
	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/types"
)

func testGuardConfig() config.IdempotencyConfig {
	return config.IdempotencyConfig{
		TTL:      2 * time.Hour,
		LeaseTTL: 5 * time.Minute,
	}
}

func newTestGuard(t *testing.T) (*Guard, docstore.Store) {
	t.Helper()
	ds, err := docstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return NewGuard(ds, testGuardConfig()), ds
}

func TestFingerprintStableUnderParamOrder(t *testing.T) {
	now := time.Now()
	a := Fingerprint("order_create", map[string]any{"supplierId": "s1", "quotationId": "q1"}, now, time.Hour)
	b := Fingerprint("order_create", map[string]any{"quotationId": "q1", "supplierId": "s1"}, now, time.Hour)
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersAcrossOperations(t *testing.T) {
	now := time.Now()
	params := map[string]any{"quotationId": "q1"}
	assert.NotEqual(t,
		Fingerprint("order_create", params, now, time.Hour),
		Fingerprint("quotation_create", params, now, time.Hour))
}

func TestFingerprintChangesAcrossBuckets(t *testing.T) {
	params := map[string]any{"quotationId": "q1"}
	t0 := time.Unix(0, 0)
	t1 := t0.Add(time.Hour + time.Minute)
	assert.NotEqual(t,
		Fingerprint("op", params, t0, time.Hour),
		Fingerprint("op", params, t1, time.Hour))
}

func TestKeyShape(t *testing.T) {
	fp := Fingerprint("order_create", nil, time.Now(), time.Hour)
	key := Key("order_create", fp)
	assert.Equal(t, "order_create_"+fp[:16], key)
}

func TestExecuteRunsOnceAndCaches(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context) (map[string]any, error) {
		calls++
		return map[string]any{"orderId": "order_q1"}, nil
	}
	params := map[string]any{"quotationId": "q1"}

	res, err := g.Execute(ctx, "order_create", params, fn, nil)
	require.NoError(t, err)
	assert.Equal(t, "executed", res.Source)
	assert.Equal(t, "order_q1", res.Value["orderId"])

	res, err = g.Execute(ctx, "order_create", params, fn, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", res.Source)
	assert.Equal(t, "order_q1", res.Value["orderId"])
	assert.Equal(t, 1, calls)
}

func TestExecuteHitsStoreWhenMemoryCold(t *testing.T) {
	g, ds := newTestGuard(t)
	ctx := context.Background()

	params := map[string]any{"quotationId": "q1"}
	_, err := g.Execute(ctx, "op", params, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"v": "1"}, nil
	}, nil)
	require.NoError(t, err)

	// A fresh guard simulates another process with a cold cache
	other := NewGuard(ds, testGuardConfig())
	calls := 0
	res, err := other.Execute(ctx, "op", params, func(ctx context.Context) (map[string]any, error) {
		calls++
		return map[string]any{"v": "2"}, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "store", res.Source)
	assert.Equal(t, "1", res.Value["v"])
	assert.Equal(t, 0, calls)
}

func TestExecutePersistsFailure(t *testing.T) {
	g, ds := newTestGuard(t)
	ctx := context.Background()

	wantErr := types.NewError(types.CodeValidation, "bad input")
	params := map[string]any{"quotationId": "q1"}
	_, err := g.Execute(ctx, "op", params, func(ctx context.Context) (map[string]any, error) {
		return nil, wantErr
	}, nil)
	assert.ErrorIs(t, err, wantErr)

	now := time.Now().UTC()
	key := Key("op", Fingerprint("op", params, now, testGuardConfig().TTL))
	var rec types.IdempotencyRecord
	require.NoError(t, ds.Get(ctx, types.CollectionIdempotencyKeys, key, &rec))
	assert.Equal(t, types.IdempotencyFailed, rec.Status)
	assert.Contains(t, rec.Error, "bad input")

	// A failed record does not suppress re-execution
	res, err := g.Execute(ctx, "op", params, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"v": "retried"}, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "executed", res.Source)
}

func TestConflictStrategyFail(t *testing.T) {
	g, ds := newTestGuard(t)
	ctx := context.Background()

	params := map[string]any{"quotationId": "q1"}
	now := time.Now().UTC()
	key := Key("op", Fingerprint("op", params, now, testGuardConfig().TTL))
	lease := now
	require.NoError(t, ds.Set(ctx, types.CollectionIdempotencyKeys, key, types.IdempotencyRecord{
		Key: key, Operation: "op", Status: types.IdempotencyProcessing,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		ProcessorID: "other", LeaseAt: &lease,
	}))

	_, err := g.Execute(ctx, "op", params, func(ctx context.Context) (map[string]any, error) {
		t.Fatal("fn must not run")
		return nil, nil
	}, &Options{Strategy: Fail})
	assert.True(t, types.IsCode(err, types.CodeConflict))
}

func TestConflictStrategyExecuteAnyway(t *testing.T) {
	g, ds := newTestGuard(t)
	ctx := context.Background()

	params := map[string]any{"quotationId": "q1"}
	now := time.Now().UTC()
	key := Key("op", Fingerprint("op", params, now, testGuardConfig().TTL))
	lease := now
	require.NoError(t, ds.Set(ctx, types.CollectionIdempotencyKeys, key, types.IdempotencyRecord{
		Key: key, Operation: "op", Status: types.IdempotencyProcessing,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		ProcessorID: "other", LeaseAt: &lease,
	}))

	res, err := g.Execute(ctx, "op", params, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"v": "forced"}, nil
	}, &Options{Strategy: ExecuteAnyway})
	require.NoError(t, err)
	assert.Equal(t, "executed", res.Source)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ds, err := docstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	cfg := testGuardConfig()
	cfg.LeaseTTL = time.Millisecond
	g := NewGuard(ds, cfg)
	ctx := context.Background()

	params := map[string]any{"quotationId": "q1"}
	now := time.Now().UTC()
	key := Key("op", Fingerprint("op", params, now, cfg.TTL))
	stale := now.Add(-time.Second)
	require.NoError(t, ds.Set(ctx, types.CollectionIdempotencyKeys, key, types.IdempotencyRecord{
		Key: key, Operation: "op", Status: types.IdempotencyProcessing,
		CreatedAt: stale, ExpiresAt: now.Add(time.Hour),
		ProcessorID: "crashed", LeaseAt: &stale,
	}))

	res, err := g.Execute(ctx, "op", params, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"v": "reclaimed"}, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "executed", res.Source)
}

func TestExpiredCompletedRecordReexecutes(t *testing.T) {
	g, ds := newTestGuard(t)
	ctx := context.Background()

	params := map[string]any{"quotationId": "q1"}
	now := time.Now().UTC()
	key := Key("op", Fingerprint("op", params, now, testGuardConfig().TTL))
	require.NoError(t, ds.Set(ctx, types.CollectionIdempotencyKeys, key, types.IdempotencyRecord{
		Key: key, Operation: "op", Status: types.IdempotencyCompleted,
		Result:    map[string]any{"v": "stale"},
		CreatedAt: now.Add(-3 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	res, err := g.Execute(ctx, "op", params, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"v": "fresh"}, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "executed", res.Source)
	assert.Equal(t, "fresh", res.Value["v"])
}

func TestCacheEviction(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	for i := 0; i < maxCacheEntries+10; i++ {
		_, err := g.Execute(ctx, "op", map[string]any{"n": i},
			func(ctx context.Context) (map[string]any, error) {
				return map[string]any{}, nil
			}, nil)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, g.CacheSize(), maxCacheEntries)
}
