package lock

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

func testConfig() config.LockConfig {
	return config.LockConfig{
		TTL:        5 * time.Second,
		Heartbeat:  0, // no heartbeat in tests unless set explicitly
		MaxRetries: 1,
		RetryBase:  5 * time.Millisecond,
		RetryMax:   20 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, cfg config.LockConfig) (*Manager, docstore.Store) {
	t.Helper()
	ds, err := docstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return NewManager(ds, cfg), ds
}

func TestLockID(t *testing.T) {
	assert.Equal(t, "order-creation:q1", LockID("order-creation", "q1"))
	assert.Equal(t, "scope:a_b_c", LockID("scope", "a/b\\c"))
}

func TestAcquireAndRelease(t *testing.T) {
	mgr, ds := newTestManager(t, testConfig())
	ctx := context.Background()

	h, err := mgr.Acquire(ctx, "order-creation", "q1", nil)
	require.NoError(t, err)
	assert.Equal(t, "order-creation:q1", h.ID)
	assert.NotEmpty(t, h.HolderID)

	var rec types.LockRecord
	require.NoError(t, ds.Get(ctx, types.CollectionLocks, h.ID, &rec))
	assert.Equal(t, h.HolderID, rec.HolderID)
	assert.True(t, rec.ExpiresAt.After(time.Now()))

	require.NoError(t, h.Release(ctx))
	assert.True(t, docstore.IsNotFound(ds.Get(ctx, types.CollectionLocks, h.ID, &rec)))
}

func TestAcquireHeldLockFails(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	h, err := mgr.Acquire(ctx, "s", "r", nil)
	require.NoError(t, err)
	defer h.Release(ctx)

	_, err = mgr.Acquire(ctx, "s", "r", nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeLockUnavailable))
}

func TestAcquireTakesOverExpiredLock(t *testing.T) {
	mgr, ds := newTestManager(t, testConfig())
	ctx := context.Background()

	// A stale record from a crashed holder, expired one millisecond ago
	now := time.Now().UTC()
	require.NoError(t, ds.Set(ctx, types.CollectionLocks, "s:r", types.LockRecord{
		ID:         "s:r",
		HolderID:   "dead-holder",
		AcquiredAt: now.Add(-time.Minute),
		ExpiresAt:  now.Add(-time.Millisecond),
	}))

	h, err := mgr.Acquire(ctx, "s", "r", nil)
	require.NoError(t, err)
	defer h.Release(ctx)

	var rec types.LockRecord
	require.NoError(t, ds.Get(ctx, types.CollectionLocks, "s:r", &rec))
	assert.Equal(t, h.HolderID, rec.HolderID)
	assert.NotEqual(t, "dead-holder", rec.HolderID)
}

func TestAcquireRetriesUntilAvailable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 10
	mgr, ds := newTestManager(t, cfg)
	ctx := context.Background()

	// Lock that expires shortly; retries should win it without takeover help
	now := time.Now().UTC()
	require.NoError(t, ds.Set(ctx, types.CollectionLocks, "s:r", types.LockRecord{
		ID: "s:r", HolderID: "other", ExpiresAt: now.Add(50 * time.Millisecond),
	}))

	h, err := mgr.Acquire(ctx, "s", "r", nil)
	require.NoError(t, err)
	h.Release(ctx)
}

func TestReleaseMissingLockSucceeds(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	assert.NoError(t, mgr.Release(context.Background(), "s:r", "whoever"))
}

func TestReleaseWrongHolderFails(t *testing.T) {
	mgr, ds := newTestManager(t, testConfig())
	ctx := context.Background()

	h, err := mgr.Acquire(ctx, "s", "r", nil)
	require.NoError(t, err)
	defer h.Release(ctx)

	err = mgr.Release(ctx, h.ID, "intruder")
	assert.True(t, types.IsCode(err, types.CodeConflict))

	var rec types.LockRecord
	require.NoError(t, ds.Get(ctx, types.CollectionLocks, h.ID, &rec))
	assert.Equal(t, h.HolderID, rec.HolderID)
}

func TestDoubleReleaseIsSafe(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	h, err := mgr.Acquire(ctx, "s", "r", nil)
	require.NoError(t, err)

	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))
}

func TestExtendVerifiesHolder(t *testing.T) {
	mgr, ds := newTestManager(t, testConfig())
	ctx := context.Background()

	h, err := mgr.Acquire(ctx, "s", "r", nil)
	require.NoError(t, err)
	defer h.Release(ctx)

	require.NoError(t, mgr.Extend(ctx, h.ID, h.HolderID, 10*time.Second))

	var rec types.LockRecord
	require.NoError(t, ds.Get(ctx, types.CollectionLocks, h.ID, &rec))
	assert.Equal(t, int64(1), rec.Heartbeats)

	err = mgr.Extend(ctx, h.ID, "intruder", 10*time.Second)
	assert.True(t, types.IsCode(err, types.CodeLockUnavailable))
}

func TestHeartbeatExtendsLease(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = 200 * time.Millisecond
	cfg.Heartbeat = 50 * time.Millisecond
	mgr, ds := newTestManager(t, cfg)
	ctx := context.Background()

	h, err := mgr.Acquire(ctx, "s", "r", nil)
	require.NoError(t, err)
	defer h.Release(ctx)

	// Without heartbeats the lock would expire inside this window
	time.Sleep(400 * time.Millisecond)

	var rec types.LockRecord
	require.NoError(t, ds.Get(ctx, types.CollectionLocks, h.ID, &rec))
	assert.True(t, rec.ExpiresAt.After(time.Now()))
	assert.Greater(t, rec.Heartbeats, int64(0))
}

func TestIsLocked(t *testing.T) {
	mgr, ds := newTestManager(t, testConfig())
	ctx := context.Background()

	locked, err := mgr.IsLocked(ctx, "s", "r")
	require.NoError(t, err)
	assert.False(t, locked)

	h, err := mgr.Acquire(ctx, "s", "r", nil)
	require.NoError(t, err)

	locked, err = mgr.IsLocked(ctx, "s", "r")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, h.Release(ctx))

	// An expired record reports unlocked even before cleanup
	require.NoError(t, ds.Set(ctx, types.CollectionLocks, "s:r", types.LockRecord{
		ID: "s:r", HolderID: "stale", ExpiresAt: time.Now().UTC().Add(-time.Second),
	}))
	locked, err = mgr.IsLocked(ctx, "s", "r")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestWithLockRunsAndReleases(t *testing.T) {
	mgr, ds := newTestManager(t, testConfig())
	ctx := context.Background()

	ran := false
	err := mgr.WithLock(ctx, "s", "r", nil, func(ctx context.Context) error {
		ran = true
		locked, err := mgr.IsLocked(ctx, "s", "r")
		require.NoError(t, err)
		assert.True(t, locked)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	var rec types.LockRecord
	assert.True(t, docstore.IsNotFound(ds.Get(ctx, types.CollectionLocks, "s:r", &rec)))
}

func TestWithLockReleasesOnError(t *testing.T) {
	mgr, ds := newTestManager(t, testConfig())
	ctx := context.Background()

	wantErr := types.NewError(types.CodeValidation, "boom")
	err := mgr.WithLock(ctx, "s", "r", nil, func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	var rec types.LockRecord
	assert.True(t, docstore.IsNotFound(ds.Get(ctx, types.CollectionLocks, "s:r", &rec)))
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	mgr, ds := newTestManager(t, testConfig())
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = mgr.WithLock(ctx, "s", "r", nil, func(ctx context.Context) error {
			panic("boom")
		})
	})

	var rec types.LockRecord
	assert.True(t, docstore.IsNotFound(ds.Get(ctx, types.CollectionLocks, "s:r", &rec)))
}

func TestWithLockUnavailableSkipsFn(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	h, err := mgr.Acquire(ctx, "s", "r", nil)
	require.NoError(t, err)
	defer h.Release(ctx)

	ran := false
	err = mgr.WithLock(ctx, "s", "r", nil, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, types.IsCode(err, types.CodeLockUnavailable))
	assert.False(t, ran)
}

func TestReleaseAll(t *testing.T) {
	mgr, ds := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "s", "a", nil)
	require.NoError(t, err)
	_, err = mgr.Acquire(ctx, "s", "b", nil)
	require.NoError(t, err)

	mgr.ReleaseAll(ctx)

	var rec types.LockRecord
	assert.True(t, docstore.IsNotFound(ds.Get(ctx, types.CollectionLocks, "s:a", &rec)))
	assert.True(t, docstore.IsNotFound(ds.Get(ctx, types.CollectionLocks, "s:b", &rec)))
}

func TestAcquireOptionsOverrideTTL(t *testing.T) {
	mgr, ds := newTestManager(t, testConfig())
	ctx := context.Background()

	h, err := mgr.Acquire(ctx, "s", "r", &AcquireOptions{
		TTL:      time.Hour,
		Metadata: map[string]string{"reason": "stock-burst"},
	})
	require.NoError(t, err)
	defer h.Release(ctx)

	var rec types.LockRecord
	require.NoError(t, ds.Get(ctx, types.CollectionLocks, h.ID, &rec))
	assert.True(t, rec.ExpiresAt.After(time.Now().Add(50*time.Minute)))
	assert.Equal(t, "stock-burst", rec.Metadata["reason"])
}
