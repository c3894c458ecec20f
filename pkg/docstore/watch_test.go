package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suprimo/suprimo/pkg/types"
)

func waitForEvent(t *testing.T, sub *Subscription) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}

func TestWatchReceivesCommittedChanges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub, err := store.Watch(ctx, Query{Collection: types.CollectionInventory})
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, store.Set(ctx, types.CollectionInventory, "i1",
		map[string]any{"id": "i1", "currentStock": 5}))

	ev := waitForEvent(t, sub)
	assert.Equal(t, ChangeAdded, ev.Kind)
	assert.Equal(t, "i1", ev.ID)
	assert.False(t, ev.Metadata.FromCache)
	assert.False(t, ev.Metadata.HasPendingWrites)

	require.NoError(t, store.Update(ctx, types.CollectionInventory, "i1",
		map[string]any{"currentStock": 3}))
	ev = waitForEvent(t, sub)
	assert.Equal(t, ChangeModified, ev.Kind)
	assert.Equal(t, 3.0, ev.Doc["currentStock"])

	require.NoError(t, store.Delete(ctx, types.CollectionInventory, "i1"))
	ev = waitForEvent(t, sub)
	assert.Equal(t, ChangeRemoved, ev.Kind)
	assert.Nil(t, ev.Doc)
}

func TestWatchFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub, err := store.Watch(ctx, Query{
		Collection: types.CollectionQuotations,
		Filters:    []Filter{Where("status", OpEq, "pending")},
	})
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, store.Set(ctx, types.CollectionQuotations, "q1",
		map[string]any{"id": "q1", "status": "awaiting"}))
	require.NoError(t, store.Set(ctx, types.CollectionQuotations, "q2",
		map[string]any{"id": "q2", "status": "pending"}))

	ev := waitForEvent(t, sub)
	assert.Equal(t, "q2", ev.ID)
}

func TestWatchIgnoresOtherCollections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub, err := store.Watch(ctx, Query{Collection: types.CollectionOrders})
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, store.Set(ctx, types.CollectionProducts, "p1",
		map[string]any{"id": "p1"}))
	require.NoError(t, store.Set(ctx, types.CollectionOrders, "o1",
		map[string]any{"id": "o1"}))

	ev := waitForEvent(t, sub)
	assert.Equal(t, "o1", ev.ID)
}

func TestWatchNotDeliveredOnRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub, err := store.Watch(ctx, Query{Collection: types.CollectionOrders})
	require.NoError(t, err)
	defer sub.Cancel()

	_ = store.RunInTransaction(ctx, func(tx Txn) error {
		if err := tx.Set(types.CollectionOrders, "o1", map[string]any{"id": "o1"}); err != nil {
			return err
		}
		return types.NewError(types.CodeValidation, "abort")
	})

	// A committed write after the rollback must be the first event observed
	require.NoError(t, store.Set(ctx, types.CollectionOrders, "o2", map[string]any{"id": "o2"}))
	ev := waitForEvent(t, sub)
	assert.Equal(t, "o2", ev.ID)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	n := newNotifier()
	defer n.stop()

	sub := n.subscribe(Query{Collection: types.CollectionInventory})
	defer sub.Cancel()

	// Nobody is draining; publishes past the buffer must not block
	for i := 0; i < subscriberBuffer+10; i++ {
		n.publish(ChangeEvent{
			Kind:       ChangeAdded,
			Collection: types.CollectionInventory,
			ID:         "i1",
		})
	}

	var delivered int
	for {
		select {
		case _, ok := <-sub.Events:
			if !ok {
				t.Fatal("subscription closed unexpectedly")
			}
			delivered++
		default:
			assert.Equal(t, subscriberBuffer, delivered)
			return
		}
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	store := newTestStore(t)

	sub, err := store.Watch(context.Background(), Query{Collection: types.CollectionOrders})
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel() // double cancel is safe

	_, ok := <-sub.Events
	assert.False(t, ok)
}

func TestCloseTerminatesSubscriptions(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	sub, err := store.Watch(context.Background(), Query{Collection: types.CollectionOrders})
	require.NoError(t, err)

	require.NoError(t, store.Close())

	_, ok := <-sub.Events
	assert.False(t, ok)
}
