package order

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suprimo/suprimo/pkg/config"
	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/eventstore"
	"github.com/suprimo/suprimo/pkg/lock"
	"github.com/suprimo/suprimo/pkg/outbox"
	"github.com/suprimo/suprimo/pkg/types"
)

func newTestService(t *testing.T) (*Service, docstore.Store) {
	t.Helper()
	ds, err := docstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	locks := lock.NewManager(ds, config.LockConfig{
		TTL:        5 * time.Second,
		MaxRetries: 1,
		RetryBase:  time.Millisecond,
		RetryMax:   5 * time.Millisecond,
	})
	return NewService(ds, eventstore.New(ds), outbox.New(ds), locks), ds
}

func orderedQuotation() *types.Quotation {
	return &types.Quotation{
		ID:            "quotation_abc",
		CorrelationID: "corr-1",
		Status:        types.StateOrdered,
		Supplier:      types.SupplierRef{ID: "s1", Name: "Atacadão", Email: "compras@atacadao.com"},
		Items: []types.QuotationItem{
			{ProductID: "p1", ProductName: "rice", QuantityToOrder: 10, QuotedUnitPrice: 5.5},
			{ProductID: "p2", ProductName: "beans", QuantityToOrder: 4, QuotedUnitPrice: 8.0},
		},
		QuotedTotal: 87.0,
	}
}

func TestCreateOrderHappyPath(t *testing.T) {
	s, ds := newTestService(t)
	ctx := context.Background()

	o, err := s.CreateOrderFromQuotation(ctx, orderedQuotation(), "alice")
	require.NoError(t, err)
	assert.False(t, o.IsDuplicate)
	assert.Equal(t, "order_abc", o.ID)
	assert.Equal(t, "quotation_abc", o.QuotationID)
	assert.Equal(t, types.OrderPendingConfirmation, o.Status)
	assert.Equal(t, 87.0, o.QuotedTotal)
	assert.Len(t, o.Items, 2)
	assert.NotEmpty(t, o.Fingerprint)
	assert.Equal(t, "alice", o.CreatedBy)

	var stored types.Order
	require.NoError(t, ds.Get(ctx, types.CollectionOrders, "order_abc", &stored))
	assert.Equal(t, o.ID, stored.ID)

	// The ORDER_CREATED message committed with the order
	page, err := ds.Query(ctx, docstore.Query{Collection: types.CollectionOutbox})
	require.NoError(t, err)
	require.Len(t, page.Docs, 1)
	var msg types.OutboxMessage
	require.NoError(t, page.Docs[0].Decode(&msg))
	assert.Equal(t, MsgOrderCreated, msg.Type)
	assert.Equal(t, "order_abc", msg.Payload["orderId"])
}

func TestCreateOrderValidation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*types.Quotation)
	}{
		{"no id", func(q *types.Quotation) { q.ID = "" }},
		{"no supplier", func(q *types.Quotation) { q.Supplier.ID = "" }},
		{"no items", func(q *types.Quotation) { q.Items = nil }},
		{"nan price", func(q *types.Quotation) { q.Items[0].QuotedUnitPrice = math.NaN() }},
		{"inf price", func(q *types.Quotation) { q.Items[0].QuotedUnitPrice = math.Inf(1) }},
		{"zero quantity", func(q *types.Quotation) { q.Items[0].QuantityToOrder = 0 }},
		{"negative quantity", func(q *types.Quotation) { q.Items[0].QuantityToOrder = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := orderedQuotation()
			tc.mutate(q)
			_, err := s.CreateOrderFromQuotation(ctx, q, "alice")
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.CodeValidation))
			assert.False(t, types.IsRetryable(err))
		})
	}

	_, err := s.CreateOrderFromQuotation(ctx, nil, "alice")
	assert.True(t, types.IsCode(err, types.CodeValidation))
}

func TestSecondCreateReturnsExistingAsDuplicate(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	first, err := s.CreateOrderFromQuotation(ctx, orderedQuotation(), "alice")
	require.NoError(t, err)
	require.False(t, first.IsDuplicate)

	second, err := s.CreateOrderFromQuotation(ctx, orderedQuotation(), "bob")
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alice", second.CreatedBy)
}

func TestFingerprintCatchesSameIntentDifferentQuotation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	first, err := s.CreateOrderFromQuotation(ctx, orderedQuotation(), "alice")
	require.NoError(t, err)

	// Same supplier and items under a different quotation id
	other := orderedQuotation()
	other.ID = "quotation_xyz"

	dup, err := s.CreateOrderFromQuotation(ctx, other, "bob")
	require.NoError(t, err)
	assert.True(t, dup.IsDuplicate)
	assert.Equal(t, first.ID, dup.ID)
}

func TestFingerprintStableUnderItemOrder(t *testing.T) {
	now := time.Now()
	a := Fingerprint("s1", []types.QuotationItem{
		{ProductID: "p1", QuantityToOrder: 10},
		{ProductID: "p2", QuantityToOrder: 4},
	}, now)
	b := Fingerprint("s1", []types.QuotationItem{
		{ProductID: "p2", QuantityToOrder: 4},
		{ProductID: "p1", QuantityToOrder: 10},
	}, now)
	assert.Equal(t, a, b)

	c := Fingerprint("s1", []types.QuotationItem{
		{ProductID: "p1", QuantityToOrder: 11},
		{ProductID: "p2", QuantityToOrder: 4},
	}, now)
	assert.NotEqual(t, a, c)
}

func TestConcurrentCreatesYieldOneOrder(t *testing.T) {
	s, ds := newTestService(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*types.Order, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.CreateOrderFromQuotation(ctx, orderedQuotation(), "worker")
		}(i)
	}
	wg.Wait()

	creations := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, "order_abc", results[i].ID)
		if !results[i].IsDuplicate {
			creations++
		}
	}
	assert.Equal(t, 1, creations)

	page, err := ds.Query(ctx, docstore.Query{
		Collection: types.CollectionOrders,
		Filters:    []docstore.Filter{docstore.Where("quotationId", docstore.OpEq, "quotation_abc")},
	})
	require.NoError(t, err)
	assert.Len(t, page.Docs, 1)
}

func TestItemCompositeKeyDeduplication(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	q := orderedQuotation()
	q.Items = append(q.Items, types.QuotationItem{
		ProductID: "p1", ProductName: "rice duplicate", QuantityToOrder: 99, QuotedUnitPrice: 1.0,
	})

	o, err := s.CreateOrderFromQuotation(ctx, q, "alice")
	require.NoError(t, err)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "p1", o.Items[0].ProductID)
	assert.Equal(t, 10, o.Items[0].QuantityToOrder) // first occurrence wins
	assert.Equal(t, "p2", o.Items[1].ProductID)
}

func TestListOrdersForQuotation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	orders, err := s.ListOrdersForQuotation(ctx, "quotation_abc")
	require.NoError(t, err)
	assert.Empty(t, orders)

	_, err = s.CreateOrderFromQuotation(ctx, orderedQuotation(), "alice")
	require.NoError(t, err)

	orders, err = s.ListOrdersForQuotation(ctx, "quotation_abc")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "order_abc", orders[0].ID)
}

func TestCreateWhileLockHeldStillSafe(t *testing.T) {
	s, ds := newTestService(t)
	ctx := context.Background()

	// Another process holds the creation lock but has not written yet
	locks := lock.NewManager(ds, config.LockConfig{
		TTL: 10 * time.Second, MaxRetries: 1,
		RetryBase: time.Millisecond, RetryMax: time.Millisecond,
	})
	h, err := locks.Acquire(ctx, LockScope, "quotation_abc", nil)
	require.NoError(t, err)
	defer h.Release(ctx)

	// Lock unavailable is not fatal: the transaction still guarantees
	// uniqueness
	o, err := s.CreateOrderFromQuotation(ctx, orderedQuotation(), "alice")
	require.NoError(t, err)
	assert.False(t, o.IsDuplicate)
	assert.Equal(t, "order_abc", o.ID)
}
