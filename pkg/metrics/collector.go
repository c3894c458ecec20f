package metrics

import (
	"context"
	"time"

	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/types"
)

// Collector polls the document store and keeps the store-level gauges
// current
type Collector struct {
	store    docstore.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector. A non-positive interval falls
// back to 15 seconds.
func NewCollector(store docstore.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect(ctx)

		for {
			select {
			case <-ticker.C:
				c.Collect(ctx)
			case <-c.stopCh:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect runs one collection pass
func (c *Collector) Collect(ctx context.Context) {
	c.collectQuotations(ctx)
	c.collectOrders(ctx)
	c.collectOutbox(ctx)
}

func (c *Collector) collectQuotations(ctx context.Context) {
	counts := map[string]int{
		string(types.StatePending):    0,
		string(types.StateAwaiting):   0,
		string(types.StateProcessing): 0,
		string(types.StateOrdered):    0,
		string(types.StateReceived):   0,
		string(types.StateCancelled):  0,
		string(types.StateExpired):    0,
	}
	if !c.countByStatus(ctx, types.CollectionQuotations, counts) {
		return
	}
	for status, n := range counts {
		QuotationsTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectOrders(ctx context.Context) {
	counts := map[string]int{
		string(types.OrderPendingConfirmation): 0,
		string(types.OrderConfirmed):           0,
		string(types.OrderShipped):             0,
		string(types.OrderDelivered):           0,
		string(types.OrderCancelled):           0,
	}
	if !c.countByStatus(ctx, types.CollectionOrders, counts) {
		return
	}
	for status, n := range counts {
		OrdersTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectOutbox(ctx context.Context) {
	counts := map[string]int{
		string(types.OutboxPending):    0,
		string(types.OutboxProcessing): 0,
		string(types.OutboxFailed):     0,
		string(types.OutboxCompleted):  0,
	}
	if !c.countByStatus(ctx, types.CollectionOutbox, counts) {
		return
	}

	dead, err := c.store.Query(ctx, docstore.Query{Collection: types.CollectionOutboxDead})
	if err != nil {
		return
	}
	counts[string(types.OutboxDeadLetter)] = len(dead.Docs)

	for status, n := range counts {
		OutboxBacklog.WithLabelValues(status).Set(float64(n))
	}
}

// countByStatus tallies the collection's documents into counts by their
// status field. Unknown statuses are added as encountered.
func (c *Collector) countByStatus(ctx context.Context, collection string, counts map[string]int) bool {
	page, err := c.store.Query(ctx, docstore.Query{Collection: collection})
	if err != nil {
		return false
	}
	for _, doc := range page.Docs {
		status, _ := doc["status"].(string)
		if status == "" {
			continue
		}
		counts[status]++
	}
	return true
}
