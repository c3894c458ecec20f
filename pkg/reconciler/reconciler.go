package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/suprimo/suprimo/pkg/config"
	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/log"
	"github.com/suprimo/suprimo/pkg/metrics"
	"github.com/suprimo/suprimo/pkg/types"
)

// DefaultInterval is the cycle period when none is configured
const DefaultInterval = 60 * time.Second

// Report summarizes one hygiene cycle
type Report struct {
	DuplicateOrdersRepaired int `json:"duplicateOrdersRepaired"`
	StaleLeasesReleased     int `json:"staleLeasesReleased"`
	ExpiredLocksSwept       int `json:"expiredLocksSwept"`
}

// Reconciler periodically repairs store damage left behind by crashed
// processes
type Reconciler struct {
	store    docstore.Store
	interval time.Duration
	leaseTTL time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewReconciler creates a reconciler. The outbox lease TTL decides when a
// processing message counts as abandoned.
func NewReconciler(store docstore.Store, interval time.Duration, outboxCfg config.OutboxConfig) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:    store,
		interval: interval,
		leaseTTL: outboxCfg.LeaseTTL,
		logger:   log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop. Idempotent.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.run(ctx)
	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")
}

// Stop halts the loop and waits for an in-flight cycle
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(ctx, r.interval)
			if _, err := r.RunOnce(cycleCtx); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
			cancel()
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one hygiene cycle and reports what it repaired
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	report := &Report{}

	repaired, err := r.repairDuplicateOrders(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("duplicate order repair failed")
	}
	report.DuplicateOrdersRepaired = repaired

	released, err := r.releaseStaleOutboxLeases(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("stale lease release failed")
	}
	report.StaleLeasesReleased = released

	swept, err := r.sweepExpiredLocks(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("expired lock sweep failed")
	}
	report.ExpiredLocksSwept = swept

	if report.DuplicateOrdersRepaired+report.StaleLeasesReleased+report.ExpiredLocksSwept > 0 {
		r.logger.Info().
			Int("duplicate_orders", report.DuplicateOrdersRepaired).
			Int("stale_leases", report.StaleLeasesReleased).
			Int("expired_locks", report.ExpiredLocksSwept).
			Msg("hygiene cycle repaired store state")
	}
	return report, nil
}

// repairDuplicateOrders cancels every order that shares a quotation or a
// fingerprint with an earlier one. The earliest order by creation time
// (ties broken by id) survives.
func (r *Reconciler) repairDuplicateOrders(ctx context.Context) (int, error) {
	orders, err := r.listOrders(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	repaired += r.cancelLosers(ctx, groupBy(orders, func(o types.Order) string { return o.QuotationID }), "quotation")
	// Re-list so fingerprint grouping sees the quotation repairs
	orders, err = r.listOrders(ctx)
	if err != nil {
		return repaired, err
	}
	repaired += r.cancelLosers(ctx, groupBy(orders, func(o types.Order) string { return o.Fingerprint }), "fingerprint")
	return repaired, nil
}

func (r *Reconciler) listOrders(ctx context.Context) ([]types.Order, error) {
	page, err := r.store.Query(ctx, docstore.Query{Collection: types.CollectionOrders})
	if err != nil {
		return nil, err
	}
	orders := make([]types.Order, 0, len(page.Docs))
	for _, doc := range page.Docs {
		var o types.Order
		if err := doc.Decode(&o); err != nil {
			r.logger.Warn().Err(err).Str("id", doc.ID()).Msg("undecodable order document")
			continue
		}
		if o.Status != types.OrderCancelled {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func groupBy(orders []types.Order, key func(types.Order) string) map[string][]types.Order {
	groups := make(map[string][]types.Order)
	for _, o := range orders {
		k := key(o)
		if k == "" {
			continue
		}
		groups[k] = append(groups[k], o)
	}
	return groups
}

// cancelLosers keeps the earliest order of each duplicated group and
// cancels the rest
func (r *Reconciler) cancelLosers(ctx context.Context, groups map[string][]types.Order, kind string) int {
	repaired := 0
	for key, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			return group[i].ID < group[j].ID
		})
		survivor := group[0]

		for _, loser := range group[1:] {
			err := r.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
				var current types.Order
				if err := tx.Get(types.CollectionOrders, loser.ID, &current); err != nil {
					if docstore.IsNotFound(err) {
						return nil
					}
					return err
				}
				if current.Status == types.OrderCancelled {
					return nil
				}
				return tx.Update(types.CollectionOrders, loser.ID, map[string]any{
					"status": string(types.OrderCancelled),
				})
			})
			if err != nil {
				r.logger.Error().Err(err).Str("order_id", loser.ID).Msg("duplicate order cancel failed")
				continue
			}
			metrics.DuplicatesRepaired.WithLabelValues(kind).Inc()
			repaired++
			r.logger.Warn().
				Str("kind", kind).
				Str("key", key).
				Str("cancelled", loser.ID).
				Str("kept", survivor.ID).
				Msg("duplicate order cancelled")
		}
	}
	return repaired
}

// releaseStaleOutboxLeases returns abandoned processing messages to the
// pending pool so the dispatcher can pick them up again
func (r *Reconciler) releaseStaleOutboxLeases(ctx context.Context) (int, error) {
	page, err := r.store.Query(ctx, docstore.Query{
		Collection: types.CollectionOutbox,
		Filters:    []docstore.Filter{docstore.Where("status", docstore.OpEq, string(types.OutboxProcessing))},
	})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	released := 0
	for _, doc := range page.Docs {
		var msg types.OutboxMessage
		if err := doc.Decode(&msg); err != nil {
			continue
		}
		if msg.LeaseAt != nil && now.Sub(*msg.LeaseAt) < r.leaseTTL {
			continue
		}

		err := r.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
			var current types.OutboxMessage
			if err := tx.Get(types.CollectionOutbox, msg.ID, &current); err != nil {
				if docstore.IsNotFound(err) {
					return nil
				}
				return err
			}
			if current.Status != types.OutboxProcessing {
				return nil
			}
			if current.LeaseAt != nil && now.Sub(*current.LeaseAt) < r.leaseTTL {
				return nil
			}
			return tx.Update(types.CollectionOutbox, msg.ID, map[string]any{
				"status":      string(types.OutboxPending),
				"processorId": nil,
				"leaseAt":     nil,
			})
		})
		if err != nil {
			r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("lease release failed")
			continue
		}
		released++
		r.logger.Warn().Str("message_id", msg.ID).Msg("stale outbox lease released")
	}
	return released, nil
}

// sweepExpiredLocks deletes lock records whose lease has run out
func (r *Reconciler) sweepExpiredLocks(ctx context.Context) (int, error) {
	page, err := r.store.Query(ctx, docstore.Query{Collection: types.CollectionLocks})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	swept := 0
	for _, doc := range page.Docs {
		var rec types.LockRecord
		if err := doc.Decode(&rec); err != nil {
			continue
		}
		if now.Before(rec.ExpiresAt) {
			continue
		}

		err := r.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
			var current types.LockRecord
			if err := tx.Get(types.CollectionLocks, rec.ID, &current); err != nil {
				if docstore.IsNotFound(err) {
					return nil
				}
				return err
			}
			if now.Before(current.ExpiresAt) {
				return nil
			}
			return tx.Delete(types.CollectionLocks, rec.ID)
		})
		if err != nil {
			r.logger.Error().Err(err).Str("lock_id", rec.ID).Msg("expired lock sweep failed")
			continue
		}
		swept++
		r.logger.Debug().Str("lock_id", rec.ID).Msg("expired lock swept")
	}
	return swept, nil
}
