package stockmonitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/suprimo/suprimo/pkg/cdc"
	"github.com/suprimo/suprimo/pkg/config"
	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/eventstore"
	"github.com/suprimo/suprimo/pkg/idempotency"
	"github.com/suprimo/suprimo/pkg/lifecycle"
	"github.com/suprimo/suprimo/pkg/lock"
	"github.com/suprimo/suprimo/pkg/log"
	"github.com/suprimo/suprimo/pkg/metrics"
	"github.com/suprimo/suprimo/pkg/outbox"
	"github.com/suprimo/suprimo/pkg/types"
)

const (
	// LockScope guards auto-quotation creation per product/supplier pair
	LockScope = "AUTO_QUOTE"

	// OpAutoQuotation is the idempotency operation type for auto-created
	// quotations
	OpAutoQuotation = "auto_quotation_create"

	processingTTL = 5 * time.Minute
	creatorName   = "stock-monitor"
)

// request is the per-pair marker document. Its id is the dedup key, so the
// store itself rejects a second concurrent creation for the same pair.
type request struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"productId"`
	SupplierID  string    `json:"supplierId"`
	QuotationID string    `json:"quotationId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Monitor watches the inventory collection and raises auto-generated
// quotations for products that fall to or below their minimum stock
type Monitor struct {
	store   docstore.Store
	events  *eventstore.Store
	outbox  *outbox.Outbox
	locks   *lock.Manager
	guard   *idempotency.Guard
	changes *cdc.Manager
	cfg     config.StockMonitorConfig
	logger  zerolog.Logger

	mu      sync.Mutex
	buffers map[string]*supplierBuffer
	subID   string
	running bool
	bursts  sync.WaitGroup
}

type supplierBuffer struct {
	supplier types.Supplier
	items    []types.InventoryItem
	timer    *time.Timer
}

// NewMonitor creates a stock monitor
func NewMonitor(store docstore.Store, events *eventstore.Store, ob *outbox.Outbox,
	locks *lock.Manager, guard *idempotency.Guard, changes *cdc.Manager,
	cfg config.StockMonitorConfig) *Monitor {
	return &Monitor{
		store:   store,
		events:  events,
		outbox:  ob,
		locks:   locks,
		guard:   guard,
		changes: changes,
		cfg:     cfg,
		logger:  log.WithComponent("stockmonitor"),
		buffers: make(map[string]*supplierBuffer),
	}
}

// Start subscribes to inventory changes. Idempotent.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	subID, err := m.changes.Subscribe(ctx,
		docstore.Query{Collection: types.CollectionInventory},
		func(batch []docstore.ChangeEvent) { m.handleBatch(ctx, batch) })
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.subID = subID
	m.mu.Unlock()

	m.logger.Info().
		Dur("debounce", m.cfg.Debounce).
		Int("cooldown_days", m.cfg.CooldownDays).
		Msg("stock monitor started")
	return nil
}

// Stop cancels the subscription, drops buffered products, and waits for
// in-flight bursts
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	subID := m.subID
	for _, buf := range m.buffers {
		buf.timer.Stop()
	}
	m.buffers = make(map[string]*supplierBuffer)
	m.mu.Unlock()

	m.changes.Unsubscribe(subID)
	m.bursts.Wait()
	m.logger.Info().Msg("stock monitor stopped")
}

// handleBatch screens a change batch for low-stock products and buffers
// them per supplier
func (m *Monitor) handleBatch(ctx context.Context, batch []docstore.ChangeEvent) {
	for _, ch := range batch {
		if ch.Kind == docstore.ChangeRemoved {
			continue
		}
		var item types.InventoryItem
		if err := ch.Doc.Decode(&item); err != nil {
			m.logger.Warn().Err(err).Str("id", ch.ID).Msg("undecodable inventory document")
			continue
		}
		if item.ProductID == "" {
			item.ProductID = ch.ID
		}
		if item.EffectiveStock() > item.MinStock {
			continue
		}
		if item.SupplierID == "" {
			m.logger.Debug().Str("product_id", item.ProductID).Msg("low stock without assigned supplier")
			continue
		}

		var supplier types.Supplier
		if err := m.store.Get(ctx, types.CollectionSuppliers, item.SupplierID, &supplier); err != nil {
			if !docstore.IsNotFound(err) {
				m.logger.Error().Err(err).Str("supplier_id", item.SupplierID).Msg("supplier lookup failed")
			}
			continue
		}
		if !supplier.AutoRequest {
			continue
		}

		m.enqueue(ctx, supplier, item)
	}
}

// enqueue buffers the product under its supplier and restarts the
// supplier's debounce timer
func (m *Monitor) enqueue(ctx context.Context, supplier types.Supplier, item types.InventoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	buf, ok := m.buffers[supplier.ID]
	if !ok {
		buf = &supplierBuffer{supplier: supplier}
		m.buffers[supplier.ID] = buf
	}

	replaced := false
	for i, it := range buf.items {
		if it.ProductID == item.ProductID {
			buf.items[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		buf.items = append(buf.items, item)
		if m.cfg.MaxBatch > 0 && len(buf.items) > m.cfg.MaxBatch {
			buf.items = buf.items[len(buf.items)-m.cfg.MaxBatch:]
		}
	}

	if buf.timer != nil {
		buf.timer.Stop()
	}
	supplierID := supplier.ID
	buf.timer = time.AfterFunc(m.cfg.Debounce, func() { m.flush(ctx, supplierID) })
}

// flush fires one burst for the supplier's buffered products
func (m *Monitor) flush(ctx context.Context, supplierID string) {
	m.mu.Lock()
	buf, ok := m.buffers[supplierID]
	if ok {
		delete(m.buffers, supplierID)
	}
	running := m.running
	if running && ok {
		m.bursts.Add(1)
	}
	m.mu.Unlock()
	if !ok || !running {
		return
	}
	defer m.bursts.Done()

	metrics.LowStockBursts.Inc()
	m.logger.Info().
		Str("supplier_id", supplierID).
		Int("products", len(buf.items)).
		Msg("low stock burst")

	for _, item := range buf.items {
		if err := m.processProduct(ctx, buf.supplier, item); err != nil {
			m.logger.Error().Err(err).
				Str("product_id", item.ProductID).
				Str("supplier_id", supplierID).
				Msg("auto-quotation processing failed")
		}
	}
}

// DedupKey identifies one product/supplier auto-quotation stream
func DedupKey(productID, supplierID string) string {
	return productID + ":" + supplierID
}

// processProduct creates the auto-quotation for one buffered product,
// guarded by a processing lock and the idempotency layer. A held lock
// means another process owns the pair; that is not an error.
func (m *Monitor) processProduct(ctx context.Context, supplier types.Supplier, item types.InventoryItem) error {
	dedupKey := DedupKey(item.ProductID, supplier.ID)

	err := m.locks.WithLock(ctx, LockScope, dedupKey,
		&lock.AcquireOptions{TTL: processingTTL},
		func(ctx context.Context) error {
			_, err := m.guard.Execute(ctx, OpAutoQuotation, map[string]any{
				"productId":  item.ProductID,
				"supplierId": supplier.ID,
			}, func(ctx context.Context) (map[string]any, error) {
				return m.createQuotation(ctx, supplier, item, dedupKey)
			}, nil)
			return err
		})
	if types.IsCode(err, types.CodeLockUnavailable) {
		m.logger.Debug().Str("dedup_key", dedupKey).Msg("pair already being processed")
		return nil
	}
	return err
}

// createQuotation writes the quotation, its creation event, its outbox
// notification, and the dedup marker in one transaction. An active
// quotation for the pair, or one received within the cooldown window,
// suppresses creation.
func (m *Monitor) createQuotation(ctx context.Context, supplier types.Supplier,
	item types.InventoryItem, dedupKey string) (map[string]any, error) {

	now := time.Now().UTC()
	cooldown := time.Duration(m.cfg.CooldownDays) * 24 * time.Hour
	result := map[string]any{"created": false, "dedupKey": dedupKey}

	err := m.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		existing, err := tx.Query(docstore.Query{
			Collection: types.CollectionQuotations,
			Filters:    []docstore.Filter{docstore.Where("deduplicationKey", docstore.OpEq, dedupKey)},
		})
		if err != nil {
			return err
		}
		for _, doc := range existing {
			var q types.Quotation
			if err := doc.Decode(&q); err != nil {
				continue
			}
			if q.Active() {
				result["reason"] = "active_quotation"
				result["quotationId"] = q.ID
				return nil
			}
			if q.Status == types.StateReceived && q.ReceivedAt != nil && now.Sub(*q.ReceivedAt) < cooldown {
				result["reason"] = "cooldown"
				result["quotationId"] = q.ID
				return nil
			}
		}

		q := types.Quotation{
			ID:            "quotation_" + uuid.NewString(),
			CorrelationID: uuid.NewString(),
			Supplier: types.SupplierRef{
				ID:    supplier.ID,
				Name:  supplier.Name,
				Email: supplier.Email,
			},
			Items: []types.QuotationItem{{
				ProductID:       item.ProductID,
				ProductName:     item.ProductName,
				QuantityToOrder: reorderQuantity(item),
				Unit:            item.Unit,
			}},
			Status:           types.StatePending,
			CreatedAt:        now,
			UpdatedAt:        now,
			DeduplicationKey: dedupKey,
			IsAutoGenerated:  true,
			CreatedBy:        creatorName,
		}

		if err := tx.Set(types.CollectionQuotations, q.ID, q); err != nil {
			return err
		}
		if err := tx.Set(types.CollectionAutoQuotes, dedupKey, request{
			ID:          dedupKey,
			ProductID:   item.ProductID,
			SupplierID:  supplier.ID,
			QuotationID: q.ID,
			RequestedAt: now,
		}); err != nil {
			return err
		}

		ev, err := m.events.AppendInTx(tx, types.Event{
			Type:          eventstore.TypeQuotationCreated,
			AggregateID:   q.ID,
			AggregateType: eventstore.AggregateQuotation,
			Payload: map[string]any{
				"id":             q.ID,
				"status":         string(q.Status),
				"supplierId":     supplier.ID,
				"productId":      item.ProductID,
				"trigger":        "low_stock",
				"effectiveStock": item.EffectiveStock(),
				"minStock":       item.MinStock,
			},
			Metadata:      types.EventMetadata{User: creatorName},
			CorrelationID: q.CorrelationID,
		})
		if err != nil {
			return err
		}

		if _, err := m.outbox.Enqueue(tx, types.OutboxMessage{
			Type: lifecycle.MsgQuotationNotify,
			Payload: map[string]any{
				"quotationId": q.ID,
				"supplierId":  supplier.ID,
				"toStatus":    string(q.Status),
				"trigger":     "low_stock",
			},
			AggregateID:   q.ID,
			AggregateType: eventstore.AggregateQuotation,
			CorrelationID: ev.CorrelationID,
		}); err != nil {
			return err
		}

		result["created"] = true
		result["quotationId"] = q.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created, _ := result["created"].(bool); created {
		metrics.QuotationsCreated.WithLabelValues("auto").Inc()
		m.logger.Info().
			Str("quotation_id", result["quotationId"].(string)).
			Str("product_id", item.ProductID).
			Str("supplier_id", supplier.ID).
			Msg("auto quotation created")
	} else {
		m.logger.Debug().
			Str("dedup_key", dedupKey).
			Interface("reason", result["reason"]).
			Msg("auto quotation suppressed")
	}
	return result, nil
}

// reorderQuantity restocks to twice the minimum, never below one unit
func reorderQuantity(item types.InventoryItem) int {
	qty := int(math.Ceil(item.MinStock*2 - item.EffectiveStock()))
	if qty < 1 {
		qty = 1
	}
	return qty
}
