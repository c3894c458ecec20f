package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/eventstore"
	"github.com/suprimo/suprimo/pkg/lifecycle"
	"github.com/suprimo/suprimo/pkg/lock"
	"github.com/suprimo/suprimo/pkg/log"
	"github.com/suprimo/suprimo/pkg/metrics"
	"github.com/suprimo/suprimo/pkg/outbox"
	"github.com/suprimo/suprimo/pkg/types"
)

// LockScope is the lock namespace guarding order creation per quotation
const LockScope = "ORDER_CREATE"

// MsgOrderCreated is the outbox message announcing a new order
const MsgOrderCreated = "ORDER_CREATED"

// Service creates orders from quotations while enforcing that one
// quotation can never yield two orders
type Service struct {
	store  docstore.Store
	events *eventstore.Store
	outbox *outbox.Outbox
	locks  *lock.Manager
	logger zerolog.Logger
}

// NewService creates an order service
func NewService(store docstore.Store, events *eventstore.Store, ob *outbox.Outbox, locks *lock.Manager) *Service {
	return &Service{
		store:  store,
		events: events,
		outbox: ob,
		locks:  locks,
		logger: log.WithComponent("order"),
	}
}

// Fingerprint hashes the supplier, the sorted product/quantity pairs, and
// the current day, so identical order intents within one day collapse
func Fingerprint(supplierID string, items []types.QuotationItem, now time.Time) string {
	pairs := make([]string, 0, len(items))
	for _, it := range items {
		pairs = append(pairs, fmt.Sprintf("%s:%d", it.ProductID, it.QuantityToOrder))
	}
	sort.Strings(pairs)

	input := fmt.Sprintf("%s|%s|%s", supplierID, strings.Join(pairs, ","), now.UTC().Format("2006-01-02"))
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// CreateOrderFromQuotation validates the quotation and creates its order.
// When an order for the quotation already exists, the existing order is
// returned with IsDuplicate set instead of an error.
func (s *Service) CreateOrderFromQuotation(ctx context.Context, q *types.Quotation, user string) (*types.Order, error) {
	if err := validate(q); err != nil {
		return nil, err
	}

	orderID := lifecycle.OrderIDFor(q.ID)
	fingerprint := Fingerprint(q.Supplier.ID, q.Items, time.Now())

	// Pre-insert check by deterministic id
	if existing, err := s.getOrder(ctx, orderID); err != nil {
		return nil, err
	} else if existing != nil {
		metrics.OrderDuplicatesPrevented.WithLabelValues("order_id").Inc()
		existing.IsDuplicate = true
		return existing, nil
	}

	// Fingerprint query over the daily bucket
	if existing, err := s.findByFingerprint(ctx, fingerprint); err != nil {
		return nil, err
	} else if existing != nil {
		metrics.OrderDuplicatesPrevented.WithLabelValues("fingerprint").Inc()
		existing.IsDuplicate = true
		return existing, nil
	}

	// Lock acquisition narrows the race window; the transaction below is
	// what actually guarantees uniqueness, so an unavailable lock only
	// triggers a re-check rather than failing the call.
	handle, lockErr := s.locks.Acquire(ctx, LockScope, q.ID, nil)
	if lockErr != nil {
		if !types.IsCode(lockErr, types.CodeLockUnavailable) {
			return nil, lockErr
		}
		if existing, err := s.getOrder(ctx, orderID); err != nil {
			return nil, err
		} else if existing != nil {
			metrics.OrderDuplicatesPrevented.WithLabelValues("lock_recheck").Inc()
			existing.IsDuplicate = true
			return existing, nil
		}
	} else {
		defer handle.Release(context.WithoutCancel(ctx))
	}

	return s.createInTransaction(ctx, q, orderID, fingerprint, user)
}

// createInTransaction re-reads the deterministic id inside the transaction
// and writes the order plus its ORDER_CREATED message atomically
func (s *Service) createInTransaction(ctx context.Context, q *types.Quotation, orderID, fingerprint, user string) (*types.Order, error) {
	var result types.Order

	err := s.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		var existing types.Order
		err := tx.Get(types.CollectionOrders, orderID, &existing)
		if err == nil {
			existing.IsDuplicate = true
			result = existing
			return nil
		}
		if !docstore.IsNotFound(err) {
			return err
		}

		order := types.Order{
			ID:          orderID,
			QuotationID: q.ID,
			Supplier:    q.Supplier,
			Items:       dedupItems(q.ID, q.Items),
			QuotedTotal: q.QuotedTotal,
			Status:      types.OrderPendingConfirmation,
			Fingerprint: fingerprint,
			CreatedAt:   time.Now().UTC(),
			CreatedBy:   user,
		}

		if err := tx.Set(types.CollectionOrders, order.ID, order); err != nil {
			return err
		}

		ev, err := s.events.AppendInTx(tx, types.Event{
			Type:          MsgOrderCreated,
			AggregateID:   order.ID,
			AggregateType: "order",
			Payload: map[string]any{
				"quotationId": q.ID,
				"supplierId":  q.Supplier.ID,
				"quotedTotal": order.QuotedTotal,
			},
			Metadata:      types.EventMetadata{User: user},
			CorrelationID: q.CorrelationID,
		})
		if err != nil {
			return err
		}

		if _, err := s.outbox.Enqueue(tx, types.OutboxMessage{
			Type: MsgOrderCreated,
			Payload: map[string]any{
				"orderId":     order.ID,
				"quotationId": q.ID,
				"supplierId":  q.Supplier.ID,
			},
			AggregateID:   order.ID,
			AggregateType: "order",
			CorrelationID: ev.CorrelationID,
		}); err != nil {
			return err
		}

		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.IsDuplicate {
		metrics.OrderDuplicatesPrevented.WithLabelValues("transaction").Inc()
	} else {
		metrics.OrdersCreated.Inc()
		s.logger.Info().
			Str("order_id", result.ID).
			Str("quotation_id", q.ID).
			Str("user", user).
			Msg("order created")
	}
	return &result, nil
}

// GetOrder returns one order by id
func (s *Service) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	var order types.Order
	if err := s.store.Get(ctx, types.CollectionOrders, id, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrdersForQuotation returns every order referencing the quotation.
// Under the uniqueness law the result has at most one element; the
// reconciler uses this to detect violations.
func (s *Service) ListOrdersForQuotation(ctx context.Context, quotationID string) ([]types.Order, error) {
	page, err := s.store.Query(ctx, docstore.Query{
		Collection: types.CollectionOrders,
		Filters:    []docstore.Filter{docstore.Where("quotationId", docstore.OpEq, quotationID)},
		OrderBy:    "createdAt",
	})
	if err != nil {
		return nil, err
	}
	orders := make([]types.Order, 0, len(page.Docs))
	for _, d := range page.Docs {
		var o types.Order
		if err := d.Decode(&o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *Service) getOrder(ctx context.Context, id string) (*types.Order, error) {
	var order types.Order
	err := s.store.Get(ctx, types.CollectionOrders, id, &order)
	if err != nil {
		if docstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (s *Service) findByFingerprint(ctx context.Context, fingerprint string) (*types.Order, error) {
	page, err := s.store.Query(ctx, docstore.Query{
		Collection: types.CollectionOrders,
		Filters:    []docstore.Filter{docstore.Where("fingerprint", docstore.OpEq, fingerprint)},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(page.Docs) == 0 {
		return nil, nil
	}
	var order types.Order
	if err := page.Docs[0].Decode(&order); err != nil {
		return nil, err
	}
	return &order, nil
}

// validate fails fast with a specific error per violated rule
func validate(q *types.Quotation) error {
	if q == nil {
		return types.NewError(types.CodeValidation, "quotation is nil")
	}
	if q.ID == "" {
		return types.NewError(types.CodeValidation, "quotation has no id")
	}
	if q.Supplier.ID == "" {
		return types.Errorf(types.CodeValidation, "quotation %s has no supplier", q.ID)
	}
	if len(q.Items) == 0 {
		return types.Errorf(types.CodeValidation, "quotation %s has no items", q.ID)
	}
	for i, it := range q.Items {
		if math.IsNaN(it.QuotedUnitPrice) || math.IsInf(it.QuotedUnitPrice, 0) {
			return types.Errorf(types.CodeValidation,
				"quotation %s item %d has a non-finite unit price", q.ID, i)
		}
		if it.QuantityToOrder <= 0 {
			return types.Errorf(types.CodeValidation,
				"quotation %s item %d has non-positive quantity %d", q.ID, i, it.QuantityToOrder)
		}
	}
	return nil
}

// dedupItems collapses duplicate (quotationId, productId) lines, keeping
// the first occurrence
func dedupItems(quotationID string, items []types.QuotationItem) []types.OrderItem {
	seen := make(map[string]bool, len(items))
	out := make([]types.OrderItem, 0, len(items))
	for _, it := range items {
		key := quotationID + ":" + it.ProductID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, types.OrderItem{
			QuotationID:     quotationID,
			ProductID:       it.ProductID,
			ProductName:     it.ProductName,
			QuantityToOrder: it.QuantityToOrder,
			Unit:            it.Unit,
			QuotedUnitPrice: it.QuotedUnitPrice,
		})
	}
	return out
}
