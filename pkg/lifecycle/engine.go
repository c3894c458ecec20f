package lifecycle

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/eventstore"
	"github.com/suprimo/suprimo/pkg/log"
	"github.com/suprimo/suprimo/pkg/outbox"
	"github.com/suprimo/suprimo/pkg/types"
)

// Outbox message types emitted by lifecycle transitions
const (
	MsgEmailSend       = "EMAIL_SEND"
	MsgQuotationNotify = "QUOTATION_STATE_CHANGED"
)

// Engine applies lifecycle transitions with full persistence: the quotation
// update, the domain event, and the outbox messages commit in one
// transaction.
type Engine struct {
	store  docstore.Store
	events *eventstore.Store
	outbox *outbox.Outbox
	logger zerolog.Logger
}

// NewEngine creates a lifecycle engine
func NewEngine(store docstore.Store, events *eventstore.Store, ob *outbox.Outbox) *Engine {
	return &Engine{
		store:  store,
		events: events,
		outbox: ob,
		logger: log.WithComponent("lifecycle"),
	}
}

// Apply runs one transition against the stored quotation. The returned
// quotation reflects the committed state.
func (e *Engine) Apply(ctx context.Context, quotationID string, event types.QuotationEvent, payload map[string]any, meta types.EventMetadata) (*types.Quotation, error) {
	var result types.Quotation

	err := e.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		var q types.Quotation
		if err := tx.Get(types.CollectionQuotations, quotationID, &q); err != nil {
			return err
		}

		m := NewMachine(&q)
		from := m.State()
		if err := m.Apply(event, payload); err != nil {
			return err
		}

		if err := tx.Set(types.CollectionQuotations, q.ID, q); err != nil {
			return err
		}

		ev, err := e.events.AppendInTx(tx, types.Event{
			Type:          string(event),
			AggregateID:   q.ID,
			AggregateType: eventstore.AggregateQuotation,
			Payload:       eventPayload(&q, event, from, payload),
			Metadata:      meta,
			CorrelationID: q.CorrelationID,
		})
		if err != nil {
			return err
		}

		for _, msg := range e.messagesFor(&q, event, ev.CorrelationID) {
			if _, err := e.outbox.Enqueue(tx, msg); err != nil {
				return err
			}
		}

		result = q
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("quotation_id", quotationID).
		Str("event", string(event)).
		Str("status", string(result.Status)).
		Msg("lifecycle transition applied")
	return &result, nil
}

// messagesFor declares the outbox messages a transition publishes
func (e *Engine) messagesFor(q *types.Quotation, event types.QuotationEvent, correlationID string) []types.OutboxMessage {
	notify := types.OutboxMessage{
		Type: MsgQuotationNotify,
		Payload: map[string]any{
			"quotationId": q.ID,
			"status":      string(q.Status),
			"event":       string(event),
		},
		AggregateID:   q.ID,
		AggregateType: eventstore.AggregateQuotation,
		CorrelationID: correlationID,
	}

	if event == types.EventSend {
		return []types.OutboxMessage{
			{
				Type: MsgEmailSend,
				Payload: map[string]any{
					"quotationId":   q.ID,
					"supplierEmail": q.Supplier.Email,
					"supplierName":  q.Supplier.Name,
				},
				AggregateID:   q.ID,
				AggregateType: eventstore.AggregateQuotation,
				CorrelationID: correlationID,
				Priority:      1,
			},
			notify,
		}
	}
	return []types.OutboxMessage{notify}
}

// eventPayload builds the recorded event payload: the caller's payload plus
// the fields the transition actually derived, keyed the way
// eventstore.QuotationReducer folds them, so replaying the log reconstructs
// the committed quotation.
func eventPayload(q *types.Quotation, event types.QuotationEvent, from types.QuotationState, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+8)
	for k, v := range payload {
		out[k] = v
	}
	out["fromStatus"] = string(from)
	out["toStatus"] = string(q.Status)

	switch event {
	case types.EventSend:
		out["supplierEmail"] = q.Supplier.Email

	case types.EventReceiveReply:
		out["replyText"] = q.ReplyBody

	case types.EventAIExtract:
		out["quotedPrice"] = q.QuotedPrice
		out["quotedTotal"] = q.QuotedTotal
		out["orderId"] = q.OrderID
		out["deliveryDays"] = q.QuotedDeliveryDays
		out["paymentTerms"] = q.PaymentTerms
		out["extractionConfidence"] = q.AIConfidence

	case types.EventMarkReceived:
		out["invoiceNumber"] = q.InvoiceNumber

	case types.EventCancel:
		out["cancelReason"] = q.CancellationReason
	}
	return out
}
