package eventstore

import (
	"time"

	"github.com/suprimo/suprimo/pkg/types"
)

// Event types recorded against the quotation aggregate. CREATE marks the
// birth of the aggregate; the remaining types mirror lifecycle transitions.
const (
	TypeQuotationCreated = "QUOTATION_CREATED"
	AggregateQuotation   = "quotation"
)

// QuotationReducer is the canonical fold for quotation aggregates. Each
// known event type maps to a deterministic state update; unknown types only
// advance the version so replay never stalls on new event kinds.
func QuotationReducer(state map[string]any, ev types.Event) map[string]any {
	if state == nil {
		state = map[string]any{}
	}

	switch ev.Type {
	case TypeQuotationCreated:
		for k, v := range ev.Payload {
			state[k] = v
		}
		state["id"] = ev.AggregateID
		if _, ok := state["status"]; !ok {
			state["status"] = string(types.StatePending)
		}
		state["createdAt"] = eventTime(ev)

	case string(types.EventSend):
		state["status"] = string(types.StateAwaiting)
		state["emailSentAt"] = eventTime(ev)
		copyFields(state, ev.Payload, "supplierEmail")

	case string(types.EventReceiveReply):
		state["status"] = string(types.StateProcessing)
		state["replyReceivedAt"] = eventTime(ev)
		copyFields(state, ev.Payload, "replyText")

	case string(types.EventAIExtract):
		state["status"] = string(types.StateOrdered)
		copyFields(state, ev.Payload,
			"quotedPrice", "quotedTotal", "orderId", "deliveryDays",
			"paymentTerms", "extractionMethod", "extractionConfidence")
		// Items are replaced wholesale, never merged element-wise
		if items, ok := ev.Payload["items"]; ok {
			state["items"] = items
		}

	case string(types.EventAIFail):
		state["retryCount"] = currentInt(state, "retryCount") + 1
		copyFields(state, ev.Payload, "lastError")

	case string(types.EventMarkReceived):
		state["status"] = string(types.StateReceived)
		state["receivedAt"] = eventTime(ev)
		copyFields(state, ev.Payload, "invoiceNumber")

	case string(types.EventCancel):
		state["status"] = string(types.StateCancelled)
		state["softDeleted"] = true
		state["cancelledAt"] = eventTime(ev)
		copyFields(state, ev.Payload, "cancelReason")

	case string(types.EventExpire):
		state["status"] = string(types.StateExpired)
		state["expiredAt"] = eventTime(ev)
	}

	state["version"] = ev.Version
	return state
}

func eventTime(ev types.Event) string {
	if s, ok := ev.Payload["occurredAt"].(string); ok && s != "" {
		return s
	}
	return ev.Timestamp.UTC().Format(time.RFC3339Nano)
}

func copyFields(state, payload map[string]any, fields ...string) {
	for _, f := range fields {
		if v, ok := payload[f]; ok {
			state[f] = v
		}
	}
}

func currentInt(state map[string]any, field string) int64 {
	switch v := state[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
