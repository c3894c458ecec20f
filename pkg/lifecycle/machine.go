package lifecycle

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/suprimo/suprimo/pkg/types"
)

// transitionKey pairs a source state with a trigger event
type transitionKey struct {
	from  types.QuotationState
	event types.QuotationEvent
}

// transitions is the full quotation state machine. A (state, event) pair
// absent from this table is an invalid transition.
var transitions = map[transitionKey]types.QuotationState{
	{types.StatePending, types.EventSend}:           types.StateAwaiting,
	{types.StatePending, types.EventCancel}:         types.StateCancelled,
	{types.StateAwaiting, types.EventReceiveReply}:  types.StateProcessing,
	{types.StateAwaiting, types.EventExpire}:        types.StateExpired,
	{types.StateAwaiting, types.EventCancel}:        types.StateCancelled,
	{types.StateAwaiting, types.EventSend}:          types.StateAwaiting, // resend
	{types.StateProcessing, types.EventAIExtract}:   types.StateOrdered,
	{types.StateProcessing, types.EventAIFail}:      types.StateAwaiting,
	{types.StateProcessing, types.EventCancel}:      types.StateCancelled,
	{types.StateOrdered, types.EventMarkReceived}:   types.StateReceived,
	{types.StateOrdered, types.EventCancel}:         types.StateCancelled,
}

// HistoryEntry records one applied transition
type HistoryEntry struct {
	From      types.QuotationState `json:"from"`
	To        types.QuotationState `json:"to"`
	Event     types.QuotationEvent `json:"event"`
	Timestamp time.Time            `json:"timestamp"`
	Payload   map[string]any       `json:"payload,omitempty"`
}

// Machine is the in-memory lifecycle state machine for one quotation. It
// mutates the wrapped quotation on successful transitions and records the
// trajectory.
type Machine struct {
	quotation *types.Quotation
	history   []HistoryEntry
}

// NewMachine wraps a quotation. The machine state is the quotation status.
func NewMachine(q *types.Quotation) *Machine {
	return &Machine{quotation: q}
}

// State returns the current lifecycle state
func (m *Machine) State() types.QuotationState {
	return m.quotation.Status
}

// History returns the applied-transition trajectory
func (m *Machine) History() []HistoryEntry {
	return m.history
}

// CanApply reports whether event is a valid transition from the current
// state, ignoring guards
func (m *Machine) CanApply(event types.QuotationEvent) bool {
	_, ok := transitions[transitionKey{m.quotation.Status, event}]
	return ok
}

// Apply validates the transition and its guard, then mutates the quotation.
// On any failure the quotation is left unchanged.
func (m *Machine) Apply(event types.QuotationEvent, payload map[string]any) error {
	from := m.quotation.Status
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return types.Errorf(types.CodeInvalidTransition,
			"event %s not valid in state %s", event, from)
	}

	if err := m.guard(event, payload); err != nil {
		return err
	}

	now := time.Now().UTC()
	m.effect(event, payload, now)
	m.quotation.Status = to
	m.quotation.UpdatedAt = now

	m.history = append(m.history, HistoryEntry{
		From:      from,
		To:        to,
		Event:     event,
		Timestamp: now,
		Payload:   payload,
	})
	return nil
}

// guard enforces the transition precondition without mutating anything
func (m *Machine) guard(event types.QuotationEvent, payload map[string]any) error {
	switch event {
	case types.EventSend:
		email := m.quotation.Supplier.Email
		if v, ok := payload["supplierEmail"].(string); ok && v != "" {
			email = v
		}
		if !strings.Contains(email, "@") {
			return types.Errorf(types.CodeValidation,
				"supplier email %q is not well-formed", email)
		}

	case types.EventReceiveReply:
		if m.quotation.EmailSentAt == nil {
			return types.NewError(types.CodeValidation,
				"reply received before any email was sent")
		}
		body, _ := payload["replyBody"].(string)
		if len(body) < 10 {
			return types.Errorf(types.CodeValidation,
				"reply body too short (%d chars)", len(body))
		}

	case types.EventAIExtract:
		price, ok := numeric(payload["price"])
		if !ok || math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
			return types.NewError(types.CodeValidation,
				"extraction payload has no usable numeric price")
		}

	case types.EventMarkReceived:
		if m.quotation.ReceivedAt != nil {
			return types.NewError(types.CodeValidation,
				"quotation already marked received")
		}
	}
	return nil
}

// effect applies the field updates of a guarded transition
func (m *Machine) effect(event types.QuotationEvent, payload map[string]any, now time.Time) {
	q := m.quotation
	switch event {
	case types.EventSend:
		q.EmailSentAt = &now
		if v, ok := payload["supplierEmail"].(string); ok && v != "" {
			q.Supplier.Email = v
		}

	case types.EventReceiveReply:
		q.ReplyReceivedAt = &now
		if body, ok := payload["replyBody"].(string); ok {
			q.ReplyBody = body
		}

	case types.EventAIExtract:
		price, _ := numeric(payload["price"])
		q.QuotedPrice = price
		if v, ok := numeric(payload["quotedTotal"]); ok {
			q.QuotedTotal = v
		} else {
			q.QuotedTotal = price
		}
		if v, ok := timestamp(payload["quotedDeliveryDate"]); ok {
			q.QuotedDeliveryDate = &v
		}
		if v, ok := numeric(payload["quotedDeliveryDays"]); ok {
			q.QuotedDeliveryDays = int(v)
		}
		if v, ok := payload["paymentTerms"].(string); ok {
			q.PaymentTerms = v
		}
		if v, ok := payload["supplierNotes"].(string); ok {
			q.SupplierNotes = v
		}
		if v, ok := numeric(payload["aiConfidence"]); ok {
			q.AIConfidence = v
		}
		q.OrderID = OrderIDFor(q.ID)

	case types.EventAIFail:
		q.RetryCount++

	case types.EventMarkReceived:
		q.ReceivedAt = &now
		if v, ok := payload["invoiceNumber"].(string); ok {
			q.InvoiceNumber = v
		}

	case types.EventCancel:
		if v, ok := payload["reason"].(string); ok {
			q.CancellationReason = v
		}
		q.SoftDeleted = true
	}
}

// OrderIDFor derives the deterministic order id for a quotation
func OrderIDFor(quotationID string) string {
	return "order_" + strings.TrimPrefix(quotationID, "quotation_")
}

// snapshot is the serialized form of a machine
type snapshot struct {
	Quotation *types.Quotation `json:"quotation"`
	History   []HistoryEntry   `json:"history,omitempty"`
}

// Serialize encodes the machine so that Restore yields one with identical
// subsequent behavior
func (m *Machine) Serialize() ([]byte, error) {
	return json.Marshal(snapshot{Quotation: m.quotation, History: m.history})
}

// Restore rebuilds a machine from its serialized form
func Restore(data []byte) (*Machine, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, types.WrapError(types.CodeValidation, "failed to restore state machine", err)
	}
	if s.Quotation == nil {
		return nil, types.NewError(types.CodeValidation, "serialized machine has no quotation")
	}
	return &Machine{quotation: s.Quotation, history: s.History}, nil
}

// timestamp coerces payload timestamps. JSON-decoded payloads carry
// RFC3339 strings where in-process callers pass time.Time.
func timestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case time.Time:
		return ts, true
	case string:
		parsed, err := time.Parse(time.RFC3339, ts)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

// numeric coerces JSON-decoded numbers
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
