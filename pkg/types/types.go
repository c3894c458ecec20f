package types

import (
	"time"
)

// Collection names used in the document store. Names are stable; treat them
// as part of the on-disk format.
const (
	CollectionEvents          = "events"
	CollectionEventSnapshots  = "event_snapshots"
	CollectionQuotations      = "quotations"
	CollectionOrders          = "orders"
	CollectionAutoQuotes      = "autoQuoteRequests"
	CollectionAutoQuoteLocks  = "autoQuoteDedupLocks"
	CollectionLocks           = "distributed_locks"
	CollectionOutbox          = "outbox_messages"
	CollectionOutboxDead      = "outbox_dead_letters"
	CollectionIdempotencyKeys = "idempotencyKeys"
	CollectionInventory       = "inventory"
	CollectionProducts        = "products"
	CollectionSuppliers       = "suppliers"
)

// QuotationState is the lifecycle state of a quotation
type QuotationState string

const (
	StatePending    QuotationState = "pending"
	StateAwaiting   QuotationState = "awaiting"
	StateProcessing QuotationState = "processing"
	StateOrdered    QuotationState = "ordered"
	StateReceived   QuotationState = "received"
	StateCancelled  QuotationState = "cancelled"
	StateExpired    QuotationState = "expired"
)

// IsTerminal reports whether the state is absorbing. Terminal quotations
// persist for audit and never transition again.
func (s QuotationState) IsTerminal() bool {
	switch s {
	case StateReceived, StateCancelled, StateExpired:
		return true
	}
	return false
}

// QuotationEvent is a lifecycle transition trigger
type QuotationEvent string

const (
	EventSend         QuotationEvent = "SEND"
	EventCancel       QuotationEvent = "CANCEL"
	EventReceiveReply QuotationEvent = "RECEIVE_REPLY"
	EventExpire       QuotationEvent = "EXPIRE"
	EventAIExtract    QuotationEvent = "AI_EXTRACT"
	EventAIFail       QuotationEvent = "AI_FAIL"
	EventMarkReceived QuotationEvent = "MARK_RECEIVED"
)

// SupplierRef identifies the supplier a quotation is addressed to
type SupplierRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// QuotationItem is one requested line item
type QuotationItem struct {
	ProductID       string  `json:"productId"`
	ProductName     string  `json:"productName,omitempty"`
	QuantityToOrder int     `json:"quantityToOrder"`
	Unit            string  `json:"unit,omitempty"`
	QuotedUnitPrice float64 `json:"quotedUnitPrice,omitempty"`
}

// VersionVector maps a device/replica id to a monotonic counter. Used for
// optimistic conflict detection between concurrently edited replicas.
type VersionVector map[string]int64

// Clone returns a copy of the vector
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for k, c := range v {
		out[k] = c
	}
	return out
}

// Quotation is the aggregate root of the procurement flow
type Quotation struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Supplier      SupplierRef    `json:"supplier"`
	Items         []QuotationItem `json:"items"`
	Status        QuotationState `json:"status"`

	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	EmailSentAt     *time.Time `json:"emailSentAt,omitempty"`
	ReplyReceivedAt *time.Time `json:"replyReceivedAt,omitempty"`
	ReceivedAt      *time.Time `json:"receivedAt,omitempty"`

	ReplyBody          string     `json:"replyBody,omitempty"`
	QuotedPrice        float64    `json:"quotedPrice,omitempty"`
	QuotedTotal        float64    `json:"quotedTotal,omitempty"`
	QuotedDeliveryDate *time.Time `json:"quotedDeliveryDate,omitempty"`
	QuotedDeliveryDays int        `json:"quotedDeliveryDays,omitempty"`
	PaymentTerms       string     `json:"paymentTerms,omitempty"`
	SupplierNotes      string     `json:"supplierNotes,omitempty"`
	AIConfidence       float64    `json:"aiConfidence,omitempty"`

	OrderID            string `json:"orderId,omitempty"`
	InvoiceNumber      string `json:"invoiceNumber,omitempty"`
	CancellationReason string `json:"cancellationReason,omitempty"`
	SoftDeleted        bool   `json:"softDeleted,omitempty"`
	RetryCount         int    `json:"retryCount"`

	Version          int64         `json:"version"`
	VersionVector    VersionVector `json:"versionVector,omitempty"`
	DeduplicationKey string        `json:"deduplicationKey,omitempty"`
	IsAutoGenerated  bool          `json:"isAutoGenerated,omitempty"`
	CreatedBy        string        `json:"createdBy,omitempty"`
}

// Active reports whether the quotation still participates in deduplication,
// i.e. its state is not terminal.
func (q *Quotation) Active() bool {
	return !q.Status.IsTerminal()
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderPendingConfirmation OrderStatus = "pending_confirmation"
	OrderConfirmed           OrderStatus = "confirmed"
	OrderShipped             OrderStatus = "shipped"
	OrderDelivered           OrderStatus = "delivered"
	OrderCancelled           OrderStatus = "cancelled"
)

// OrderItem is a deduplicated order line. The composite key
// (quotationId, productId) is unique within the order.
type OrderItem struct {
	QuotationID     string  `json:"quotationId"`
	ProductID       string  `json:"productId"`
	ProductName     string  `json:"productName,omitempty"`
	QuantityToOrder int     `json:"quantityToOrder"`
	Unit            string  `json:"unit,omitempty"`
	QuotedUnitPrice float64 `json:"quotedUnitPrice"`
}

// Order is created from a confirmed quotation. Its id derives
// deterministically from the quotation id so that a quotation can never
// produce two orders.
type Order struct {
	ID            string      `json:"id"`
	QuotationID   string      `json:"quotationId"`
	Supplier      SupplierRef `json:"supplier"`
	Items         []OrderItem `json:"items"`
	QuotedTotal   float64     `json:"quotedTotal"`
	DeliveryTerms string      `json:"deliveryTerms,omitempty"`
	Status        OrderStatus `json:"status"`
	Fingerprint   string      `json:"fingerprint"`

	CreatedAt   time.Time  `json:"createdAt"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	ConfirmedBy string     `json:"confirmedBy,omitempty"`

	// IsDuplicate marks a result that returned an already existing order
	// instead of creating a new one. Never persisted.
	IsDuplicate bool `json:"-"`
}

// EventMetadata records the origin of an event
type EventMetadata struct {
	Source      string `json:"source,omitempty"`
	User        string `json:"user,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Event is an append-only record. Versions per (AggregateType, AggregateID)
// form the gap-free sequence 1, 2, 3, ...
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	AggregateID   string         `json:"aggregateId"`
	AggregateType string         `json:"aggregateType"`
	Version       int64          `json:"version"`
	Timestamp     time.Time      `json:"timestamp"`
	ClientTime    time.Time      `json:"clientTime,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Metadata      EventMetadata  `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlationId"`
	CausationID   string         `json:"causationId,omitempty"`
	Immutable     bool           `json:"immutable"`
}

// AggregateRef names one aggregate instance
type AggregateRef struct {
	Type string `json:"aggregateType"`
	ID   string `json:"aggregateId"`
}

// Snapshot is a persisted point-in-time aggregate state used to accelerate
// event replay
type Snapshot struct {
	AggregateType string         `json:"aggregateType"`
	AggregateID   string         `json:"aggregateId"`
	Version       int64          `json:"version"`
	State         map[string]any `json:"state"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// LockRecord is a lease-based distributed mutex record. Exactly one holder
// exists per lock id while now < ExpiresAt.
type LockRecord struct {
	ID            string            `json:"id"`
	HolderID      string            `json:"holderId"`
	AcquiredAt    time.Time         `json:"acquiredAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	Heartbeats    int64             `json:"heartbeats"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// OutboxStatus is the delivery state of an outbox message
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

// OutboxMessage is enqueued in the same transaction as the domain write it
// announces. A message in Processing must hold a non-expired lease.
type OutboxMessage struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	AggregateID   string         `json:"aggregateId,omitempty"`
	AggregateType string         `json:"aggregateType,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	Status        OutboxStatus   `json:"status"`
	RetryCount    int            `json:"retryCount"`
	LastError     string         `json:"lastError,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	ScheduledFor  *time.Time     `json:"scheduledFor,omitempty"`
	ProcessorID   string         `json:"processorId,omitempty"`
	LeaseAt       *time.Time     `json:"leaseAt,omitempty"`
}

// IdempotencyStatus is the execution state of an idempotent operation
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord gates duplicate executions of one logical operation
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	Operation   string            `json:"operation"`
	Fingerprint string            `json:"fingerprint"`
	Status      IdempotencyStatus `json:"status"`
	Result      map[string]any    `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	ProcessorID string            `json:"processorId,omitempty"`
	LeaseAt     *time.Time        `json:"leaseAt,omitempty"`
}

// Product is a purchasable catalog entry
type Product struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Unit               string `json:"unit,omitempty"`
	SupplierID         string `json:"supplierId,omitempty"`
	AutoRequestEnabled bool   `json:"autoRequestEnabled,omitempty"`
}

// Supplier is a procurement counterparty
type Supplier struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	AutoRequest bool   `json:"autoRequest"`
}

// InventoryItem tracks stock for one product. Stock is either the direct
// CurrentStock field or PackageQuantity x PackageCount when packages are
// tracked instead of loose units.
type InventoryItem struct {
	ProductID       string  `json:"productId"`
	ProductName     string  `json:"productName,omitempty"`
	CurrentStock    float64 `json:"currentStock"`
	PackageQuantity float64 `json:"packageQuantity,omitempty"`
	PackageCount    float64 `json:"packageCount,omitempty"`
	MinStock        float64 `json:"minStock"`
	Unit            string  `json:"unit,omitempty"`
	SupplierID      string  `json:"supplierId,omitempty"`
}

// EffectiveStock returns the stock level used for low-stock comparison
func (i *InventoryItem) EffectiveStock() float64 {
	if i.PackageQuantity > 0 && i.PackageCount > 0 {
		return i.PackageQuantity * i.PackageCount
	}
	return i.CurrentStock
}
