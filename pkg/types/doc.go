/*
Package types defines the core data structures used throughout suprimo.

This package contains all fundamental types that represent suprimo's domain
model: quotations and their lifecycle states, orders, domain events, lock
records, outbox messages, idempotency records, snapshots, and the inventory
side (products, suppliers, stock). These types are used by all other packages
for persistence, state management, and orchestration logic.

# Core Types

  - Quotation: the aggregate root of the procurement flow, versioned and
    carrying a version vector for conflict detection
  - Order: the deduplicated outcome of a confirmed quotation
  - Event: an immutable append-only record with per-aggregate versioning
  - OutboxMessage: a message enqueued atomically with a domain write
  - LockRecord and IdempotencyRecord: lease-based coordination records

# Error Taxonomy

The Error type carries a stable code, a human-readable message, and a
retryable flag. Codes are compared with the Code helper rather than string
matching, so callers can branch on classification.

All types serialize as JSON; field names are stable and shared with the
document store collections.
*/
package types
