/*
Package docstore provides BoltDB-backed document storage for suprimo.

The docstore package implements the Store interface using BoltDB as the
underlying database: one bucket per collection, values serialized as JSON,
ACID transactions via bolt's single-writer update path. On top of plain
key-value persistence it layers the operations the procurement core needs:

  - Get/Set/Update/Delete with merge-patch semantics for Update
  - Query with field filters, ordering, limits, and cursor paging
  - RunInTransaction for read-then-write atomicity
  - BatchWrite for bounded atomic multi-document writes
  - Watch for post-commit change streams

# Transactions

BoltDB serializes write transactions, so two concurrent RunInTransaction
calls never race on the same document; the second simply observes the
committed state of the first. Callers written for stores with optimistic
concurrency keep their retry loops, which degrade to a single attempt here.

# Change streams

Writes record change events inside the transaction; the notifier publishes
them to matching subscribers only after commit, so a Watch never observes an
uncommitted document. Every delivered event is server-confirmed
(fromCache=false, hasPendingWrites=false). Subscribers that fall more than
one buffer behind lose events and are expected to re-query, mirroring the
semantics of remote change streams after reconnection.

# Queries

Filters compare JSON values: numbers numerically, RFC3339 strings as
timestamps, strings lexically. Collections are scanned; there are no
secondary indexes at this scale.
*/
package docstore
