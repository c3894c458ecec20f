/*
Package outbox implements the transactional outbox pattern.

Enqueue writes the message record inside the caller's document-store
transaction, so a message exists iff the domain write it announces
committed. The background Dispatcher polls for due messages, claims each
with a transactional lease (expired leases are reclaimable by any
dispatcher instance), and invokes the handler registered for the message
type. Failures retry on a fixed delay ladder; a message that exhausts its
retries moves atomically to the dead-letter collection, from which it can
be listed and requeued.
*/
package outbox
