/*
Package lock implements lease-based distributed mutexes on the document
store.

A lock is one document in the distributed_locks collection. Acquisition is a
transaction: read the record, take it over when absent or expired, otherwise
report lock-unavailable and retry with exponential backoff and jitter. Every
held lock runs a heartbeat goroutine that extends the lease each interval;
a holder whose extension fails stops heartbeating because the lease was
taken over.

Exactly one live holder exists per lock id at any instant: takeover requires
now >= expiresAt, and extension and release verify holder identity inside
the same transaction.
*/
package lock
