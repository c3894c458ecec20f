/*
Package idempotency deduplicates logical operations.

An operation is identified by a fingerprint of its type, sorted parameters,
and the current TTL bucket, so retries of the same request within one window
collapse to one execution. Execute consults an in-memory cache, then the
persistent record table inside a transaction, and only runs the guarded
function after claiming a Processing lease. The terminal outcome (result or
error) is persisted before the error propagates, so a later duplicate sees
the recorded state rather than re-executing.
*/
package idempotency
