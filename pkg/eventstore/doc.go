/*
Package eventstore implements the append-only event log for suprimo.

Events are stored one document per event under keys of the form
aggregateType:aggregateId:version (zero-padded), which gives per-aggregate
version ordering for free and turns a racing append into a key collision.
Version assignment happens inside a document-store transaction: the current
max version is read and the new event written as max+1, so versions per
aggregate form the gap-free sequence 1, 2, 3, ...

State reconstruction is a reducer fold over the event sequence. LoadState
accelerates it with snapshots: the latest snapshot is loaded and only events
past its version are replayed. QuotationReducer is the canonical fold for
quotation aggregates.
*/
package eventstore
