/*
Package reconciler is the periodic hygiene loop.

Each cycle sweeps the store for damage the runtime guards are meant to
prevent but cannot fully rule out across process crashes: duplicate
orders for one quotation or one fingerprint, outbox messages stuck in
processing behind a dead lease, and expired lock records. Repairs are
level-triggered; every cycle re-derives its work from current store
state, so missed cycles only delay convergence.
*/
package reconciler
