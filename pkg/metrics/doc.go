/*
Package metrics provides Prometheus metrics and health checking for suprimo.

All collectors are package-level and registered at init, following the
convention of exposing one metric family per operational concern: event
appends, lock acquisitions, outbox dispatch outcomes, idempotency hits,
low-stock bursts, order deduplication gates, CDC batches, and hygiene cycles.

The Timer helper measures durations for histogram observation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

The health checker tracks per-component health for the /health and /ready
endpoints; long-lived services call RegisterComponent on Start and
UpdateComponent when their state changes. The Collector periodically samples
store-level gauges (quotations by status, order counts, outbox backlog).
*/
package metrics
