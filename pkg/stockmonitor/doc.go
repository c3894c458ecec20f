/*
Package stockmonitor raises quotations automatically when stock runs low.

Inventory changes arrive through a debounced change-stream subscription.
Products at or below their minimum stock whose supplier accepts automatic
requests are buffered per supplier; after a quiet period one burst fires
per supplier. Each product/supplier pair is guarded by a processing lock
and an idempotency key, and creation is suppressed while an active
quotation exists or a received one sits inside the cooldown window.
*/
package stockmonitor
