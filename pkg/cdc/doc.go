/*
Package cdc manages change-data-capture subscriptions.

A subscription wraps one document-store change stream. Raw change events
are buffered until the debounce window closes, then delivered to the
callback as a single batch capped at the configured size; overflow within
one window evicts the oldest changes, never changes from earlier batches.
A dropped stream reconnects with linear backoff (delay x attempt) up to
the attempt cap, resetting after any successful delivery.
*/
package cdc
