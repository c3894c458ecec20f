/*
Package log provides structured logging for suprimo using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at process start:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Long-lived services derive a component logger and attach identifiers:

	logger := log.WithComponent("outbox")
	logger.Info().Str("message_id", msg.ID).Msg("dispatched")

Domain helpers (WithQuotationID, WithSupplierID, WithCorrelationID) exist for
the identifiers that recur across components.
*/
package log
