/*
Package order creates purchase orders from quotations.

At most one order may ever exist per quotation. Four gates enforce it, in
order: a pre-insert check on the deterministic order id derived from the
quotation id, a fingerprint query over the daily dedup bucket, a lock on
the quotation with a re-check when unavailable, and finally a re-read of
the order id inside the transaction that writes the order. A duplicate
caught at any gate returns the existing order marked IsDuplicate rather
than failing. The ORDER_CREATED event and outbox message commit in the
same transaction as the order itself.
*/
package order
