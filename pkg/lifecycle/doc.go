/*
Package lifecycle implements the quotation state machine.

Machine is the pure in-memory half: a transition table over quotation
states, guard predicates that leave the quotation untouched on failure, and
a trajectory history sufficient to serialize and restore the machine
verbatim. Engine is the persistent half: it loads the quotation, applies
the transition, and commits the quotation update, the domain event, and
the resulting outbox messages in one document-store transaction.
*/
package lifecycle
