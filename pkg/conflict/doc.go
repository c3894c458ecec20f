/*
Package conflict resolves concurrent edits between document replicas.

Version vectors order replica histories; Compare reports Equal, Greater,
Less, or Concurrent, and only Concurrent pairs are real conflicts. Detect
classifies the differing fields and flags whether the conflict is
auto-resolvable (no critical field involved). Merge performs the standard
three-way fold over a common base, producing merged state, the applied
changes, and any unresolved conflicts.

The CRDT types (G-Counter, PN-Counter, LWW-Register, LWW-Map) provide
merge operations that are commutative, associative, and idempotent, for
state that must converge without coordination.
*/
package conflict
