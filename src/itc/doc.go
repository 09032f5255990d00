/*
Package itc implements Interval Tree Clocks, the causality stamps that order
events in the weave ledger.

A Stamp is a pair of trees: an identity tree, which partitions participation
credit among forked actors, and an event tree, which records logical-time
increments per branch of the identity tree. Stamps support four operations:

  - Fork: split a stamp's identity in two, so that two actors can produce
    events independently.
  - Event: advance the stamp's logical time on the branches it owns. The
    result strictly dominates the input.
  - Join: compute the least upper bound of two stamps. Used to merge
    branches and to compute the minimum stamp a multi-parent event must
    dominate.
  - Leq: the happens-before-or-equal test. Two stamps are concurrent when
    neither Leq's the other.

Stamps form a join-semilattice: Join is commutative, associative and
idempotent, and dominates both operands under Leq. Stamps are immutable;
derived stamps share structure with their parents, so holding on to an old
stamp for later comparison is always safe.
*/
package itc
