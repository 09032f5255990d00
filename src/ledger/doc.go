/*
Package ledger implements the causal event store at the heart of weave: an
append-only DAG of signed, content-addressed event records, ordered by
interval-tree-clock stamps instead of a global sequence number.

Events arrive out of order, concurrently, and from untrusted peers. The DAG
admits an event only after verifying its signature and checking that its
stamp strictly dominates the join of its parents' stamps; events whose
parents are unknown wait in a bounded pending buffer until the parents
arrive. Admission never touches account state; it only extends the graph.
Finality and state application are layered on top by the consensus package.
*/
package ledger
