// Package node implements the top-level orchestration of a weave node. It
// wires the event DAG, the finality engine and the state trie together and
// runs them behind channels: wire events are submitted on an inbound channel
// and verified on a worker pool, admitted events stream out for gossip, and a
// control timer drives periodic finalization passes.
package node
