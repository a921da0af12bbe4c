// Package orchestrator sequences search rounds: generate candidate proofs
// through the gateway, verify them with the proof compiler, write the round
// batch and merge it into the accumulated result set.
package orchestrator
