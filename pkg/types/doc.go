// Package types defines the core data structures shared by the proof search gateway,
// its workers and the merge engine.
//
// This package contains:
//   - Worker, Lease and worker lifecycle events owned by the capability registry
//   - Request/Response envelopes used by the router
//   - ProofAttempt, ProblemRecord and MergedResultSet persisted between rounds
//   - API request/response types for REST communication
package types
