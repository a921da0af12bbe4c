// Package merge deduplicates proof attempts by canonical signature and
// accumulates them per problem across search rounds under a retention cap.
//
// Retention is oldest-first: attempts already in the prior merged file keep
// their stored order and come before the new round's attempts, which keep
// their input order. Everything past the cap is dropped. Output is
// deterministic, so re-running a merge on identical inputs yields a
// byte-identical file.
package merge
