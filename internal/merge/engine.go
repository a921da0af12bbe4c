package merge

import (
	"errors"
	"fmt"
	"sort"

	"github.com/duke-git/lancet/v2/strutil"

	"yqhp/proofsearch/pkg/types"
)

// ErrNoPrior is wrapped by the MergeConflictError returned for an incremental
// merge without a prior merged set.
var ErrNoPrior = errors.New("incremental merge without a prior merged set")

// Options controls a merge.
type Options struct {
	// Cap is the retention cap N per problem; zero or less means unbounded.
	Cap int
	// Dedup collapses attempts sharing a signature to the first one seen.
	Dedup bool
	// Incremental unions the prior merged set before dedup and cap.
	Incremental bool
	// SkipIncomplete discards attempts containing sorry or admit.
	SkipIncomplete bool
	// DropSolved omits problems marked solved from the output.
	DropSolved bool
	// Round stamps the output and attempts without a round. Zero derives it
	// from the inputs.
	Round int
}

// Report counts what a merge did.
type Report struct {
	Problems      int `json:"problems"`
	Retained      int `json:"retained"`
	Duplicates    int `json:"duplicates"`
	Truncated     int `json:"truncated"`
	Incomplete    int `json:"incomplete"`
	DroppedSolved int `json:"dropped_solved"`
}

// Merge merges a batch of problem records into prior. Neither input is
// modified. prior is ignored unless opts.Incremental is set, in which case it
// must not be nil.
func Merge(batch []*types.ProblemRecord, prior *types.MergedResultSet, opts Options) (*types.MergedResultSet, error) {
	out, _, err := MergeWithReport(batch, prior, opts)
	return out, err
}

type problemState struct {
	record *types.ProblemRecord
	seen   map[string]bool
	// candidate attempts in retention order
	pending []*types.ProofAttempt
}

// MergeWithReport is Merge that also returns counters.
func MergeWithReport(batch []*types.ProblemRecord, prior *types.MergedResultSet, opts Options) (*types.MergedResultSet, *Report, error) {
	if !opts.Incremental {
		prior = nil
	} else if prior == nil {
		return nil, nil, &MergeConflictError{Err: ErrNoPrior}
	}
	round := outputRound(batch, prior, opts)
	report := &Report{}
	problems := make(map[string]*problemState)

	state := func(rec *types.ProblemRecord) (*problemState, error) {
		if strutil.IsBlank(rec.ProblemID) {
			return nil, fmt.Errorf("problem record without problem_id")
		}
		st, ok := problems[rec.ProblemID]
		if !ok {
			st = &problemState{
				record: &types.ProblemRecord{ProblemID: rec.ProblemID},
				seen:   make(map[string]bool),
			}
			problems[rec.ProblemID] = st
		}
		if st.record.Statement == "" {
			st.record.Statement = rec.Statement
		}
		st.record.Solved = st.record.Solved || rec.Solved
		return st, nil
	}

	// prior first, in stored order, then the batch in input order
	var sources []*types.ProblemRecord
	if prior != nil {
		sources = append(sources, prior.Problems...)
	}
	sources = append(sources, batch...)

	for _, rec := range sources {
		if rec == nil {
			continue
		}
		st, err := state(rec)
		if err != nil {
			return nil, nil, err
		}
		for _, a := range rec.Attempts {
			if a == nil {
				continue
			}
			if opts.SkipIncomplete && IsIncomplete(a.Content) {
				report.Incomplete++
				continue
			}
			attempt := normalizeAttempt(a, rec.ProblemID, round)
			if opts.Dedup {
				if st.seen[attempt.Signature] {
					report.Duplicates++
					continue
				}
				st.seen[attempt.Signature] = true
			}
			st.pending = append(st.pending, attempt)
		}
	}

	out := &types.MergedResultSet{
		Round:    round,
		Cap:      opts.Cap,
		Problems: make([]*types.ProblemRecord, 0, len(problems)),
	}
	for _, st := range problems {
		if opts.DropSolved && st.record.Solved {
			report.DroppedSolved++
			continue
		}
		kept := st.pending
		if opts.Cap > 0 && len(kept) > opts.Cap {
			report.Truncated += len(kept) - opts.Cap
			kept = kept[:opts.Cap]
		}
		st.record.Attempts = kept
		report.Retained += len(kept)
		out.Problems = append(out.Problems, st.record)
	}
	sort.Slice(out.Problems, func(i, j int) bool {
		return out.Problems[i].ProblemID < out.Problems[j].ProblemID
	})
	report.Problems = len(out.Problems)

	return out, report, nil
}

// normalizeAttempt copies a and fills the derived fields.
func normalizeAttempt(a *types.ProofAttempt, problemID string, round int) *types.ProofAttempt {
	c := *a
	c.ProblemID = problemID
	if c.Round == 0 {
		c.Round = round
	}
	if c.Signature == "" {
		c.Signature = Signature(c.Content)
	}
	c.Fact = ToAxiom(c.Content)
	return &c
}

// outputRound picks opts.Round, else the highest attempt round in the batch,
// else one past the prior round.
func outputRound(batch []*types.ProblemRecord, prior *types.MergedResultSet, opts Options) int {
	if opts.Round > 0 {
		return opts.Round
	}
	round := 0
	for _, rec := range batch {
		if rec == nil {
			continue
		}
		for _, a := range rec.Attempts {
			if a != nil && a.Round > round {
				round = a.Round
			}
		}
	}
	if round > 0 {
		return round
	}
	if prior != nil {
		return prior.Round + 1
	}
	return 1
}
