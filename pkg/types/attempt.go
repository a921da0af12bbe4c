package types

// ProofAttempt is one candidate proof for a problem.
type ProofAttempt struct {
	ProblemID string `json:"problem_id"`
	Round     int    `json:"round"`
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
	Verified  bool   `json:"verified"`
	Fact      string `json:"fact,omitempty"`
}

// ProblemRecord groups the attempts retained for one problem.
type ProblemRecord struct {
	ProblemID string          `json:"problem_id"`
	Statement string          `json:"statement,omitempty"`
	Solved    bool            `json:"solved,omitempty"`
	Attempts  []*ProofAttempt `json:"attempts"`
}

// Facts returns the axiom forms of the retained attempts in retention order.
func (p *ProblemRecord) Facts() []string {
	facts := make([]string, 0, len(p.Attempts))
	for _, a := range p.Attempts {
		if a.Fact != "" {
			facts = append(facts, a.Fact)
		}
	}
	return facts
}

// MergedResultSet is the accumulated output of one or more rounds.
// Problems are kept sorted by ProblemID.
type MergedResultSet struct {
	Round    int              `json:"round"`
	Cap      int              `json:"cap"`
	Problems []*ProblemRecord `json:"problems"`
}

// Problem returns the record for id, or nil.
func (m *MergedResultSet) Problem(id string) *ProblemRecord {
	for _, p := range m.Problems {
		if p.ProblemID == id {
			return p
		}
	}
	return nil
}

// AttemptCount returns the total number of retained attempts.
func (m *MergedResultSet) AttemptCount() int {
	n := 0
	for _, p := range m.Problems {
		n += len(p.Attempts)
	}
	return n
}
