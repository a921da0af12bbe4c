package gateway

import (
	"fmt"
	"sync"

	"yqhp/proofsearch/pkg/types"
)

// Selection policy names accepted by NewSelector.
const (
	PolicyLeastInflight = "least_inflight"
	PolicyRoundRobin    = "round_robin"
)

// NewSelector returns the selector for a policy name.
func NewSelector(policy string) (Selector, error) {
	switch policy {
	case "", PolicyLeastInflight:
		return LeastInflightSelector{}, nil
	case PolicyRoundRobin:
		return NewRoundRobinSelector(), nil
	default:
		return nil, fmt.Errorf("unknown selection policy: %s", policy)
	}
}

// LeastInflightSelector picks the worker with the fewest in-flight requests,
// then the one dispatched to least recently, then the smallest id.
type LeastInflightSelector struct{}

// Select implements Selector.
func (LeastInflightSelector) Select(tag string, candidates []*types.Worker) *types.Worker {
	var best *types.Worker
	for _, w := range candidates {
		if best == nil || lessLoaded(w, best) {
			best = w
		}
	}
	return best
}

func lessLoaded(a, b *types.Worker) bool {
	if a.Inflight != b.Inflight {
		return a.Inflight < b.Inflight
	}
	if !a.LastDispatched.Equal(b.LastDispatched) {
		return a.LastDispatched.Before(b.LastDispatched)
	}
	return a.ID < b.ID
}

// RoundRobinSelector rotates through the candidates of each tag.
type RoundRobinSelector struct {
	mu   sync.Mutex
	next map[string]int
}

// NewRoundRobinSelector creates a round-robin selector.
func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{next: make(map[string]int)}
}

// Select implements Selector.
func (s *RoundRobinSelector) Select(tag string, candidates []*types.Worker) *types.Worker {
	if len(candidates) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.next[tag] % len(candidates)
	s.next[tag] = idx + 1
	return candidates[idx]
}
