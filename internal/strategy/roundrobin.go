package strategy

import (
	"context"
	"fmt"

	"github.com/pitabwire/certflow/model"
)

// RoundRobin cycles through the candidate list in order, one rotating
// position per role.
type RoundRobin struct {
	counter Counter
}

// NewRoundRobin creates a round-robin strategy. A nil counter uses an
// in-memory one.
func NewRoundRobin(counter Counter) *RoundRobin {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	return &RoundRobin{counter: counter}
}

// Name implements Strategy.
func (r *RoundRobin) Name() string { return model.StrategyRoundRobin }

// Select implements Strategy.
func (r *RoundRobin) Select(ctx context.Context, role string, candidates []model.Candidate) (model.Candidate, error) {
	if len(candidates) == 0 {
		return model.Candidate{}, noCandidate(role, r.Name())
	}
	n, err := r.counter.Next(ctx, role)
	if err != nil {
		return model.Candidate{}, fmt.Errorf("round robin position for %q: %w", role, err)
	}
	return candidates[n%uint64(len(candidates))], nil
}
