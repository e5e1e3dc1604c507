package strategy

import (
	"context"
	"fmt"

	"github.com/pitabwire/certflow/model"
)

// WorkloadBased picks the candidate holding the fewest active assignments.
type WorkloadBased struct {
	source WorkloadSource
}

// NewWorkloadBased creates a workload strategy reading counts from source.
func NewWorkloadBased(source WorkloadSource) *WorkloadBased {
	return &WorkloadBased{source: source}
}

// Name implements Strategy.
func (w *WorkloadBased) Name() string { return model.StrategyWorkload }

// Select implements Strategy.
func (w *WorkloadBased) Select(ctx context.Context, role string, candidates []model.Candidate) (model.Candidate, error) {
	if len(candidates) == 0 {
		return model.Candidate{}, noCandidate(role, w.Name())
	}
	if w.source == nil {
		return candidates[0], nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	counts, err := w.source.ActiveCounts(ctx, role, ids)
	if err != nil {
		return model.Candidate{}, fmt.Errorf("workload counts for %q: %w", role, err)
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if counts[candidates[i].ID] < counts[candidates[best].ID] {
			best = i
		}
	}
	return candidates[best], nil
}
