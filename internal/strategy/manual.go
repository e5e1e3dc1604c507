package strategy

import (
	"context"
	"fmt"

	"github.com/pitabwire/certflow/model"
)

type preferredKey struct{}

// WithPreferredAssignee attaches the user the Manual strategy should pick.
func WithPreferredAssignee(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, preferredKey{}, userID)
}

// PreferredAssignee returns the user attached by WithPreferredAssignee.
func PreferredAssignee(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(preferredKey{}).(string)
	return id, ok && id != ""
}

// Manual selects the preferred assignee carried on the context, provided
// that user is in the candidate pool. A missing preference is a
// VALIDATION_ERROR; a preference outside the pool is NO_CANDIDATE_AVAILABLE.
type Manual struct{}

// NewManual creates a manual strategy.
func NewManual() *Manual { return &Manual{} }

// Name implements Strategy.
func (Manual) Name() string { return model.StrategyManual }

// Select implements Strategy.
func (m Manual) Select(ctx context.Context, role string, candidates []model.Candidate) (model.Candidate, error) {
	if len(candidates) == 0 {
		return model.Candidate{}, noCandidate(role, m.Name())
	}
	preferred, ok := PreferredAssignee(ctx)
	if !ok {
		// A caller mistake, not an empty pool.
		return model.Candidate{}, model.NewValidationError([]model.FieldError{{
			Field:   "preferred_assignee",
			Code:    "REQUIRED",
			Message: "the manual strategy needs a preferred assignee",
		}}).WithMeta("strategy", m.Name()).WithMeta("role", role)
	}
	for _, c := range candidates {
		if c.ID == preferred {
			return c, nil
		}
	}
	env := model.NewNoCandidateError(role).WithMeta("strategy", m.Name()).WithMeta("preferred", preferred)
	env.Message = fmt.Sprintf("preferred assignee %q is not a candidate for role %q", preferred, role)
	return model.Candidate{}, env
}
