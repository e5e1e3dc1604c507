// Package strategy selects the operator that receives a newly unlocked
// job. Strategies are pure with respect to the candidate list: they never
// reorder or filter it, and ties always go to the earliest candidate.
package strategy

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/certflow/internal/observability"
	"github.com/pitabwire/certflow/model"
)

// Strategy picks one candidate for role.
type Strategy interface {
	Name() string
	Select(ctx context.Context, role string, candidates []model.Candidate) (model.Candidate, error)
}

// WorkloadSource reports how many non-terminal assignments each user
// currently holds for role. Users absent from the result hold none.
type WorkloadSource interface {
	ActiveCounts(ctx context.Context, role string, userIDs []string) (map[string]int, error)
}

// MetricsProvider returns historical performance of a user. A user without
// history returns an error carrying model.ErrMetricsUnavailable.
type MetricsProvider interface {
	UserMetrics(ctx context.Context, userID string) (model.UserMetrics, error)
}

// Option configures strategies that log or record metrics.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *observability.Metrics
}

// WithLogger sets the logger used for fallbacks.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables selection and fallback metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func noCandidate(role string, strategy string) error {
	return model.NewNoCandidateError(role).WithMeta("strategy", strategy)
}
