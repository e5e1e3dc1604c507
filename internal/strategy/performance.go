package strategy

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/pitabwire/certflow/model"
)

// Score weights. Feedback is on a 0-5 scale, processing time is penalised
// linearly until it reaches a full day.
const (
	completionWeight = 0.4
	feedbackWeight   = 0.3
	speedWeight      = 0.3
	maxFeedback      = 5.0
	hoursPerDay      = 24.0
)

// PerformanceBased picks the candidate with the best historical score.
type PerformanceBased struct {
	provider MetricsProvider
	fallback Strategy
	opts     options
}

// NewPerformanceBased creates a performance strategy. When provider is nil
// or has no data for any candidate, selection is delegated to fallback
// (round robin when nil).
func NewPerformanceBased(provider MetricsProvider, fallback Strategy, opts ...Option) *PerformanceBased {
	if fallback == nil {
		fallback = NewRoundRobin(nil)
	}
	return &PerformanceBased{provider: provider, fallback: fallback, opts: buildOptions(opts)}
}

// Name implements Strategy.
func (p *PerformanceBased) Name() string { return model.StrategyPerformance }

// Score computes the weighted performance score of m.
func Score(m model.UserMetrics) float64 {
	feedback := m.AvgFeedbackScore / maxFeedback * 100
	speed := math.Max(0, 100-m.AvgProcessingHours/hoursPerDay*100)
	return completionWeight*m.CompletionRate + feedbackWeight*feedback + speedWeight*speed
}

// Select implements Strategy.
func (p *PerformanceBased) Select(ctx context.Context, role string, candidates []model.Candidate) (model.Candidate, error) {
	if len(candidates) == 0 {
		return model.Candidate{}, noCandidate(role, p.Name())
	}
	if p.provider == nil {
		return p.fallbackSelect(ctx, role, candidates, "no metrics provider")
	}

	best, bestScore := -1, 0.0
	failures := 0
	for i, c := range candidates {
		score := 0.0
		m, err := p.provider.UserMetrics(ctx, c.ID)
		if err != nil {
			failures++
			if !model.IsCode(err, model.ErrMetricsUnavailable) {
				p.opts.logger.Warn("metrics lookup failed",
					zap.String("user_id", c.ID),
					zap.String("role", role),
					zap.Error(err),
				)
			}
		} else {
			score = Score(m)
		}
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}

	if failures == len(candidates) {
		return p.fallbackSelect(ctx, role, candidates, "no metrics for any candidate")
	}
	return candidates[best], nil
}

func (p *PerformanceBased) fallbackSelect(ctx context.Context, role string, candidates []model.Candidate, why string) (model.Candidate, error) {
	p.opts.logger.Warn("performance strategy falling back",
		zap.String("role", role),
		zap.String("fallback", p.fallback.Name()),
		zap.String("reason", why),
	)
	p.opts.metrics.RecordStrategyFallback(p.Name(), p.fallback.Name())
	return p.fallback.Select(ctx, role, candidates)
}
