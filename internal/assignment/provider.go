package assignment

import (
	"context"
	"fmt"

	"github.com/pitabwire/certflow/model"
)

// FeedbackScoreKey is the completion data field holding the 0-5 feedback
// score of a finished job.
const FeedbackScoreKey = "feedbackScore"

// RepositoryWorkload counts active assignments per user for the workload
// strategy. Counts span all roles: a user busy on one role is busy.
type RepositoryWorkload struct {
	repo Repository
}

// NewRepositoryWorkload creates a workload source over repo.
func NewRepositoryWorkload(repo Repository) *RepositoryWorkload {
	return &RepositoryWorkload{repo: repo}
}

// ActiveCounts implements strategy.WorkloadSource.
func (w *RepositoryWorkload) ActiveCounts(ctx context.Context, _ string, userIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(userIDs))
	for _, id := range userIDs {
		list, err := w.repo.FindAssignmentsByUser(ctx, id, model.AssignmentFilters{Statuses: model.ActiveStatuses})
		if err != nil {
			return nil, fmt.Errorf("active assignments of %q: %w", id, err)
		}
		counts[id] = len(list)
	}
	return counts, nil
}

// RepositoryMetrics derives performance metrics from a user's assignment
// history.
type RepositoryMetrics struct {
	repo Repository
}

// NewRepositoryMetrics creates a metrics provider over repo.
func NewRepositoryMetrics(repo Repository) *RepositoryMetrics {
	return &RepositoryMetrics{repo: repo}
}

// UserMetrics implements strategy.MetricsProvider. The completion rate is
// the share of completed jobs among those the user finished, declined or
// handed over; cancellations are not held against the user. A user with
// no such outcome has no metrics.
func (m *RepositoryMetrics) UserMetrics(ctx context.Context, userID string) (model.UserMetrics, error) {
	list, err := m.repo.FindAssignmentsByUser(ctx, userID, model.AssignmentFilters{
		Statuses: []string{model.AssignmentCompleted, model.AssignmentRejected, model.AssignmentReassigned},
	})
	if err != nil {
		return model.UserMetrics{}, fmt.Errorf("assignment history of %q: %w", userID, err)
	}
	if len(list) == 0 {
		return model.UserMetrics{}, model.NewError(model.ErrMetricsUnavailable,
			fmt.Sprintf("no assignment history for %q", userID))
	}

	var completed, timed, rated int
	var hours, feedback float64
	for _, a := range list {
		if a.Status != model.AssignmentCompleted {
			continue
		}
		completed++
		if a.SLA.ActualDurationHours != nil {
			hours += *a.SLA.ActualDurationHours
			timed++
		}
		if score, ok := numeric(a.CompletionData[FeedbackScoreKey]); ok {
			feedback += score
			rated++
		}
	}

	out := model.UserMetrics{CompletionRate: float64(completed) / float64(len(list)) * 100}
	if timed > 0 {
		out.AvgProcessingHours = hours / float64(timed)
	}
	if rated > 0 {
		out.AvgFeedbackScore = feedback / float64(rated)
	}
	return out, nil
}

func numeric(v any) (float64, bool) {
	ec := model.EvaluationContext{Fields: map[string]any{"v": v}}
	return ec.Float("v")
}
