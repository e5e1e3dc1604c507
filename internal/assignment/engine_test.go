package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/certflow/internal/observability"
	"github.com/pitabwire/certflow/internal/strategy"
	"github.com/pitabwire/certflow/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	repo   *MemoryRepository
	events *RecordingPublisher
	clock  *fakeClock
}

func newTestMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	return observability.InitMetrics(prometheus.NewRegistry())
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := NewMemoryRepository()
	pool := NewCandidatePool(
		model.Candidate{ID: "A", Role: "inspector", Name: "Anong"},
		model.Candidate{ID: "B", Role: "inspector", Name: "Boon"},
		model.Candidate{ID: "C", Role: "inspector", Name: "Chai"},
		model.Candidate{ID: "R1", Role: "reviewer", Name: "Rattana"},
	)
	strategies, err := strategy.NewRegistry("", strategy.Deps{
		Workload: NewRepositoryWorkload(repo),
		Metrics:  NewRepositoryMetrics(repo),
	})
	require.NoError(t, err)

	var seq atomic.Int64
	f := &fixture{
		repo:   repo,
		events: NewRecordingPublisher(256),
		clock:  &fakeClock{now: repoEpoch},
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithPublisher(f.events),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
	}
	f.engine, err = NewEngine(repo, pool, strategies, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func (f *fixture) create(t *testing.T, caseID, role, user string) model.Assignment {
	t.Helper()
	a, err := f.engine.CreateAssignment(context.Background(), CreateRequest{
		CaseID: caseID, Role: role, AssignedTo: user,
	})
	require.NoError(t, err)
	return a
}

// inProgress creates an assignment and walks it to in_progress.
func (f *fixture) inProgress(t *testing.T, caseID, user string) model.Assignment {
	t.Helper()
	ctx := context.Background()
	a := f.create(t, caseID, "inspector", user)
	_, err := f.engine.AcceptAssignment(ctx, a.ID, user)
	require.NoError(t, err)
	a, err = f.engine.StartAssignment(ctx, a.ID, user)
	require.NoError(t, err)
	return a
}

func TestNewEngine_requiresCollaborators(t *testing.T) {
	_, err := NewEngine(nil, NewCandidatePool(), nil)
	assert.Error(t, err)
}

func TestAutoAssign_workloadPicksLeastLoaded(t *testing.T) {
	f := newFixture(t)
	f.create(t, "c1", "inspector", "A")
	f.create(t, "c2", "inspector", "A")
	f.create(t, "c3", "inspector", "B")

	a, err := f.engine.AutoAssign(context.Background(), "c4", "inspector", "", "")
	require.NoError(t, err)

	assert.Equal(t, "C", a.AssignedTo)
	assert.Equal(t, model.StrategyWorkload, a.StrategyUsed)
	assert.Equal(t, model.AssignmentAssigned, a.Status)
	assert.Equal(t, model.PriorityMedium, a.Priority)
	assert.Equal(t, model.JobGeneral, a.JobType)
	assert.Equal(t, model.SystemRole, a.AssignedBy)
	assert.Equal(t, 72.0, a.SLA.ExpectedDurationHours)
	assert.True(t, a.SLA.DueAt.Equal(repoEpoch.Add(72*time.Hour)))
	require.Len(t, a.History, 1)
	assert.Equal(t, model.ActionCreated, a.History[0].Action)
}

func TestAutoAssign_jobTypeAndOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.engine.AutoAssign(ctx, "c1", "inspector", model.PriorityHigh, model.StrategyRoundRobin,
		WithJobType(model.JobFieldInspection))
	require.NoError(t, err)
	assert.Equal(t, "A", a.AssignedTo)
	assert.Equal(t, 120.0, a.SLA.ExpectedDurationHours)
	assert.Equal(t, model.PriorityHigh, a.Priority)

	b, err := f.engine.AutoAssign(ctx, "c2", "inspector", "", model.StrategyRoundRobin,
		WithJobType(model.JobFieldInspection), WithSLAHours(6))
	require.NoError(t, err)
	assert.Equal(t, "B", b.AssignedTo)
	assert.True(t, b.SLA.DueAt.Equal(repoEpoch.Add(6*time.Hour)))
}

func TestAutoAssign_returnsExistingActive(t *testing.T) {
	m := newTestMetrics(t)
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, WithMetrics(m), WithLogger(zap.New(core)))
	ctx := context.Background()

	first, err := f.engine.AutoAssign(ctx, "c1", "inspector", "", "")
	require.NoError(t, err)
	second, err := f.engine.AutoAssign(ctx, "c1", "inspector", "", model.StrategyRoundRobin)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.repo.Len())
	assert.Equal(t, []string{model.ActionCreated}, f.events.Types())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AssignmentDuplicatesTotal.WithLabelValues("inspector")))
	assert.Equal(t, 1, logs.FilterMessage("active assignment already exists, returning it").Len())
}

func TestAutoAssign_errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		caseID   string
		role     string
		priority string
		strategy string
		code     string
	}{
		{name: "no candidates for role", caseID: "c1", role: "auditor", code: model.ErrNoCandidateAvailable},
		{name: "unknown strategy", caseID: "c1", role: "inspector", strategy: "lottery", code: model.ErrValidationError},
		{name: "missing case", role: "inspector", code: model.ErrValidationError},
		{name: "bad priority", caseID: "c1", role: "inspector", priority: "asap", code: model.ErrValidationError},
		{name: "manual without preferred", caseID: "c1", role: "inspector", strategy: model.StrategyManual, code: model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.AutoAssign(ctx, tt.caseID, tt.role, tt.priority, tt.strategy)
			assert.True(t, model.IsCode(err, tt.code), "got %v", err)
		})
	}
	assert.Zero(t, f.repo.Len())
}

func TestAutoAssign_manualPreferred(t *testing.T) {
	f := newFixture(t)
	ctx := strategy.WithPreferredAssignee(context.Background(), "B")

	a, err := f.engine.AutoAssign(ctx, "c1", "inspector", "", model.StrategyManual)
	require.NoError(t, err)
	assert.Equal(t, "B", a.AssignedTo)
	assert.Equal(t, model.StrategyManual, a.StrategyUsed)
}

func TestAutoAssign_performanceUsesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// B completes fast with top feedback; A completes late.
	for i, user := range []string{"A", "B"} {
		a := f.inProgress(t, fmt.Sprintf("hist-%d", i), user)
		if user == "A" {
			f.clock.Advance(100 * time.Hour)
		} else {
			f.clock.Advance(time.Hour)
		}
		_, err := f.engine.CompleteAssignment(ctx, a.ID, user, map[string]any{FeedbackScoreKey: map[string]float64{"A": 2, "B": 5}[user]})
		require.NoError(t, err)
	}

	a, err := f.engine.AutoAssign(ctx, "c9", "inspector", "", model.StrategyPerformance)
	require.NoError(t, err)
	assert.Equal(t, "B", a.AssignedTo)
}

func TestAssignForStage(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.AssignForStage(context.Background(), "c1", model.StageAssignment{
		Role:     "reviewer",
		JobType:  model.JobDocumentReview,
		Priority: model.PriorityUrgent,
	})
	require.NoError(t, err)
	assert.Equal(t, "R1", a.AssignedTo)
	assert.Equal(t, 48.0, a.SLA.ExpectedDurationHours)
	assert.Equal(t, model.PriorityUrgent, a.Priority)
}

func TestCreateAssignment_defaults(t *testing.T) {
	f := newFixture(t)
	ctx := model.WithActor(context.Background(), model.Actor{ID: "officer-1", Role: "dtam_officer"})

	a, err := f.engine.CreateAssignment(ctx, CreateRequest{CaseID: "c1", Role: "inspector", AssignedTo: "Z"})
	require.NoError(t, err)
	assert.Equal(t, "Z", a.AssignedTo)
	assert.Equal(t, "officer-1", a.AssignedBy)
	assert.Equal(t, model.StrategyManual, a.StrategyUsed)
	assert.Equal(t, 1, a.Version)
}

func TestCreateAssignment_validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateAssignment(context.Background(), CreateRequest{
		Role:             "inspector",
		Priority:         "whenever",
		SLAOverrideHours: -1,
	})

	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	assert.Equal(t, model.ErrValidationError, env.Code)

	fields := map[string]string{}
	for _, d := range env.Details {
		fields[d.Field] = d.Code
	}
	assert.Equal(t, map[string]string{
		"case_id":            "REQUIRED",
		"assigned_to":        "REQUIRED",
		"priority":           "INVALID_VALUE",
		"sla_override_hours": "INVALID_VALUE",
	}, fields)
}

func TestCreateAssignment_concurrentSamePair(t *testing.T) {
	f := newFixture(t)
	const workers = 50

	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.engine.CreateAssignment(context.Background(), CreateRequest{
				CaseID: "c1", Role: "inspector", AssignedTo: fmt.Sprintf("user-%d", i),
			})
			if assert.NoError(t, err) {
				ids[i] = a.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.repo.Len())
	assert.Zero(t, f.engine.locks.size())
}

// racingRepository hides the active record from the first lookup, as if
// another process inserted it in between.
type racingRepository struct {
	*MemoryRepository
	hidden atomic.Bool
}

func (r *racingRepository) FindActiveAssignmentByCaseAndRole(ctx context.Context, caseID, role string) (model.Assignment, bool, error) {
	if r.hidden.CompareAndSwap(true, false) {
		return model.Assignment{}, false, nil
	}
	return r.MemoryRepository.FindActiveAssignmentByCaseAndRole(ctx, caseID, role)
}

func TestCreateAssignment_lostRaceReturnsWinner(t *testing.T) {
	repo := &racingRepository{MemoryRepository: NewMemoryRepository()}
	winner, err := repo.Save(context.Background(), record("c1", "inspector", "A", repoEpoch.Add(time.Hour)))
	require.NoError(t, err)
	repo.hidden.Store(true)

	strategies, err := strategy.NewRegistry("", strategy.Deps{})
	require.NoError(t, err)
	e, err := NewEngine(repo, NewCandidatePool(), strategies)
	require.NoError(t, err)

	got, err := e.CreateAssignment(context.Background(), CreateRequest{CaseID: "c1", Role: "inspector", AssignedTo: "B"})
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)
	assert.Equal(t, "A", got.AssignedTo)
}

func TestLifecycle_happyPath(t *testing.T) {
	m := newTestMetrics(t)
	f := newFixture(t, WithMetrics(m))
	ctx := context.Background()

	a := f.create(t, "c1", "inspector", "A")

	a, err := f.engine.AcceptAssignment(ctx, a.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAccepted, a.Status)
	require.NotNil(t, a.AcceptedAt)

	f.clock.Advance(2 * time.Hour)
	a, err = f.engine.StartAssignment(ctx, a.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentInProgress, a.Status)
	require.NotNil(t, a.StartedAt)

	f.clock.Advance(45 * time.Hour)
	a, err = f.engine.CompleteAssignment(ctx, a.ID, "A", map[string]any{"notes": "ok", FeedbackScoreKey: 4})
	require.NoError(t, err)

	assert.Equal(t, model.AssignmentCompleted, a.Status)
	require.NotNil(t, a.CompletedAt)
	require.NotNil(t, a.SLA.ActualDurationHours)
	assert.InDelta(t, 47.0, *a.SLA.ActualDurationHours, 0.001)
	require.NotNil(t, a.SLA.IsOnTime)
	assert.True(t, *a.SLA.IsOnTime)
	assert.Equal(t, "ok", a.CompletionData["notes"])
	assert.Equal(t, 4, a.Version)

	var actions []string
	for _, h := range a.History {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []string{model.ActionCreated, model.ActionAccepted, model.ActionStarted, model.ActionCompleted}, actions)
	assert.Equal(t, actions, f.events.Types())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AssignmentsCompletedTotal.WithLabelValues(model.JobGeneral, "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AssignmentOperationsTotal.WithLabelValues(model.ActionCompleted, "ok")))
}

func TestComplete_lateMarksBreach(t *testing.T) {
	f := newFixture(t)
	a := f.inProgress(t, "c1", "A")

	f.clock.Advance(73 * time.Hour)
	a, err := f.engine.CompleteAssignment(context.Background(), a.ID, "A", nil)
	require.NoError(t, err)
	require.NotNil(t, a.SLA.IsOnTime)
	assert.False(t, *a.SLA.IsOnTime)
	assert.Nil(t, a.CompletionData)
}

func TestLifecycle_rejectedTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "c1", "inspector", "A")

	tests := []struct {
		name string
		call func() error
		code string
	}{
		{"accept by other user", func() error { _, err := f.engine.AcceptAssignment(ctx, a.ID, "B"); return err }, model.ErrUnauthorized},
		{"start by other user", func() error { _, err := f.engine.StartAssignment(ctx, a.ID, "B"); return err }, model.ErrUnauthorized},
		{"complete by other user", func() error { _, err := f.engine.CompleteAssignment(ctx, a.ID, "B", nil); return err }, model.ErrUnauthorized},
		{"reject without reason", func() error { _, err := f.engine.RejectAssignment(ctx, a.ID, "A", ""); return err }, model.ErrValidationError},
		{"unknown id", func() error { _, err := f.engine.AcceptAssignment(ctx, "nope", "A"); return err }, model.ErrNotFound},
		{"cancel without reason", func() error { _, err := f.engine.CancelAssignment(ctx, a.ID, ""); return err }, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.True(t, model.IsCode(err, tt.code), "got %v", err)
		})
	}

	got, err := f.repo.FindAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAssigned, got.Status)
	assert.Len(t, got.History, 1, "failed operations leave no history")
}

func TestStart_withoutAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "c1", "inspector", "A")

	f.clock.Advance(time.Hour)
	a, err := f.engine.StartAssignment(ctx, a.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentInProgress, a.Status)
	require.NotNil(t, a.AcceptedAt)
	require.NotNil(t, a.StartedAt)
	assert.Equal(t, *a.StartedAt, *a.AcceptedAt)
	assert.False(t, a.AcceptedAt.Before(a.AssignedAt))

	_, err = f.engine.StartAssignment(ctx, a.ID, "A")
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "got %v", err)
}

func TestStart_keepsAcceptTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "c1", "inspector", "A")

	a, err := f.engine.AcceptAssignment(ctx, a.ID, "A")
	require.NoError(t, err)
	accepted := *a.AcceptedAt
	f.clock.Advance(2 * time.Hour)
	a, err = f.engine.StartAssignment(ctx, a.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, accepted, *a.AcceptedAt)
	assert.Equal(t, accepted.Add(2*time.Hour), *a.StartedAt)
}

func TestComplete_fromAnyActiveStatus(t *testing.T) {
	tests := []struct {
		name   string
		walk   []string
		after  time.Duration
		onTime bool
	}{
		{name: "assigned on time", after: 47 * time.Hour, onTime: true},
		{name: "assigned late", after: 49 * time.Hour, onTime: false},
		{name: "accepted on time", walk: []string{model.ActionAccepted}, after: 47 * time.Hour, onTime: true},
		{name: "accepted late", walk: []string{model.ActionAccepted}, after: 49 * time.Hour, onTime: false},
		{name: "in progress", walk: []string{model.ActionAccepted, model.ActionStarted}, after: 10 * time.Hour, onTime: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			a, err := f.engine.CreateAssignment(ctx, CreateRequest{
				CaseID: "c1", Role: "inspector", AssignedTo: "A", SLAOverrideHours: 48,
			})
			require.NoError(t, err)
			for _, step := range tt.walk {
				switch step {
				case model.ActionAccepted:
					_, err = f.engine.AcceptAssignment(ctx, a.ID, "A")
				case model.ActionStarted:
					_, err = f.engine.StartAssignment(ctx, a.ID, "A")
				}
				require.NoError(t, err)
			}

			f.clock.Advance(tt.after)
			a, err = f.engine.CompleteAssignment(ctx, a.ID, "A", nil)
			require.NoError(t, err)
			assert.Equal(t, model.AssignmentCompleted, a.Status)
			require.NotNil(t, a.SLA.IsOnTime)
			require.NotNil(t, a.SLA.ActualDurationHours)
			assert.Equal(t, tt.onTime, *a.SLA.IsOnTime)
			assert.InDelta(t, tt.after.Hours(), *a.SLA.ActualDurationHours, 0.001)
		})
	}
}

func TestComplete_terminalRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "c1", "inspector", "A")
	_, err := f.engine.CancelAssignment(ctx, a.ID, "withdrawn")
	require.NoError(t, err)

	_, err = f.engine.CompleteAssignment(ctx, a.ID, "A", nil)
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "got %v", err)
}

func TestAccept_twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "c1", "inspector", "A")

	_, err := f.engine.AcceptAssignment(ctx, a.ID, "A")
	require.NoError(t, err)
	_, err = f.engine.AcceptAssignment(ctx, a.ID, "A")
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "got %v", err)
}

func TestRejectAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, "c1", "inspector", "A")
	a, err := f.engine.RejectAssignment(ctx, a.ID, "A", "conflict of interest")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentRejected, a.Status)
	assert.Equal(t, "conflict of interest", a.RejectionReason)

	b := f.inProgress(t, "c2", "B")
	_, err = f.engine.RejectAssignment(ctx, b.ID, "B", "too late")
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "got %v", err)
}

func TestCancelAssignment_actorFromContext(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "c1", "inspector", "A")
	ctx := model.WithActor(context.Background(), model.Actor{ID: "officer-7", Role: "dtam_officer"})

	a, err := f.engine.CancelAssignment(ctx, a.ID, "application withdrawn")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentCancelled, a.Status)
	assert.Equal(t, "application withdrawn", a.CancellationReason)
	assert.Equal(t, "officer-7", a.History[len(a.History)-1].Actor)

	_, err = f.engine.CancelAssignment(ctx, a.ID, "again")
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "got %v", err)
}

func TestCancelAssignment_systemActor(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "c1", "inspector", "A")
	a, err := f.engine.CancelAssignment(context.Background(), a.ID, "expired")
	require.NoError(t, err)
	assert.Equal(t, model.SystemRole, a.History[len(a.History)-1].Actor)
}

func TestReassignJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.create(t, "c1", "inspector", "A")
	_, err := f.engine.AcceptAssignment(ctx, old.ID, "A")
	require.NoError(t, err)
	f.events.Types()

	f.clock.Advance(10 * time.Hour)
	next, err := f.engine.ReassignJob(ctx, old.ID, "B", "on leave", "officer-1")
	require.NoError(t, err)

	assert.NotEqual(t, old.ID, next.ID)
	assert.Equal(t, "B", next.AssignedTo)
	assert.Equal(t, model.AssignmentAssigned, next.Status)
	assert.Equal(t, model.StrategyManual, next.StrategyUsed)
	assert.Equal(t, old.ID, next.PreviousAssignmentID)
	assert.Equal(t, "officer-1", next.AssignedBy)
	assert.True(t, next.SLA.DueAt.Equal(repoEpoch.Add(82*time.Hour)), "fresh window from reassignment")

	prev, err := f.repo.FindAssignment(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentReassigned, prev.Status)
	require.NotNil(t, prev.Reassignment)
	assert.Equal(t, "B", prev.Reassignment.ReassignedTo)
	assert.Equal(t, "officer-1", prev.Reassignment.ReassignedBy)
	assert.Equal(t, "on leave", prev.Reassignment.Reason)
	assert.Equal(t, next.ID, prev.Reassignment.NewAssignmentID)

	active, ok, err := f.repo.FindActiveAssignmentByCaseAndRole(ctx, "c1", "inspector")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next.ID, active.ID)

	assert.Equal(t, []string{model.ActionReassigned, model.ActionCreated}, f.events.Types())
}

func TestReassignJob_errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "c1", "inspector", "A")
	done := f.inProgress(t, "c2", "B")
	_, err := f.engine.CompleteAssignment(ctx, done.ID, "B", nil)
	require.NoError(t, err)

	tests := []struct {
		name, id, to, reason, code string
	}{
		{"same user", a.ID, "A", "swap", model.ErrValidationError},
		{"missing reason", a.ID, "B", "", model.ErrValidationError},
		{"terminal", done.ID, "C", "swap", model.ErrInvalidState},
		{"unknown", "missing", "C", "swap", model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ReassignJob(ctx, tt.id, tt.to, tt.reason, "officer-1")
			assert.True(t, model.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestAddCommentAndAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "c1", "inspector", "A")

	a, err := f.engine.AddComment(ctx, a.ID, "A", "site visit booked")
	require.NoError(t, err)
	require.Len(t, a.Comments, 1)
	assert.Equal(t, "site visit booked", a.Comments[0].Text)
	assert.NotEmpty(t, a.Comments[0].ID)

	a, err = f.engine.AddAttachment(ctx, a.ID, model.Attachment{
		Name: "photo.jpg", URL: "https://files.example.org/photo.jpg", UploadedBy: "A",
	})
	require.NoError(t, err)
	require.Len(t, a.Attachments, 1)
	assert.True(t, a.Attachments[0].Timestamp.Equal(repoEpoch))

	_, err = f.engine.AddComment(ctx, a.ID, "A", "")
	assert.True(t, model.IsCode(err, model.ErrValidationError), "got %v", err)
	_, err = f.engine.AddAttachment(ctx, a.ID, model.Attachment{Name: "x", URL: "not a url", UploadedBy: "A"})
	assert.True(t, model.IsCode(err, model.ErrValidationError), "got %v", err)

	assert.Equal(t, []string{model.ActionCreated, model.ActionCommentAdded, model.ActionAttachmentAdded}, f.events.Types())
}

// insertFailingRepository rejects inserts once armed.
type insertFailingRepository struct {
	*MemoryRepository
	armed atomic.Bool
}

func (r *insertFailingRepository) Save(ctx context.Context, a model.Assignment) (model.Assignment, error) {
	if a.Version == 0 && r.armed.Load() {
		return model.Assignment{}, errors.New("disk full")
	}
	return r.MemoryRepository.Save(ctx, a)
}

func TestReassignJob_replacementFailureRestoresOriginal(t *testing.T) {
	repo := &insertFailingRepository{MemoryRepository: NewMemoryRepository()}
	strategies, err := strategy.NewRegistry("", strategy.Deps{})
	require.NoError(t, err)
	events := NewRecordingPublisher(16)
	e, err := NewEngine(repo, NewCandidatePool(), strategies, WithPublisher(events))
	require.NoError(t, err)
	ctx := context.Background()

	a, err := e.CreateAssignment(ctx, CreateRequest{CaseID: "c1", Role: "inspector", AssignedTo: "A"})
	require.NoError(t, err)
	a, err = e.AcceptAssignment(ctx, a.ID, "A")
	require.NoError(t, err)

	repo.armed.Store(true)
	_, err = e.ReassignJob(ctx, a.ID, "B", "sick leave", "supervisor-1")
	require.Error(t, err)

	got, err := repo.FindAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAccepted, got.Status)
	assert.Nil(t, got.Reassignment)
	actions := make([]string, 0, len(got.History))
	for _, h := range got.History {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []string{
		model.ActionCreated, model.ActionAccepted, model.ActionReassigned, model.ActionReassignmentReverted,
	}, actions)

	active, ok, err := repo.FindActiveAssignmentByCaseAndRole(ctx, "c1", "inspector")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, active.ID)
	assert.Equal(t, 1, repo.Len())
	assert.Equal(t, []string{model.ActionCreated, model.ActionAccepted}, events.Types(), "nothing published for the failed reassignment")

	repo.armed.Store(false)
	next, err := e.ReassignJob(ctx, a.ID, "B", "sick leave", "supervisor-1")
	require.NoError(t, err)
	assert.Equal(t, "B", next.AssignedTo)
}

func TestAssignmentSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "c1", "inspector", "A")
	_, err := f.engine.AcceptAssignment(ctx, a.ID, "B")
	require.Error(t, err)
	_, err = f.engine.StartAssignment(ctx, "missing", "A")
	require.Error(t, err)
	_, err = f.engine.AcceptAssignment(ctx, a.ID, "A")
	require.NoError(t, err)

	type outcome struct {
		name, code string
		failed     bool
	}
	var got []outcome
	for _, s := range rec.Ended() {
		o := outcome{name: s.Name(), failed: s.Status().Code == codes.Error}
		for _, kv := range s.Attributes() {
			if kv.Key == observability.AttrErrorCode {
				o.code = kv.Value.AsString()
			}
		}
		got = append(got, o)
	}
	assert.Equal(t, []outcome{
		{name: "assignment.create"},
		{name: "assignment.accepted", code: model.ErrUnauthorized, failed: true},
		{name: "assignment.started", code: model.ErrNotFound, failed: true},
		{name: "assignment.accepted"},
	}, got)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, model.AssignmentEvent) error {
	return errors.New("broker down")
}

func TestPublishFailureDoesNotRollBack(t *testing.T) {
	m := newTestMetrics(t)
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, WithPublisher(failingPublisher{}), WithMetrics(m), WithLogger(zap.New(core)))

	a := f.create(t, "c1", "inspector", "A")
	a, err := f.engine.AcceptAssignment(context.Background(), a.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAccepted, a.Status)
	assert.Equal(t, 2, logs.FilterMessage("assignment event not published").Len())
}

func TestConcurrentMutationsSerialise(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "c1", "inspector", "A")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.AddComment(context.Background(), a.ID, "A", fmt.Sprintf("note %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := f.repo.FindAssignment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Comments, 20)
	assert.Equal(t, 21, got.Version)
}

func TestDeadlineQueries(t *testing.T) {
	m := newTestMetrics(t)
	f := newFixture(t, WithMetrics(m))
	ctx := context.Background()

	for _, tc := range []struct {
		caseID string
		hours  float64
	}{{"soon", 10}, {"later", 30}, {"sooner", 5}, {"breached", 1}} {
		_, err := f.engine.CreateAssignment(ctx, CreateRequest{
			CaseID: tc.caseID, Role: "inspector", AssignedTo: "A", SLAOverrideHours: tc.hours,
		})
		require.NoError(t, err)
	}
	done := f.create(t, "finished", "reviewer", "R1")
	_, err := f.engine.CancelAssignment(ctx, done.ID, "dup")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	near, err := f.engine.GetJobsNearDeadline(ctx, 0)
	require.NoError(t, err)
	var cases []string
	for _, a := range near {
		cases = append(cases, a.CaseID)
	}
	assert.Equal(t, []string{"sooner", "soon"}, cases, "breached and distant jobs excluded, earliest first")

	near, err = f.engine.GetJobsNearDeadline(ctx, 3*time.Hour)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "sooner", near[0].CaseID)

	breached, err := f.engine.GetSLABreachedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, breached, 1)
	assert.Equal(t, "breached", breached[0].CaseID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SLABreachedActive))
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "c1", "inspector", "A")
	f.clock.Advance(time.Minute)
	f.create(t, "c1", "reviewer", "R1")
	f.create(t, "c2", "inspector", "A")

	byCase, err := f.engine.GetApplicationAssignments(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, byCase, 2)
	assert.Equal(t, "inspector", byCase[0].Role)

	mine, err := f.engine.GetUserAssignments(ctx, "A", model.AssignmentFilters{})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = f.engine.GetUserAssignments(ctx, "", model.AssignmentFilters{})
	assert.True(t, model.IsCode(err, model.ErrValidationError))
	_, err = f.engine.GetApplicationAssignments(ctx, "")
	assert.True(t, model.IsCode(err, model.ErrValidationError))

	st, err := f.engine.GetStatistics(ctx, model.AssignmentFilters{Role: "inspector"})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Active)
}
