// Package integration provides a reusable test harness for end-to-end
// testing of certflow. It wires the workflow engine, the assignment engine
// and the operational HTTP server exactly as the daemon does, backed by
// in-memory stores and a controllable clock.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/certflow/internal/assignment"
	"github.com/pitabwire/certflow/internal/config"
	"github.com/pitabwire/certflow/internal/definition"
	"github.com/pitabwire/certflow/internal/observability"
	"github.com/pitabwire/certflow/internal/rules"
	"github.com/pitabwire/certflow/internal/sla"
	"github.com/pitabwire/certflow/internal/strategy"
	"github.com/pitabwire/certflow/internal/transport"
	"github.com/pitabwire/certflow/internal/workflow"
	"github.com/pitabwire/certflow/model"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestHarness encapsulates a fully wired certflow instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	Clock       *Clock
	Registry    *definition.Registry
	Workflow    *workflow.Engine
	Assignments *assignment.Engine
	Repo        *assignment.MemoryRepository
	Events      *assignment.RecordingPublisher
	Metrics     *observability.Metrics
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	candidates     []config.CandidateConfig
	strict         bool
}

// WithCandidates replaces the default operator roster.
func WithCandidates(c ...config.CandidateConfig) HarnessOption {
	return func(cfg *harnessConfig) { cfg.candidates = c }
}

// WithStrictTimeLimits rejects transitions whose stage entry time is
// unknown.
func WithStrictTimeLimits() HarnessOption {
	return func(cfg *harnessConfig) { cfg.strict = true }
}

// DefaultCandidates is the roster used unless WithCandidates is given.
func DefaultCandidates() []config.CandidateConfig {
	return []config.CandidateConfig{
		{ID: "officer-1", Name: "Somchai", Roles: []string{"dtam_officer"}},
		{ID: "officer-2", Name: "Malee", Roles: []string{"dtam_officer"}},
		{ID: "inspector-1", Name: "Prasert", Roles: []string{"inspector"}},
		{ID: "inspector-2", Name: "Nok", Roles: []string{"inspector"}},
		{ID: "approver-1", Name: "Wichai", Roles: []string{"approver"}},
	}
}

// NewTestHarness wires the stack from the repository's definitions
// directory and starts the operational HTTP server.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := harnessConfig{
		definitionDirs: []string{definitionsDir()},
		candidates:     DefaultCandidates(),
	}
	for _, opt := range opts {
		opt(&hc)
	}

	clock := &Clock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	promRegistry := prometheus.NewRegistry()
	metrics := observability.InitMetrics(promRegistry)
	logger := zap.NewNop()

	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	require.NoError(t, err, "load definitions")
	rr := rules.NewDefaultRegistry()
	reg, err := definition.Build(defs, rr)
	require.NoError(t, err, "build definitions")

	wf, err := workflow.ForWorkflow(reg, "gacp", rr,
		workflow.WithClock(clock.Now),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithStrictTimeLimits(hc.strict),
	)
	require.NoError(t, err)

	repo := assignment.NewMemoryRepository()
	instrumented := assignment.Instrument(repo, metrics)
	strategies, err := strategy.NewRegistry("", strategy.Deps{
		Workload: assignment.NewRepositoryWorkload(instrumented),
		Metrics:  assignment.NewRepositoryMetrics(instrumented),
	}, strategy.WithMetrics(metrics))
	require.NoError(t, err)
	calc, err := sla.NewCalculator(nil)
	require.NoError(t, err)

	events := assignment.NewRecordingPublisher(1024)
	assigner, err := assignment.NewEngine(instrumented,
		assignment.NewStaticCandidatePool(config.AssignmentConfig{Candidates: hc.candidates}),
		strategies,
		assignment.WithClock(clock.Now),
		assignment.WithLogger(logger),
		assignment.WithMetrics(metrics),
		assignment.WithPublisher(events),
		assignment.WithSLACalculator(calc),
	)
	require.NoError(t, err)

	router := transport.NewRouter(transport.Dependencies{
		Logger:        logger,
		HealthHandler: observability.HandleHealth(),
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return len(reg.IDs()) > 0 },
		}),
		MetricsHandler: observability.HandlerFor(promRegistry),
	})
	server := httptest.NewServer(metrics.MetricsMiddleware(router))
	t.Cleanup(server.Close)

	return &TestHarness{
		t:           t,
		server:      server,
		Clock:       clock,
		Registry:    reg,
		Workflow:    wf,
		Assignments: assigner,
		Repo:        repo,
		Events:      events,
		Metrics:     metrics,
	}
}

// Case is the caller-side record of a certification case. The engines do
// not persist cases; the harness plays the caller.
type Case struct {
	ID        string
	Stage     string
	EnteredAt time.Time
	Evidence  []string
	Fields    map[string]any
}

// NewCase starts a case in the workflow's initial stage.
func (h *TestHarness) NewCase(id string) *Case {
	table, _ := h.Registry.Get(h.Workflow.WorkflowID())
	return &Case{
		ID:        id,
		Stage:     table.InitialStage(),
		EnteredAt: h.Clock.Now(),
		Fields:    map[string]any{},
	}
}

// Advance asks the workflow engine to move c to target. On success the
// case moves and, when the target stage declares an assignment block, the
// unlocked job is auto-assigned and returned.
func (h *TestHarness) Advance(c *Case, target string, actor model.Actor) (model.TransitionResult, *model.Assignment) {
	h.t.Helper()
	ctx := model.WithActor(context.Background(), actor)

	entered := c.EnteredAt
	res := h.Workflow.Transition(ctx, c.Stage, target, &model.EvaluationContext{
		CaseID:         c.ID,
		Evidence:       c.Evidence,
		StageEnteredAt: &entered,
		Fields:         c.Fields,
	}, actor)
	if !res.Success {
		return res, nil
	}

	c.Stage = target
	c.EnteredAt = h.Clock.Now()

	req, err := h.Workflow.StateRequirements(target)
	require.NoError(h.t, err)
	if req.Assignment == nil {
		return res, nil
	}
	a, err := h.Assignments.AssignForStage(ctx, c.ID, *req.Assignment)
	require.NoError(h.t, err, "assign for stage %s", target)
	return res, &a
}

// Work walks an assignment through accept, start and complete as its
// assignee.
func (h *TestHarness) Work(a *model.Assignment, took time.Duration, data map[string]any) model.Assignment {
	h.t.Helper()
	ctx := context.Background()
	_, err := h.Assignments.AcceptAssignment(ctx, a.ID, a.AssignedTo)
	require.NoError(h.t, err)
	_, err = h.Assignments.StartAssignment(ctx, a.ID, a.AssignedTo)
	require.NoError(h.t, err)
	h.Clock.Advance(took)
	done, err := h.Assignments.CompleteAssignment(ctx, a.ID, a.AssignedTo, data)
	require.NoError(h.t, err)
	return done
}

// GET performs a GET request against the operational server.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	resp, err := http.Get(h.server.URL + path)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// definitionsDir returns the absolute path of the repository's
// definitions directory.
func definitionsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "definitions")
}
