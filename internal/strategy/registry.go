package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/certflow/internal/observability"
	"github.com/pitabwire/certflow/model"
)

// Registry resolves strategy names. It is read-only after construction.
type Registry struct {
	strategies map[string]Strategy
	def        string
	metrics    *observability.Metrics
}

// Deps are the collaborators of the built-in strategies.
type Deps struct {
	Counter  Counter
	Workload WorkloadSource
	Metrics  MetricsProvider
}

// NewRegistry returns a registry with the four built-in strategies. An
// empty defaultName means workload.
func NewRegistry(defaultName string, deps Deps, opts ...Option) (*Registry, error) {
	o := buildOptions(opts)
	rr := NewRoundRobin(deps.Counter)
	return NewRegistryOf(defaultName, o.metrics,
		rr,
		NewWorkloadBased(deps.Workload),
		NewPerformanceBased(deps.Metrics, rr, opts...),
		NewManual(),
	)
}

// NewRegistryOf builds a registry from explicit strategies.
func NewRegistryOf(defaultName string, m *observability.Metrics, strategies ...Strategy) (*Registry, error) {
	if defaultName == "" {
		defaultName = model.StrategyWorkload
	}
	r := &Registry{
		strategies: make(map[string]Strategy, len(strategies)),
		def:        defaultName,
		metrics:    m,
	}
	for _, s := range strategies {
		if _, dup := r.strategies[s.Name()]; dup {
			return nil, fmt.Errorf("strategy %q registered twice", s.Name())
		}
		r.strategies[s.Name()] = s
	}
	if _, ok := r.strategies[defaultName]; !ok {
		return nil, unknownStrategy(defaultName, r.Names())
	}
	return r, nil
}

// Default returns the name used when none is requested.
func (r *Registry) Default() string { return r.def }

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the strategy registered under name, or the default for
// an empty name.
func (r *Registry) Resolve(name string) (Strategy, error) {
	if name == "" {
		name = r.def
	}
	s, ok := r.strategies[name]
	if !ok {
		return nil, unknownStrategy(name, r.Names())
	}
	return s, nil
}

// Select resolves name and runs the strategy, tracing and counting the
// outcome.
func (r *Registry) Select(ctx context.Context, name, role string, candidates []model.Candidate) (model.Candidate, Strategy, error) {
	s, err := r.Resolve(name)
	if err != nil {
		return model.Candidate{}, nil, err
	}

	ctx, span := observability.StartSpan(ctx, "strategy.select",
		observability.AttrStrategy.String(s.Name()),
		observability.AttrRole.String(role),
	)
	c, err := s.Select(ctx, role, candidates)
	observability.EndSpanWithError(span, err)

	result := "ok"
	if err != nil {
		result = model.CodeOf(err)
		if result == "" {
			result = "error"
		}
	}
	r.metrics.RecordStrategySelection(s.Name(), result)
	return c, s, err
}

func unknownStrategy(name string, known []string) error {
	return model.NewValidationError([]model.FieldError{{
		Field:   "strategy",
		Code:    "INVALID_VALUE",
		Message: fmt.Sprintf("unknown strategy %q (known: %s)", name, strings.Join(known, ", ")),
	}})
}
