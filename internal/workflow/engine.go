package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/certflow/internal/definition"
	"github.com/pitabwire/certflow/internal/observability"
	"github.com/pitabwire/certflow/internal/rules"
	"github.com/pitabwire/certflow/model"
)

// Engine evaluates stage transitions of one workflow. It is stateless: the
// caller owns the case record and applies a successful decision itself.
// An Engine is safe for concurrent use.
type Engine struct {
	table   *definition.Table
	rules   *rules.Registry
	clock   func() time.Time
	logger  *zap.Logger
	metrics *observability.Metrics
	strict  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the decision logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics enables decision metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStrictTimeLimits makes a missing stage entry time on a time limited
// stage a TIME_LIMIT_EXCEEDED rejection instead of a pass.
func WithStrictTimeLimits(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// NewEngine creates an engine for table. Every rule the stages reference
// must already be registered in rr.
func NewEngine(table *definition.Table, rr *rules.Registry, opts ...Option) (*Engine, error) {
	if table == nil {
		return nil, model.NewInvalidDefinitionError("workflow table is required", nil)
	}
	if rr == nil {
		return nil, model.NewInvalidDefinitionError("rule registry is required", nil)
	}

	for _, id := range table.StageIDs() {
		st, _ := table.Stage(id)
		for _, name := range st.BusinessRules {
			if !rr.Has(name) {
				return nil, model.NewUnknownRuleError(name).WithMeta("stage", id)
			}
		}
	}

	e := &Engine{
		table:  table,
		rules:  rr,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ForWorkflow creates an engine for a workflow held in reg.
func ForWorkflow(reg *definition.Registry, workflowID string, rr *rules.Registry, opts ...Option) (*Engine, error) {
	table, ok := reg.Get(workflowID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	return NewEngine(table, rr, opts...)
}

// WorkflowID returns the id of the workflow the engine evaluates.
func (e *Engine) WorkflowID() string { return e.table.ID() }

// Stages returns the stage ids of the workflow in declaration order.
func (e *Engine) Stages() []string { return e.table.StageIDs() }

// Transition decides whether a case may move from current to target. The
// actor argument is authoritative and replaces ec.Actor during rule
// evaluation; ec itself is never modified.
func (e *Engine) Transition(
	ctx context.Context,
	current, target string,
	ec *model.EvaluationContext,
	actor model.Actor,
) model.TransitionResult {
	start := time.Now()
	caseID := ""
	if ec != nil {
		caseID = ec.CaseID
	}
	ctx, span := observability.StartTransition(ctx, e.table.ID(), current, target, actor, caseID)

	res := e.decide(current, target, ec, actor)
	observability.EndTransition(span, res)

	reason := "ok"
	if !res.Success {
		reason = res.ReasonCode
	}

	e.metrics.RecordTransition(current, target, reason, time.Since(start))
	for _, name := range res.FailedRules {
		e.metrics.RecordRuleFailure(name)
	}
	e.logDecision(ctx, ec, res)
	return res
}

func (e *Engine) decide(current, target string, ec *model.EvaluationContext, actor model.Actor) model.TransitionResult {
	now := e.clock()
	res := model.TransitionResult{
		FromStage:   current,
		ToStage:     target,
		Timestamp:   now,
		Actor:       actor,
		PassedRules: []string{},
	}

	// 1. Current stage must be defined.
	st, ok := e.table.Stage(current)
	if !ok {
		return reject(res, model.ErrUnknownState, fmt.Sprintf("stage %q is not defined", current))
	}

	// 2. Target must be an allowed transition.
	if !e.table.CanTransition(current, target) {
		res.ValidTransitions = st.AllowedTransitions
		if st.IsTerminal() {
			return reject(res, model.ErrInvalidTransition,
				fmt.Sprintf("stage %q is terminal; no transitions are allowed", current))
		}
		return reject(res, model.ErrInvalidTransition,
			fmt.Sprintf("cannot move from %q to %q; valid transitions: %s",
				current, target, strings.Join(st.AllowedTransitions, ", ")))
	}

	// 3. Actor role must be permitted in the current stage.
	if !e.table.RoleAllowed(current, actor.Role) {
		res.RequiredRoles = st.RequiredActorRoles
		return reject(res, model.ErrActorNotAuthorized,
			fmt.Sprintf("role %q may not act in stage %q; required: %s",
				actor.Role, current, strings.Join(st.RequiredActorRoles, ", ")))
	}

	// 4. Every business rule, in declared order.
	rc := e.ruleContext(ec, actor, st, now)
	passed, failed, err := e.rules.EvaluateAll(st.BusinessRules, rc)
	if err != nil {
		// NewEngine checked every reference, so this means the registry
		// changed underneath us.
		return reject(res, model.ErrUnknownRule, err.Error())
	}
	res.PassedRules = passed
	if len(failed) > 0 {
		res.FailedRules = failed
		return reject(res, model.ErrBusinessRuleViolation,
			fmt.Sprintf("business rules failed: %s", strings.Join(failed, ", ")))
	}

	// 5. Stage time limit.
	if st.TimeLimitDays != nil {
		res.TimeLimitDays = *st.TimeLimitDays
		elapsed, known := rules.ElapsedDays(rc)
		switch {
		case known && elapsed > float64(*st.TimeLimitDays):
			res.ElapsedDays = elapsed
			return reject(res, model.ErrTimeLimitExceeded,
				fmt.Sprintf("stage %q time limit of %d days exceeded (%.1f days elapsed)",
					current, *st.TimeLimitDays, elapsed))
		case !known && e.strict:
			return reject(res, model.ErrTimeLimitExceeded,
				fmt.Sprintf("stage %q has a %d day time limit but the stage entry time is unknown",
					current, *st.TimeLimitDays))
		case !known:
			e.logger.Warn("stage entry time unknown, time limit not enforced",
				zap.String("workflow_id", e.table.ID()),
				zap.String("stage", current),
				zap.Int("time_limit_days", *st.TimeLimitDays),
			)
		default:
			res.ElapsedDays = elapsed
		}
	}

	// 6. Success.
	res.Success = true
	res.Message = fmt.Sprintf("transition %s -> %s allowed", current, target)
	return res
}

// ruleContext returns a copy of ec carrying the authoritative actor, the
// evaluation time and the stage facts rules may consult.
func (e *Engine) ruleContext(ec *model.EvaluationContext, actor model.Actor, st model.StageDefinition, now time.Time) *model.EvaluationContext {
	rc := ec.Clone()
	rc.Actor = actor
	if rc.Now.IsZero() {
		rc.Now = now
	}
	rc.RequiredEvidence = st.RequiredEvidence
	rc.TimeLimitDays = st.TimeLimitDays
	return rc
}

func reject(res model.TransitionResult, code, msg string) model.TransitionResult {
	res.Success = false
	res.ReasonCode = code
	res.Message = msg
	return res
}

func (e *Engine) logDecision(ctx context.Context, ec *model.EvaluationContext, res model.TransitionResult) {
	log := observability.LoggerFrom(ctx, e.logger)
	fields := []zap.Field{
		zap.String("workflow_id", e.table.ID()),
		zap.String("from_stage", res.FromStage),
		zap.String("to_stage", res.ToStage),
		zap.String("actor_id", res.Actor.ID),
		zap.String("actor_role", res.Actor.Role),
	}
	if ec != nil && ec.CaseID != "" {
		fields = append(fields, zap.String("case_id", ec.CaseID))
	}
	if res.Success {
		log.Info("transition allowed", append(fields, zap.Strings("passed_rules", res.PassedRules))...)
		return
	}
	fields = append(fields, zap.String("reason", res.ReasonCode))
	if len(res.FailedRules) > 0 {
		fields = append(fields, zap.Strings("failed_rules", res.FailedRules))
	}
	log.Warn("transition rejected", fields...)
}

// AvailableTransitions previews the stages the actor could move the case
// to. Only the role requirement and critical rules are checked, so a
// listed target may still be rejected by Transition.
func (e *Engine) AvailableTransitions(
	ctx context.Context,
	current string,
	actor model.Actor,
	ec *model.EvaluationContext,
) ([]model.AvailableTransition, error) {
	_, span := observability.StartSpan(ctx, "workflow.available_transitions",
		observability.AttrWorkflowID.String(e.table.ID()),
		observability.AttrFromStage.String(current),
		observability.AttrActorRole.String(actor.Role),
	)

	st, ok := e.table.Stage(current)
	if !ok {
		err := model.NewUnknownStateError(current)
		observability.EndSpanWithError(span, err)
		return nil, err
	}

	out := []model.AvailableTransition{}
	if !e.table.RoleAllowed(current, actor.Role) {
		span.End()
		return out, nil
	}

	// Rules belong to the current stage, so they gate every target alike.
	failed, err := e.rules.EvaluateCritical(st.BusinessRules, e.ruleContext(ec, actor, st, e.clock()))
	if err != nil {
		observability.EndSpanWithError(span, err)
		return nil, err
	}
	if len(failed) > 0 {
		span.SetAttributes(observability.AttrFailedRules.StringSlice(failed))
		span.End()
		return out, nil
	}

	for _, to := range st.AllowedTransitions {
		name := to
		if target, ok := e.table.Stage(to); ok && target.Name != "" {
			name = target.Name
		}
		out = append(out, model.AvailableTransition{ToStage: to, Name: name})
	}
	span.End()
	return out, nil
}

// StateRequirements returns what the stage demands of a transition out of
// it, including the work its assignment block unlocks.
func (e *Engine) StateRequirements(stage string) (model.StageRequirements, error) {
	st, ok := e.table.Stage(stage)
	if !ok {
		return model.StageRequirements{}, model.NewUnknownStateError(stage)
	}
	return model.StageRequirements{
		Stage:              st.ID,
		Name:               st.Name,
		AllowedTransitions: nonNil(st.AllowedTransitions),
		RequiredActorRoles: nonNil(st.RequiredActorRoles),
		RequiredEvidence:   nonNil(st.RequiredEvidence),
		BusinessRules:      nonNil(st.BusinessRules),
		TimeLimitDays:      st.TimeLimitDays,
		Terminal:           st.IsTerminal(),
		Assignment:         st.Assignment,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
