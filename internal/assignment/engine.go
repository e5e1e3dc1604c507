// Package assignment hands unlocked work to operators and tracks it
// through its lifecycle against an SLA.
//
// Every mutation holds an in-process lock on the assignment id for its
// read-modify-write and is additionally guarded by the repository's
// optimistic version check, so concurrent processes see CONFLICT rather
// than lost updates. Creation is serialised per (case, role) and the
// repository rejects a second active assignment for the pair.
package assignment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/certflow/internal/observability"
	"github.com/pitabwire/certflow/internal/sla"
	"github.com/pitabwire/certflow/internal/strategy"
	"github.com/pitabwire/certflow/model"
)

const defaultNearDeadlineWindow = 24 * time.Hour

// Engine is the job assignment engine. It is safe for concurrent use.
type Engine struct {
	repo       Repository
	pool       CandidatePool
	strategies *strategy.Registry
	sla        *sla.Calculator
	publisher  EventPublisher
	locks      *keyedMutex
	clock      func() time.Time
	newID      func() string
	logger     *zap.Logger
	metrics    *observability.Metrics
	nearWindow time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithIDGenerator overrides how assignment, comment and attachment ids
// are generated.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics enables assignment metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher sets where mutation events go.
func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithSLACalculator replaces the default SLA windows.
func WithSLACalculator(c *sla.Calculator) Option {
	return func(e *Engine) {
		if c != nil {
			e.sla = c
		}
	}
}

// WithNearDeadlineWindow sets the default window of GetJobsNearDeadline.
func WithNearDeadlineWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.nearWindow = d
		}
	}
}

// NewEngine creates an assignment engine.
func NewEngine(repo Repository, pool CandidatePool, strategies *strategy.Registry, opts ...Option) (*Engine, error) {
	if repo == nil || pool == nil || strategies == nil {
		return nil, fmt.Errorf("assignment engine: repository, candidate pool and strategies are required")
	}
	calc, err := sla.NewCalculator(nil)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		repo:       repo,
		pool:       pool,
		strategies: strategies,
		sla:        calc,
		publisher:  NopPublisher{},
		locks:      newKeyedMutex(),
		clock:      func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
		logger:     zap.NewNop(),
		nearWindow: defaultNearDeadlineWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// AssignOption refines an automatic assignment.
type AssignOption func(*assignSettings)

type assignSettings struct {
	jobType  string
	slaHours float64
}

// WithJobType sets the job type, and so the SLA window, of the
// assignment. The default is general.
func WithJobType(jobType string) AssignOption {
	return func(s *assignSettings) { s.jobType = jobType }
}

// WithSLAHours overrides the SLA window.
func WithSLAHours(hours float64) AssignOption {
	return func(s *assignSettings) { s.slaHours = hours }
}

// AutoAssign selects an operator for role with the named strategy (the
// default strategy when empty) and creates the assignment. When an active
// assignment for the case and role already exists it is returned as is.
func (e *Engine) AutoAssign(ctx context.Context, caseID, role, priority, strategyName string, opts ...AssignOption) (a model.Assignment, err error) {
	ctx, span := observability.StartSpan(ctx, "assignment.auto_assign",
		observability.AttrCaseID.String(caseID),
		observability.AttrRole.String(role),
		observability.AttrStrategy.String(strategyName),
	)
	defer func() { e.finish(span, "auto_assign", err) }()

	if err := validateStruct(autoAssignRequest{CaseID: caseID, Role: role, Priority: priority}); err != nil {
		return model.Assignment{}, err
	}
	if _, err := e.strategies.Resolve(strategyName); err != nil {
		return model.Assignment{}, err
	}
	settings := assignSettings{jobType: model.JobGeneral}
	for _, opt := range opts {
		opt(&settings)
	}

	unlock := e.locks.Lock(pairKey(caseID, role))
	defer unlock()

	// 1. Idempotency: an active assignment for the pair wins.
	if existing, ok, err := e.repo.FindActiveAssignmentByCaseAndRole(ctx, caseID, role); err != nil {
		return model.Assignment{}, fmt.Errorf("find active assignment: %w", err)
	} else if ok {
		return e.duplicate(ctx, existing), nil
	}

	// 2. Candidate selection.
	candidates, err := e.pool.FindCandidatesByRole(ctx, role)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("find candidates for %q: %w", role, err)
	}
	chosen, used, err := e.strategies.Select(ctx, strategyName, role, candidates)
	if err != nil {
		return model.Assignment{}, err
	}

	// 3. Build and persist.
	a = e.newAssignment(caseID, role, settings.jobType, priority, used.Name(),
		chosen.ID, model.SystemRole, settings.slaHours)
	return e.insert(ctx, a)
}

// AssignForStage auto-assigns the work a stage's assignment block
// declares.
func (e *Engine) AssignForStage(ctx context.Context, caseID string, sa model.StageAssignment) (model.Assignment, error) {
	return e.AutoAssign(ctx, caseID, sa.Role, sa.Priority, sa.Strategy, WithJobType(sa.JobType))
}

// CreateAssignment creates an assignment for an explicit assignee. When an
// active assignment for the case and role already exists it is returned
// as is.
func (e *Engine) CreateAssignment(ctx context.Context, req CreateRequest) (a model.Assignment, err error) {
	ctx, span := observability.StartSpan(ctx, "assignment.create",
		observability.AttrCaseID.String(req.CaseID),
		observability.AttrRole.String(req.Role),
	)
	defer func() { e.finish(span, "create", err) }()

	if err := validateStruct(req); err != nil {
		return model.Assignment{}, err
	}

	unlock := e.locks.Lock(pairKey(req.CaseID, req.Role))
	defer unlock()

	if existing, ok, err := e.repo.FindActiveAssignmentByCaseAndRole(ctx, req.CaseID, req.Role); err != nil {
		return model.Assignment{}, fmt.Errorf("find active assignment: %w", err)
	} else if ok {
		return e.duplicate(ctx, existing), nil
	}

	jobType := req.JobType
	if jobType == "" {
		jobType = model.JobGeneral
	}
	strategyUsed := req.Strategy
	if strategyUsed == "" {
		strategyUsed = model.StrategyManual
	}
	assignedBy := req.AssignedBy
	if assignedBy == "" {
		assignedBy = actorID(ctx)
	}

	a = e.newAssignment(req.CaseID, req.Role, jobType, req.Priority, strategyUsed,
		req.AssignedTo, assignedBy, req.SLAOverrideHours)
	return e.insert(ctx, a)
}

func (e *Engine) newAssignment(caseID, role, jobType, priority, strategyUsed, assignedTo, assignedBy string, slaHours float64) model.Assignment {
	now := e.clock()
	if priority == "" {
		priority = model.PriorityMedium
	}
	return model.Assignment{
		ID:           e.newID(),
		CaseID:       caseID,
		Role:         role,
		JobType:      jobType,
		Priority:     priority,
		StrategyUsed: strategyUsed,
		Status:       model.AssignmentAssigned,
		AssignedTo:   assignedTo,
		AssignedBy:   assignedBy,
		AssignedAt:   now,
		SLA:          e.sla.For(jobType, now, slaHours),
		History: []model.HistoryEntry{{
			Action:    model.ActionCreated,
			Actor:     assignedBy,
			Timestamp: now,
			Details: map[string]any{
				"assigned_to": assignedTo,
				"strategy":    strategyUsed,
			},
		}},
		Comments:    []model.Comment{},
		Attachments: []model.Attachment{},
		UpdatedAt:   now,
	}
}

// insert saves a new assignment, turning a lost creation race into a
// lookup of the winner.
func (e *Engine) insert(ctx context.Context, a model.Assignment) (model.Assignment, error) {
	saved, err := e.repo.Save(ctx, a)
	if model.IsCode(err, model.ErrDuplicateActiveAssignment) {
		existing, ok, findErr := e.repo.FindActiveAssignmentByCaseAndRole(ctx, a.CaseID, a.Role)
		if findErr != nil {
			return model.Assignment{}, fmt.Errorf("find active assignment after duplicate: %w", findErr)
		}
		if ok {
			return e.duplicate(ctx, existing), nil
		}
		return model.Assignment{}, err
	}
	if err != nil {
		return model.Assignment{}, fmt.Errorf("save assignment: %w", err)
	}

	e.metrics.RecordAssignmentCreated(saved.Role, saved.StrategyUsed)
	observability.ActorLogger(ctx, e.logger).Info("assignment created",
		zap.String("assignment_id", saved.ID),
		zap.String("case_id", saved.CaseID),
		zap.String("role", saved.Role),
		zap.String("assigned_to", saved.AssignedTo),
		zap.String("strategy", saved.StrategyUsed),
		zap.Time("due_at", saved.SLA.DueAt),
	)
	e.publish(ctx, model.ActionCreated, saved, saved.AssignedBy)
	return saved, nil
}

func (e *Engine) duplicate(ctx context.Context, existing model.Assignment) model.Assignment {
	e.metrics.RecordDuplicateCreate(existing.Role)
	observability.ActorLogger(ctx, e.logger).Warn("active assignment already exists, returning it",
		zap.String("assignment_id", existing.ID),
		zap.String("case_id", existing.CaseID),
		zap.String("role", existing.Role),
		zap.String("assigned_to", existing.AssignedTo),
	)
	return existing
}

// AcceptAssignment records that the assignee took the job.
func (e *Engine) AcceptAssignment(ctx context.Context, id, userID string) (model.Assignment, error) {
	return e.mutate(ctx, id, model.ActionAccepted, userID, func(a *model.Assignment, now time.Time) (map[string]any, error) {
		if err := requireAssignee(a, userID); err != nil {
			return nil, err
		}
		if err := requireStatus(a, model.AssignmentAssigned); err != nil {
			return nil, err
		}
		a.Status = model.AssignmentAccepted
		a.AcceptedAt = &now
		return nil, nil
	})
}

// StartAssignment records that the assignee began working. It is legal
// from Assigned or Accepted; a skipped accept is stamped with the start
// time.
func (e *Engine) StartAssignment(ctx context.Context, id, userID string) (model.Assignment, error) {
	return e.mutate(ctx, id, model.ActionStarted, userID, func(a *model.Assignment, now time.Time) (map[string]any, error) {
		if err := requireAssignee(a, userID); err != nil {
			return nil, err
		}
		if err := requireStatus(a, model.AssignmentAssigned, model.AssignmentAccepted); err != nil {
			return nil, err
		}
		// Starting implies acceptance; keep the timestamps ordered.
		if a.AcceptedAt == nil {
			a.AcceptedAt = &now
		}
		a.Status = model.AssignmentInProgress
		a.StartedAt = &now
		return nil, nil
	})
}

// CompleteAssignment finishes the job from any active status and settles
// its SLA outcome. data
// is stored as completion data; a numeric "feedbackScore" feeds the
// performance strategy.
func (e *Engine) CompleteAssignment(ctx context.Context, id, userID string, data map[string]any) (model.Assignment, error) {
	a, err := e.mutate(ctx, id, model.ActionCompleted, userID, func(a *model.Assignment, now time.Time) (map[string]any, error) {
		if err := requireAssignee(a, userID); err != nil {
			return nil, err
		}
		if !a.IsActive() {
			return nil, invalidState(a, model.ActionCompleted)
		}
		hours := sla.ActualDurationHours(a.AssignedAt, now)
		onTime := sla.OnTime(now, a.SLA.DueAt)
		a.Status = model.AssignmentCompleted
		a.CompletedAt = &now
		a.SLA.ActualDurationHours = &hours
		a.SLA.IsOnTime = &onTime
		if len(data) > 0 {
			a.CompletionData = make(map[string]any, len(data))
			for k, v := range data {
				a.CompletionData[k] = v
			}
		}
		return map[string]any{"actual_duration_hours": hours, "is_on_time": onTime}, nil
	})
	if err == nil {
		e.metrics.RecordCompletion(a.JobType, *a.SLA.ActualDurationHours, *a.SLA.IsOnTime)
	}
	return a, err
}

// RejectAssignment records that the assignee declined the job before
// starting it.
func (e *Engine) RejectAssignment(ctx context.Context, id, userID, reason string) (model.Assignment, error) {
	return e.mutate(ctx, id, model.ActionRejected, userID, func(a *model.Assignment, _ time.Time) (map[string]any, error) {
		if reason == "" {
			return nil, requiredField("reason")
		}
		if err := requireAssignee(a, userID); err != nil {
			return nil, err
		}
		if err := requireStatus(a, model.AssignmentAssigned, model.AssignmentAccepted); err != nil {
			return nil, err
		}
		a.Status = model.AssignmentRejected
		a.RejectionReason = reason
		return map[string]any{"reason": reason}, nil
	})
}

// CancelAssignment withdraws an active assignment. The acting user is
// taken from the context, defaulting to the system.
func (e *Engine) CancelAssignment(ctx context.Context, id, reason string) (model.Assignment, error) {
	return e.mutate(ctx, id, model.ActionCancelled, actorID(ctx), func(a *model.Assignment, _ time.Time) (map[string]any, error) {
		if reason == "" {
			return nil, requiredField("reason")
		}
		if !a.IsActive() {
			return nil, invalidState(a, model.ActionCancelled)
		}
		a.Status = model.AssignmentCancelled
		a.CancellationReason = reason
		return map[string]any{"reason": reason}, nil
	})
}

// AddComment appends a comment. Comments are allowed in any status.
func (e *Engine) AddComment(ctx context.Context, id, author, text string) (model.Assignment, error) {
	if err := validateStruct(commentRequest{Author: author, Text: text}); err != nil {
		return model.Assignment{}, err
	}
	return e.mutate(ctx, id, model.ActionCommentAdded, author, func(a *model.Assignment, now time.Time) (map[string]any, error) {
		c := model.Comment{ID: e.newID(), Author: author, Text: text, Timestamp: now}
		a.Comments = append(a.Comments, c)
		return map[string]any{"comment_id": c.ID}, nil
	})
}

// AddAttachment appends an attachment reference. The id and timestamp are
// assigned by the engine.
func (e *Engine) AddAttachment(ctx context.Context, id string, att model.Attachment) (model.Assignment, error) {
	if err := validateStruct(att); err != nil {
		return model.Assignment{}, err
	}
	return e.mutate(ctx, id, model.ActionAttachmentAdded, att.UploadedBy, func(a *model.Assignment, now time.Time) (map[string]any, error) {
		att.ID = e.newID()
		att.Timestamp = now
		a.Attachments = append(a.Attachments, att)
		return map[string]any{"attachment_id": att.ID, "name": att.Name}, nil
	})
}

// ReassignJob moves an active job to another operator. The original
// record ends as Reassigned and a fresh assignment, with a full SLA window
// from now, is created for the new user and returned. When the replacement
// cannot be saved the original is restored to its previous status.
func (e *Engine) ReassignJob(ctx context.Context, id, newUserID, reason, reassignedBy string) (next model.Assignment, err error) {
	ctx, span := observability.StartSpan(ctx, "assignment.reassign",
		observability.AttrAssignmentID.String(id),
		observability.AttrAction.String(model.ActionReassigned),
	)
	defer func() { e.finish(span, model.ActionReassigned, err) }()

	if err := validateStruct(reassignRequest{ID: id, NewUserID: newUserID, Reason: reason, ReassignedBy: reassignedBy}); err != nil {
		return model.Assignment{}, err
	}

	peek, err := e.repo.FindAssignment(ctx, id)
	if err != nil {
		return model.Assignment{}, err
	}
	unlockPair := e.locks.Lock(pairKey(peek.CaseID, peek.Role))
	defer unlockPair()
	unlock := e.locks.Lock(id)
	defer unlock()

	old, err := e.repo.FindAssignment(ctx, id)
	if err != nil {
		return model.Assignment{}, err
	}
	if !old.IsActive() {
		return model.Assignment{}, invalidState(&old, model.ActionReassigned)
	}
	if old.AssignedTo == newUserID {
		return model.Assignment{}, model.NewValidationError([]model.FieldError{{
			Field:   "new_user_id",
			Code:    "INVALID_VALUE",
			Message: fmt.Sprintf("assignment is already held by %q", newUserID),
		}})
	}

	now := e.clock()
	next = e.newAssignment(old.CaseID, old.Role, old.JobType, old.Priority, model.StrategyManual,
		newUserID, reassignedBy, old.SLA.ExpectedDurationHours)
	next.PreviousAssignmentID = old.ID
	next.History[0].Details["reassigned_from"] = old.ID
	next.History[0].Details["reason"] = reason

	prevStatus := old.Status
	old.Status = model.AssignmentReassigned
	old.Reassignment = &model.ReassignmentInfo{
		ReassignedTo:    newUserID,
		ReassignedBy:    reassignedBy,
		Reason:          reason,
		At:              now,
		NewAssignmentID: next.ID,
	}
	old.History = append(old.History, model.HistoryEntry{
		Action:    model.ActionReassigned,
		Actor:     reassignedBy,
		Timestamp: now,
		Details: map[string]any{
			"from":              old.AssignedTo,
			"to":                newUserID,
			"reason":            reason,
			"new_assignment_id": next.ID,
		},
	})
	old.UpdatedAt = now

	// The original must leave the active set before its replacement can
	// enter it.
	savedOld, err := e.repo.Save(ctx, old)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("save reassigned assignment: %w", err)
	}
	savedNext, err := e.repo.Save(ctx, next)
	if err != nil {
		e.revertReassignment(ctx, savedOld, prevStatus, next.ID, err)
		return model.Assignment{}, fmt.Errorf("save replacement assignment: %w", err)
	}

	e.metrics.RecordAssignmentCreated(savedNext.Role, savedNext.StrategyUsed)
	observability.ActorLogger(ctx, e.logger).Info("assignment reassigned",
		zap.String("assignment_id", savedOld.ID),
		zap.String("new_assignment_id", savedNext.ID),
		zap.String("from", savedOld.AssignedTo),
		zap.String("to", newUserID),
		zap.String("reason", reason),
	)
	e.publish(ctx, model.ActionReassigned, savedOld, reassignedBy)
	e.publish(ctx, model.ActionCreated, savedNext, reassignedBy)
	return savedNext, nil
}

// revertReassignment puts the original record back into prevStatus after
// its replacement failed to save. History stays append-only: the revert is
// recorded as its own entry. A failed revert leaves the record Reassigned
// and is logged with both ids.
func (e *Engine) revertReassignment(ctx context.Context, a model.Assignment, prevStatus, newID string, cause error) {
	now := e.clock()
	a.Status = prevStatus
	a.Reassignment = nil
	a.UpdatedAt = now
	a.History = append(a.History, model.HistoryEntry{
		Action:    model.ActionReassignmentReverted,
		Actor:     model.SystemRole,
		Timestamp: now,
		Details: map[string]any{
			"new_assignment_id": newID,
			"error":             cause.Error(),
		},
	})
	if _, err := e.repo.Save(ctx, a); err != nil {
		e.logger.Error("reassignment not reverted after replacement save failed",
			zap.String("assignment_id", a.ID),
			zap.String("new_assignment_id", newID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	e.logger.Warn("reassignment reverted, replacement not saved",
		zap.String("assignment_id", a.ID),
		zap.String("new_assignment_id", newID),
		zap.Error(cause),
	)
}

// mutate runs one read-modify-write under the id lock. apply validates
// and changes the record and returns the history details; exactly one
// history entry is appended before the save.
func (e *Engine) mutate(
	ctx context.Context,
	id, action, actor string,
	apply func(a *model.Assignment, now time.Time) (map[string]any, error),
) (a model.Assignment, err error) {
	ctx, span := observability.StartSpan(ctx, "assignment."+action,
		observability.AttrAssignmentID.String(id),
		observability.AttrAction.String(action),
	)
	defer func() { e.finish(span, action, err) }()

	unlock := e.locks.Lock(id)
	defer unlock()

	a, err = e.repo.FindAssignment(ctx, id)
	if err != nil {
		return model.Assignment{}, err
	}

	now := e.clock()
	details, err := apply(&a, now)
	if err != nil {
		return model.Assignment{}, err
	}
	a.History = append(a.History, model.HistoryEntry{
		Action:    action,
		Actor:     actor,
		Timestamp: now,
		Details:   details,
	})
	a.UpdatedAt = now

	saved, err := e.repo.Save(ctx, a)
	if err != nil {
		if model.CodeOf(err) == "" {
			err = fmt.Errorf("save assignment: %w", err)
		}
		return model.Assignment{}, err
	}

	observability.ActorLogger(ctx, e.logger).Info("assignment updated",
		zap.String("assignment_id", saved.ID),
		zap.String("action", action),
		zap.String("status", saved.Status),
		zap.String("actor", actor),
	)
	e.publish(ctx, action, saved, actor)
	return saved, nil
}

// finish ends the span and counts the operation outcome.
func (e *Engine) finish(span trace.Span, action string, err error) {
	result := "ok"
	if err != nil {
		result = model.CodeOf(err)
		if result == "" {
			result = model.ErrInternalError
		}
	}
	e.metrics.RecordAssignmentOperation(action, result)
	observability.EndSpanWithError(span, err)
}

func (e *Engine) publish(ctx context.Context, eventType string, a model.Assignment, actor string) {
	err := e.publisher.Publish(ctx, model.AssignmentEvent{
		Type:       eventType,
		Assignment: a,
		Actor:      actor,
		OccurredAt: e.clock(),
	})
	e.metrics.RecordEventPublished(eventType, err)
	if err != nil {
		e.logger.Warn("assignment event not published",
			zap.String("type", eventType),
			zap.String("assignment_id", a.ID),
			zap.Error(err),
		)
	}
}

// GetUserAssignments lists the assignments held by userID.
func (e *Engine) GetUserAssignments(ctx context.Context, userID string, filters model.AssignmentFilters) ([]model.Assignment, error) {
	if userID == "" {
		return nil, requiredField("user_id")
	}
	return e.repo.FindAssignmentsByUser(ctx, userID, filters)
}

// GetApplicationAssignments lists every assignment of a case, oldest
// first.
func (e *Engine) GetApplicationAssignments(ctx context.Context, caseID string) ([]model.Assignment, error) {
	if caseID == "" {
		return nil, requiredField("case_id")
	}
	return e.repo.FindAssignmentsByCase(ctx, caseID)
}

// GetStatistics summarises assignments matching filters.
func (e *Engine) GetStatistics(ctx context.Context, filters model.AssignmentFilters) (model.AssignmentStatistics, error) {
	return e.repo.GetStatistics(ctx, filters, e.clock())
}

// GetJobsNearDeadline lists active assignments due within window and not
// yet breached, earliest due first. A non-positive window uses the
// configured default.
func (e *Engine) GetJobsNearDeadline(ctx context.Context, window time.Duration) ([]model.Assignment, error) {
	if window <= 0 {
		window = e.nearWindow
	}
	now := e.clock()
	limit := now.Add(window).Add(time.Second)
	list, err := e.repo.FindAssignments(ctx, model.AssignmentFilters{
		Statuses:  model.ActiveStatuses,
		DueBefore: &limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.Assignment, 0, len(list))
	for _, a := range list {
		if sla.NearDeadline(now, a.SLA.DueAt, window) {
			out = append(out, a)
		}
	}
	sortByDue(out)
	return out, nil
}

// GetSLABreachedJobs lists active assignments past their due date,
// earliest due first.
func (e *Engine) GetSLABreachedJobs(ctx context.Context) ([]model.Assignment, error) {
	now := e.clock()
	list, err := e.repo.FindAssignments(ctx, model.AssignmentFilters{
		Statuses:  model.ActiveStatuses,
		DueBefore: &now,
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.Assignment, 0, len(list))
	for _, a := range list {
		if sla.IsBreached(now, a.SLA.DueAt) {
			out = append(out, a)
		}
	}
	sortByDue(out)
	e.metrics.SetSLABreached(len(out))
	return out, nil
}

func sortByDue(list []model.Assignment) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].SLA.DueAt.Before(list[j].SLA.DueAt)
	})
}

func pairKey(caseID, role string) string {
	return "pair:" + caseID + "|" + role
}

func actorID(ctx context.Context) string {
	if a, ok := model.ActorFrom(ctx); ok && a.ID != "" {
		return a.ID
	}
	return model.SystemRole
}

func requireAssignee(a *model.Assignment, userID string) error {
	if a.AssignedTo != userID {
		return model.NewUnauthorizedError(
			fmt.Sprintf("user %q is not the assignee of assignment %q", userID, a.ID),
		).WithMeta("assignment_id", a.ID)
	}
	return nil
}

func requireStatus(a *model.Assignment, allowed ...string) error {
	for _, s := range allowed {
		if a.Status == s {
			return nil
		}
	}
	return model.NewInvalidStateError(
		fmt.Sprintf("assignment %q is %s; expected %v", a.ID, a.Status, allowed),
	).WithMeta("status", a.Status).WithMeta("allowed", allowed)
}

func invalidState(a *model.Assignment, action string) error {
	return model.NewInvalidStateError(
		fmt.Sprintf("assignment %q is %s and cannot be %s", a.ID, a.Status, action),
	).WithMeta("status", a.Status)
}

func requiredField(field string) error {
	return model.NewValidationError([]model.FieldError{{
		Field:   field,
		Code:    "REQUIRED",
		Message: "is required",
	}})
}
