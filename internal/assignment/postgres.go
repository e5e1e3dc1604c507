package assignment

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/certflow/model"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const activeIndex = "assignments_active_case_role"

const selectColumns = `id, case_id, role, job_type, priority, strategy_used, status,
	assigned_to, assigned_by, assigned_at, accepted_at, started_at, completed_at,
	expected_duration_hours, due_at, actual_duration_hours, is_on_time,
	history, comments, attachments, completion_data, reassignment,
	previous_assignment_id, rejection_reason, cancellation_reason,
	updated_at, version`

// activeStatusList is the SQL literal list of non-terminal statuses.
var activeStatusList = "'" + strings.Join(model.ActiveStatuses, "', '") + "'"

// PgRepository is a PostgreSQL-backed Repository using pgx/v5.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository creates a new PostgreSQL repository.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// ApplySchema creates the assignments table and its indexes if missing.
func (r *PgRepository) ApplySchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply assignment schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (r *PgRepository) HealthCheck(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// FindAssignment returns the assignment with the given id.
func (r *PgRepository) FindAssignment(ctx context.Context, id string) (model.Assignment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM assignments WHERE id = $1`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Assignment{}, model.NewNotFoundError(fmt.Sprintf("assignment %q not found", id))
	}
	if err != nil {
		return model.Assignment{}, fmt.Errorf("query assignment: %w", err)
	}
	return a, nil
}

// FindAssignmentsByCase returns every assignment of a case, oldest first.
func (r *PgRepository) FindAssignmentsByCase(ctx context.Context, caseID string) ([]model.Assignment, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM assignments
		WHERE case_id = $1 ORDER BY assigned_at ASC, id ASC`, caseID)
}

// FindActiveAssignmentByCaseAndRole returns the active assignment of the
// pair, if any.
func (r *PgRepository) FindActiveAssignmentByCaseAndRole(ctx context.Context, caseID, role string) (model.Assignment, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM assignments
		WHERE case_id = $1 AND role = $2 AND status IN (`+activeStatusList+`)`, caseID, role)
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Assignment{}, false, nil
	}
	if err != nil {
		return model.Assignment{}, false, fmt.Errorf("query active assignment: %w", err)
	}
	return a, true, nil
}

// FindAssignmentsByUser lists assignments held by userID.
func (r *PgRepository) FindAssignmentsByUser(ctx context.Context, userID string, filters model.AssignmentFilters) ([]model.Assignment, error) {
	filters.AssignedTo = userID
	return r.FindAssignments(ctx, filters)
}

// FindAssignments lists assignments matching filters, newest first.
func (r *PgRepository) FindAssignments(ctx context.Context, filters model.AssignmentFilters) ([]model.Assignment, error) {
	where, args := buildWhere(filters)
	query := `SELECT ` + selectColumns + ` FROM assignments` + where +
		` ORDER BY assigned_at DESC, id ASC`
	argIdx := len(args) + 1

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}
	return r.query(ctx, query, args...)
}

// buildWhere renders the filter predicates as a WHERE clause with
// positional arguments.
func buildWhere(f model.AssignmentFilters) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.CaseID != "" {
		add("case_id = $%d", f.CaseID)
	}
	if f.Role != "" {
		add("role = $%d", f.Role)
	}
	if f.AssignedTo != "" {
		add("assigned_to = $%d", f.AssignedTo)
	}
	if f.Priority != "" {
		add("priority = $%d", f.Priority)
	}
	if f.JobType != "" {
		add("job_type = $%d", f.JobType)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", f.Statuses)
	}
	if f.DueBefore != nil {
		add("due_at < $%d", *f.DueBefore)
	}
	if f.DueAfter != nil {
		add("due_at > $%d", *f.DueAfter)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Save inserts or updates a with optimistic locking.
func (r *PgRepository) Save(ctx context.Context, a model.Assignment) (model.Assignment, error) {
	j, err := encodeJSON(a)
	if err != nil {
		return model.Assignment{}, err
	}

	if a.Version == 0 {
		a.Version = 1
		_, err = r.pool.Exec(ctx, `
			INSERT INTO assignments (`+selectColumns+`) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17,
				$18, $19, $20, $21, $22,
				$23, $24, $25,
				$26, $27
			)`,
			a.ID, a.CaseID, a.Role, a.JobType, a.Priority, a.StrategyUsed, a.Status,
			a.AssignedTo, a.AssignedBy, a.AssignedAt, a.AcceptedAt, a.StartedAt, a.CompletedAt,
			a.SLA.ExpectedDurationHours, a.SLA.DueAt, a.SLA.ActualDurationHours, a.SLA.IsOnTime,
			j.history, j.comments, j.attachments, j.completion, j.reassignment,
			a.PreviousAssignmentID, a.RejectionReason, a.CancellationReason,
			a.UpdatedAt, a.Version,
		)
		if err != nil {
			return model.Assignment{}, translateWriteError(err, a, "insert assignment")
		}
		return a, nil
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE assignments SET
			status = $1,
			assigned_to = $2,
			accepted_at = $3,
			started_at = $4,
			completed_at = $5,
			expected_duration_hours = $6,
			due_at = $7,
			actual_duration_hours = $8,
			is_on_time = $9,
			history = $10,
			comments = $11,
			attachments = $12,
			completion_data = $13,
			reassignment = $14,
			rejection_reason = $15,
			cancellation_reason = $16,
			updated_at = $17,
			version = $18
		WHERE id = $19 AND version = $20`,
		a.Status, a.AssignedTo, a.AcceptedAt, a.StartedAt, a.CompletedAt,
		a.SLA.ExpectedDurationHours, a.SLA.DueAt, a.SLA.ActualDurationHours, a.SLA.IsOnTime,
		j.history, j.comments, j.attachments, j.completion, j.reassignment,
		a.RejectionReason, a.CancellationReason,
		a.UpdatedAt, a.Version+1,
		a.ID, a.Version,
	)
	if err != nil {
		return model.Assignment{}, translateWriteError(err, a, "update assignment")
	}
	if tag.RowsAffected() == 0 {
		if _, findErr := r.FindAssignment(ctx, a.ID); model.IsCode(findErr, model.ErrNotFound) {
			return model.Assignment{}, findErr
		}
		return model.Assignment{}, model.NewConflictError(
			fmt.Sprintf("assignment %q version conflict (expected %d)", a.ID, a.Version),
		)
	}
	a.Version++
	return a, nil
}

// GetStatistics aggregates assignments matching filters in the database.
func (r *PgRepository) GetStatistics(ctx context.Context, filters model.AssignmentFilters, now time.Time) (model.AssignmentStatistics, error) {
	where, args := buildWhere(filters)
	args = append(args, now)
	nowArg := len(args)

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT status, priority, count(*),
		       count(*) FILTER (WHERE status = 'Completed' AND is_on_time IS TRUE),
		       count(*) FILTER (WHERE status = 'Completed' AND is_on_time IS FALSE),
		       coalesce(sum(actual_duration_hours) FILTER (WHERE status = 'Completed'), 0),
		       count(actual_duration_hours) FILTER (WHERE status = 'Completed'),
		       count(*) FILTER (WHERE status IN (%s) AND due_at < $%d)
		FROM assignments%s
		GROUP BY status, priority`, activeStatusList, nowArg, where), args...)
	if err != nil {
		return model.AssignmentStatistics{}, fmt.Errorf("query assignment statistics: %w", err)
	}
	defer rows.Close()

	st := model.AssignmentStatistics{ByStatus: map[string]int{}, ByPriority: map[string]int{}}
	var totalHours float64
	var timed int
	for rows.Next() {
		var status, priority string
		var count, onTime, late, timedRows, breached int
		var hours float64
		if err := rows.Scan(&status, &priority, &count, &onTime, &late, &hours, &timedRows, &breached); err != nil {
			return model.AssignmentStatistics{}, fmt.Errorf("scan assignment statistics: %w", err)
		}
		st.Total += count
		st.ByStatus[status] += count
		st.ByPriority[priority] += count
		if !model.IsTerminalStatus(status) {
			st.Active += count
		}
		if status == model.AssignmentCompleted {
			st.Completed += count
		}
		st.CompletedOnTime += onTime
		st.CompletedLate += late
		st.BreachedActive += breached
		totalHours += hours
		timed += timedRows
	}
	if err := rows.Err(); err != nil {
		return model.AssignmentStatistics{}, fmt.Errorf("iterate assignment statistics: %w", err)
	}

	if st.Completed > 0 {
		st.OnTimeRate = float64(st.CompletedOnTime) / float64(st.Completed) * 100
	}
	if timed > 0 {
		st.AvgDurationHours = totalHours / float64(timed)
	}
	return st, nil
}

func translateWriteError(err error, a model.Assignment, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == activeIndex {
			return model.NewDuplicateActiveError(a.CaseID, a.Role)
		}
		return model.NewConflictError(fmt.Sprintf("assignment %q already exists", a.ID))
	}
	return fmt.Errorf("%s: %w", op, err)
}

type jsonColumns struct {
	history, comments, attachments, completion, reassignment []byte
}

func encodeJSON(a model.Assignment) (jsonColumns, error) {
	var j jsonColumns
	var err error
	if j.history, err = marshalList(a.History); err != nil {
		return j, fmt.Errorf("marshal history: %w", err)
	}
	if j.comments, err = marshalList(a.Comments); err != nil {
		return j, fmt.Errorf("marshal comments: %w", err)
	}
	if j.attachments, err = marshalList(a.Attachments); err != nil {
		return j, fmt.Errorf("marshal attachments: %w", err)
	}
	if a.CompletionData != nil {
		if j.completion, err = json.Marshal(a.CompletionData); err != nil {
			return j, fmt.Errorf("marshal completion data: %w", err)
		}
	}
	if a.Reassignment != nil {
		if j.reassignment, err = json.Marshal(a.Reassignment); err != nil {
			return j, fmt.Errorf("marshal reassignment: %w", err)
		}
	}
	return j, nil
}

// marshalList encodes nil slices as an empty JSON array.
func marshalList[T any](list []T) ([]byte, error) {
	if list == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(list)
}

func (r *PgRepository) query(ctx context.Context, query string, args ...any) ([]model.Assignment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	result := []model.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanAssignment(row pgx.Row) (model.Assignment, error) {
	var a model.Assignment
	var history, comments, attachments, completion, reassignment []byte

	err := row.Scan(
		&a.ID, &a.CaseID, &a.Role, &a.JobType, &a.Priority, &a.StrategyUsed, &a.Status,
		&a.AssignedTo, &a.AssignedBy, &a.AssignedAt, &a.AcceptedAt, &a.StartedAt, &a.CompletedAt,
		&a.SLA.ExpectedDurationHours, &a.SLA.DueAt, &a.SLA.ActualDurationHours, &a.SLA.IsOnTime,
		&history, &comments, &attachments, &completion, &reassignment,
		&a.PreviousAssignmentID, &a.RejectionReason, &a.CancellationReason,
		&a.UpdatedAt, &a.Version,
	)
	if err != nil {
		return model.Assignment{}, err
	}

	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{history, &a.History},
		{comments, &a.Comments},
		{attachments, &a.Attachments},
		{completion, &a.CompletionData},
		{reassignment, &a.Reassignment},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return model.Assignment{}, fmt.Errorf("unmarshal assignment %q: %w", a.ID, err)
		}
	}
	return a, nil
}
