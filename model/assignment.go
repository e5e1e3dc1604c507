package model

import "time"

// Assignment status constants.
const (
	AssignmentAssigned   = "Assigned"
	AssignmentAccepted   = "Accepted"
	AssignmentInProgress = "InProgress"
	AssignmentCompleted  = "Completed"
	AssignmentRejected   = "Rejected"
	AssignmentCancelled  = "Cancelled"
	AssignmentReassigned = "Reassigned"
)

// Priority constants.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Strategy names.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyWorkload    = "workload"
	StrategyPerformance = "performance"
	StrategyManual      = "manual"
)

// Job types with default SLA windows.
const (
	JobDocumentReview      = "document-review"
	JobFieldInspection     = "field-inspection"
	JobVideoCallInspection = "video-call-inspection"
	JobOnsiteInspection    = "onsite-inspection"
	JobFinalApproval       = "final-approval"
	JobGeneral             = "general"
)

// History actions. Each mutation appends exactly one of these.
const (
	ActionCreated         = "created"
	ActionAccepted        = "accepted"
	ActionStarted         = "started"
	ActionCompleted       = "completed"
	ActionRejected        = "rejected"
	ActionReassigned      = "reassigned"
	ActionCancelled       = "cancelled"
	ActionCommentAdded    = "comment_added"
	ActionAttachmentAdded = "attachment_added"

	// ActionReassignmentReverted compensates a reassignment whose
	// replacement record could not be saved.
	ActionReassignmentReverted = "reassignment_reverted"
)

// ActiveStatuses lists the non-terminal statuses.
var ActiveStatuses = []string{AssignmentAssigned, AssignmentAccepted, AssignmentInProgress}

// IsTerminalStatus reports whether no transition may leave status.
func IsTerminalStatus(status string) bool {
	switch status {
	case AssignmentCompleted, AssignmentRejected, AssignmentCancelled, AssignmentReassigned:
		return true
	}
	return false
}

// IsValidPriority reports whether p is a known priority.
func IsValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Candidate is an operator eligible for assignment.
type Candidate struct {
	ID   string `json:"id"   yaml:"id"`
	Role string `json:"role" yaml:"role"`
	Name string `json:"name" yaml:"name,omitempty"`
}

// UserMetrics feeds the performance based strategy.
type UserMetrics struct {
	CompletionRate     float64 `json:"completion_rate"`
	AvgFeedbackScore   float64 `json:"avg_feedback_score"`
	AvgProcessingHours float64 `json:"avg_processing_hours"`
}

// SLA is the service-level window of an assignment.
type SLA struct {
	ExpectedDurationHours float64   `json:"expected_duration_hours"`
	DueAt                 time.Time `json:"due_at"`
	ActualDurationHours   *float64  `json:"actual_duration_hours,omitempty"`
	IsOnTime              *bool     `json:"is_on_time,omitempty"`
}

// HistoryEntry records one mutation of an assignment. History is append
// only.
type HistoryEntry struct {
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Comment is a free text note on an assignment.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Attachment references a file stored elsewhere.
type Attachment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"         validate:"required"`
	URL         string    `json:"url"          validate:"required,url"`
	ContentType string    `json:"content_type,omitempty"`
	UploadedBy  string    `json:"uploaded_by"  validate:"required"`
	Timestamp   time.Time `json:"timestamp"`
}

// ReassignmentInfo is recorded on the original record of a reassignment.
type ReassignmentInfo struct {
	ReassignedTo    string    `json:"reassigned_to"`
	ReassignedBy    string    `json:"reassigned_by"`
	Reason          string    `json:"reason"`
	At              time.Time `json:"at"`
	NewAssignmentID string    `json:"new_assignment_id"`
}

// Assignment is one unit of work handed to one operator for one role on
// one case.
type Assignment struct {
	ID           string     `json:"id"`
	CaseID       string     `json:"case_id"`
	Role         string     `json:"role"`
	JobType      string     `json:"job_type"`
	Priority     string     `json:"priority"`
	StrategyUsed string     `json:"strategy_used"`
	Status       string     `json:"status"`
	AssignedTo   string     `json:"assigned_to"`
	AssignedBy   string     `json:"assigned_by"`
	AssignedAt   time.Time  `json:"assigned_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	SLA          SLA        `json:"sla"`

	History     []HistoryEntry `json:"history"`
	Comments    []Comment      `json:"comments"`
	Attachments []Attachment   `json:"attachments"`

	CompletionData       map[string]any    `json:"completion_data,omitempty"`
	Reassignment         *ReassignmentInfo `json:"reassignment,omitempty"`
	PreviousAssignmentID string            `json:"previous_assignment_id,omitempty"`
	RejectionReason      string            `json:"rejection_reason,omitempty"`
	CancellationReason   string            `json:"cancellation_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
	// Version is the optimistic concurrency token. Zero means not yet
	// persisted.
	Version int `json:"version"`
}

// IsActive reports whether the assignment is in a non-terminal status.
func (a Assignment) IsActive() bool {
	return !IsTerminalStatus(a.Status)
}

// Clone returns a deep copy so stored records never alias caller slices.
func (a Assignment) Clone() Assignment {
	out := a
	out.AcceptedAt = cloneTime(a.AcceptedAt)
	out.StartedAt = cloneTime(a.StartedAt)
	out.CompletedAt = cloneTime(a.CompletedAt)
	if a.SLA.ActualDurationHours != nil {
		v := *a.SLA.ActualDurationHours
		out.SLA.ActualDurationHours = &v
	}
	if a.SLA.IsOnTime != nil {
		v := *a.SLA.IsOnTime
		out.SLA.IsOnTime = &v
	}
	out.History = make([]HistoryEntry, len(a.History))
	for i, h := range a.History {
		h.Details = cloneMap(h.Details)
		out.History[i] = h
	}
	out.Comments = append([]Comment(nil), a.Comments...)
	out.Attachments = append([]Attachment(nil), a.Attachments...)
	out.CompletionData = cloneMap(a.CompletionData)
	if a.Reassignment != nil {
		r := *a.Reassignment
		out.Reassignment = &r
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AssignmentFilters are optional filters for listing assignments.
type AssignmentFilters struct {
	CaseID     string
	Role       string
	AssignedTo string
	Statuses   []string
	Priority   string
	JobType    string
	DueBefore  *time.Time
	DueAfter   *time.Time
	Limit      int
	Offset     int
}

// AssignmentStatistics summarises assignments matching a filter.
type AssignmentStatistics struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByPriority       map[string]int `json:"by_priority"`
	Active           int            `json:"active"`
	Completed        int            `json:"completed"`
	CompletedOnTime  int            `json:"completed_on_time"`
	CompletedLate    int            `json:"completed_late"`
	OnTimeRate       float64        `json:"on_time_rate"`
	AvgDurationHours float64        `json:"avg_duration_hours"`
	BreachedActive   int            `json:"breached_active"`
}

// AssignmentEvent is announced after every successful mutation.
type AssignmentEvent struct {
	Type       string     `json:"type"`
	Assignment Assignment `json:"assignment"`
	Actor      string     `json:"actor"`
	OccurredAt time.Time  `json:"occurred_at"`
}
