package definition

import (
	"fmt"
	"sort"

	"github.com/pitabwire/certflow/internal/rules"
	"github.com/pitabwire/certflow/model"
)

// Validation codes besides the model's UNKNOWN_STATE and UNKNOWN_RULE.
const (
	CodeRequired    = "REQUIRED"
	CodeDuplicateID = "DUPLICATE_ID"
	CodeInvalidEnum = "INVALID_ENUM"
	CodeInvalid     = "INVALID_VALUE"
	CodeNoTerminal  = "NO_TERMINAL"
	CodeUnreachable = "UNREACHABLE"
	CodeTrapCycle   = "TRAP_CYCLE"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// RuleSet reports whether a business rule name is registered.
type RuleSet interface {
	Has(name string) bool
}

// Validator checks definitions structurally, against the rule registry,
// and as a stage graph.
type Validator struct {
	rules RuleSet
}

// NewValidator creates a Validator. Rule names declared inside a
// definition count as known in addition to those in rs. rs may be nil.
func NewValidator(rs RuleSet) *Validator {
	return &Validator{rules: rs}
}

// Validate checks all definitions and reports every problem found.
func (v *Validator) Validate(defs []model.WorkflowDefinition) []VError {
	var errs []VError
	seen := make(map[string]int)
	for i, def := range defs {
		prefix := fmt.Sprintf("workflows[%d]", i)
		if def.ID != "" {
			if first, dup := seen[def.ID]; dup {
				errs = append(errs, VError{
					Path:    prefix + ".id",
					Code:    CodeDuplicateID,
					Message: fmt.Sprintf("workflow id %q already declared by workflows[%d]", def.ID, first),
				})
			} else {
				seen[def.ID] = i
			}
		}
		errs = append(errs, v.validateWorkflow(prefix, def)...)
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix string, w model.WorkflowDefinition) []VError {
	var errs []VError

	if w.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: CodeRequired, Message: "id is required"})
	}
	if w.InitialStage == "" {
		errs = append(errs, VError{Path: prefix + ".initial_stage", Code: CodeRequired, Message: "initial_stage is required"})
	}
	if len(w.Stages) == 0 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: CodeRequired, Message: "at least one stage is required"})
		return errs
	}

	factoryTypes := make(map[string]bool)
	for _, t := range rules.FactoryTypes() {
		factoryTypes[t] = true
	}
	declared := make(map[string]bool)
	for i, r := range w.Rules {
		rp := fmt.Sprintf("%s.rules[%d]", prefix, i)
		if r.Name == "" {
			errs = append(errs, VError{Path: rp + ".name", Code: CodeRequired, Message: "rule name is required"})
		} else if declared[r.Name] {
			errs = append(errs, VError{Path: rp + ".name", Code: CodeDuplicateID, Message: fmt.Sprintf("rule %q declared twice", r.Name)})
		} else if v.rules != nil && v.rules.Has(r.Name) {
			errs = append(errs, VError{Path: rp + ".name", Code: CodeDuplicateID, Message: fmt.Sprintf("rule %q shadows a registered rule", r.Name)})
		}
		declared[r.Name] = true
		if !factoryTypes[r.Type] {
			errs = append(errs, VError{Path: rp + ".type", Code: CodeInvalidEnum, Message: fmt.Sprintf("unknown rule type %q", r.Type)})
		}
	}

	stageIDs := make(map[string]bool, len(w.Stages))
	for i, s := range w.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeRequired, Message: "stage id is required"})
			continue
		}
		if stageIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeDuplicateID, Message: fmt.Sprintf("stage %q declared twice", s.ID)})
		}
		stageIDs[s.ID] = true
	}

	if w.InitialStage != "" && !stageIDs[w.InitialStage] {
		errs = append(errs, VError{
			Path:    prefix + ".initial_stage",
			Code:    model.ErrUnknownState,
			Message: fmt.Sprintf("initial_stage %q not found in stages", w.InitialStage),
		})
	}

	for i, s := range w.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		errs = append(errs, v.validateStage(sp, s, stageIDs, declared)...)
	}

	errs = append(errs, validateGraph(prefix, w, stageIDs)...)

	return errs
}

func (v *Validator) validateStage(prefix string, s model.StageDefinition, stageIDs, declared map[string]bool) []VError {
	var errs []VError

	targets := make(map[string]bool)
	for j, t := range s.AllowedTransitions {
		tp := fmt.Sprintf("%s.allowed_transitions[%d]", prefix, j)
		if !stageIDs[t] {
			errs = append(errs, VError{Path: tp, Code: model.ErrUnknownState, Message: fmt.Sprintf("transition target %q is not a defined stage", t)})
		}
		if targets[t] {
			errs = append(errs, VError{Path: tp, Code: CodeDuplicateID, Message: fmt.Sprintf("transition target %q listed twice", t)})
		}
		targets[t] = true
	}

	ruleNames := make(map[string]bool)
	for j, r := range s.BusinessRules {
		rp := fmt.Sprintf("%s.business_rules[%d]", prefix, j)
		if !declared[r] && (v.rules == nil || !v.rules.Has(r)) {
			errs = append(errs, VError{Path: rp, Code: model.ErrUnknownRule, Message: fmt.Sprintf("business rule %q is not registered", r)})
		}
		if ruleNames[r] {
			errs = append(errs, VError{Path: rp, Code: CodeDuplicateID, Message: fmt.Sprintf("business rule %q listed twice", r)})
		}
		ruleNames[r] = true
	}

	for j, role := range s.RequiredActorRoles {
		if role == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.required_actor_roles[%d]", prefix, j), Code: CodeRequired, Message: "role must not be empty"})
		}
	}

	if s.TimeLimitDays != nil && *s.TimeLimitDays <= 0 {
		errs = append(errs, VError{Path: prefix + ".time_limit_days", Code: CodeInvalid, Message: "time_limit_days must be positive"})
	}

	if a := s.Assignment; a != nil {
		ap := prefix + ".assignment"
		if a.Role == "" {
			errs = append(errs, VError{Path: ap + ".role", Code: CodeRequired, Message: "assignment role is required"})
		}
		if a.JobType == "" {
			errs = append(errs, VError{Path: ap + ".job_type", Code: CodeRequired, Message: "assignment job_type is required"})
		}
		if a.Priority != "" && !model.IsValidPriority(a.Priority) {
			errs = append(errs, VError{Path: ap + ".priority", Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid priority %q", a.Priority)})
		}
		if a.Strategy != "" && !validStrategies[a.Strategy] {
			errs = append(errs, VError{Path: ap + ".strategy", Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid strategy %q", a.Strategy)})
		}
	}

	return errs
}

var validStrategies = map[string]bool{
	model.StrategyRoundRobin:  true,
	model.StrategyWorkload:    true,
	model.StrategyPerformance: true,
	model.StrategyManual:      true,
}

// validateGraph requires at least one terminal stage, every stage to be
// reachable from the initial stage, and every stage to have some path to a
// terminal stage. Loops are fine as long as they can be left.
func validateGraph(prefix string, w model.WorkflowDefinition, stageIDs map[string]bool) []VError {
	var errs []VError

	forward := make(map[string][]string, len(w.Stages))
	reverse := make(map[string][]string, len(w.Stages))
	var terminals []string
	for _, s := range w.Stages {
		if s.ID == "" {
			continue
		}
		if s.IsTerminal() {
			terminals = append(terminals, s.ID)
		}
		for _, t := range s.AllowedTransitions {
			if !stageIDs[t] {
				continue
			}
			forward[s.ID] = append(forward[s.ID], t)
			reverse[t] = append(reverse[t], s.ID)
		}
	}

	if len(terminals) == 0 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: CodeNoTerminal, Message: "at least one terminal stage (no allowed_transitions) is required"})
	}

	var reachable map[string]bool
	if stageIDs[w.InitialStage] {
		reachable = walk([]string{w.InitialStage}, forward)
	}
	canFinish := walk(terminals, reverse)

	for i, s := range w.Stages {
		if s.ID == "" {
			continue
		}
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if reachable != nil && !reachable[s.ID] {
			errs = append(errs, VError{Path: sp, Code: CodeUnreachable, Message: fmt.Sprintf("stage %q is not reachable from %q", s.ID, w.InitialStage)})
		}
		if len(terminals) > 0 && !canFinish[s.ID] {
			errs = append(errs, VError{Path: sp, Code: CodeTrapCycle, Message: fmt.Sprintf("stage %q can never reach a terminal stage", s.ID)})
		}
	}

	return errs
}

// walk returns every node reachable from start over edges.
func walk(start []string, edges map[string][]string) map[string]bool {
	seen := make(map[string]bool, len(edges))
	stack := append([]string(nil), start...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	return seen
}

// AsError folds validation errors into a single envelope. Unknown stage
// and rule references keep their own code so callers can tell a dangling
// reference from a structural problem; anything else is
// INVALID_DEFINITION.
func AsError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	code := model.ErrInvalidDefinition
	for _, e := range errs {
		if e.Code == model.ErrUnknownRule || e.Code == model.ErrUnknownState {
			code = e.Code
			break
		}
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	sort.SliceStable(details, func(i, j int) bool { return details[i].Field < details[j].Field })
	return &model.ErrorEnvelope{
		Code:    code,
		Message: fmt.Sprintf("%d workflow definition error(s), first: %s", len(errs), errs[0].Error()),
		Details: details,
	}
}
