// Package rules holds the named business-rule predicates consulted by the
// workflow engine. Both the authoritative transition check and the
// transition preview read from the same Registry.
package rules

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/certflow/model"
)

// Predicate is a pure check over an evaluation context. Predicates must be
// deterministic and side-effect free, and must return false rather than
// panic when a field they need is missing.
type Predicate func(ec *model.EvaluationContext) bool

// Rule is a registered predicate.
type Rule struct {
	Name        string
	Description string
	// Critical rules are the ones the transition preview evaluates.
	Critical  bool
	Predicate Predicate
}

// snapshot is an immutable view of the registered rules.
type snapshot struct {
	rules map[string]Rule
}

// Registry maps rule names to predicates. Reads are lock-free through an
// atomic pointer swap; writers serialise on a mutex and publish a new
// snapshot. A frozen registry rejects further registration.
type Registry struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	frozen atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{rules: map[string]Rule{}})
	return r
}

// Register adds a rule. Names are unique.
func (r *Registry) Register(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rules: rule name is required")
	}
	if rule.Predicate == nil {
		return fmt.Errorf("rules: rule %q has no predicate", rule.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("rules: registry is frozen, cannot register %q", rule.Name)
	}
	cur := r.snap.Load()
	if _, exists := cur.rules[rule.Name]; exists {
		return fmt.Errorf("rules: rule %q already registered", rule.Name)
	}

	next := make(map[string]Rule, len(cur.rules)+1)
	for k, v := range cur.rules {
		next[k] = v
	}
	next[rule.Name] = rule
	r.snap.Store(&snapshot{rules: next})
	return nil
}

// MustRegister is Register that panics on error. Intended for package
// level wiring of built-in rules.
func (r *Registry) MustRegister(rule Rule) {
	if err := r.Register(rule); err != nil {
		panic(err)
	}
}

// Freeze stops further registration.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Lookup returns the rule with the given name, or an UNKNOWN_RULE error.
func (r *Registry) Lookup(name string) (Rule, error) {
	rule, ok := r.snap.Load().rules[name]
	if !ok {
		return Rule{}, model.NewUnknownRuleError(name)
	}
	return rule, nil
}

// Has reports whether a rule is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.snap.Load().rules[name]
	return ok
}

// Names returns all registered rule names, sorted.
func (r *Registry) Names() []string {
	s := r.snap.Load()
	names := make([]string, 0, len(s.rules))
	for n := range s.rules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs a single rule. An unknown name is an UNKNOWN_RULE error,
// never a silent false.
func (r *Registry) Evaluate(name string, ec *model.EvaluationContext) (bool, error) {
	rule, err := r.Lookup(name)
	if err != nil {
		return false, err
	}
	return safeEval(rule.Predicate, ec), nil
}

// EvaluateAll runs the named rules in order and partitions them into
// passed and failed. Every rule is evaluated; evaluation does not stop at
// the first failure.
func (r *Registry) EvaluateAll(names []string, ec *model.EvaluationContext) (passed, failed []string, err error) {
	s := r.snap.Load()
	passed = make([]string, 0, len(names))
	for _, name := range names {
		rule, ok := s.rules[name]
		if !ok {
			return nil, nil, model.NewUnknownRuleError(name)
		}
		if safeEval(rule.Predicate, ec) {
			passed = append(passed, name)
		} else {
			failed = append(failed, name)
		}
	}
	return passed, failed, nil
}

// EvaluateCritical runs only the critical rules among names and returns
// the failing ones.
func (r *Registry) EvaluateCritical(names []string, ec *model.EvaluationContext) (failed []string, err error) {
	s := r.snap.Load()
	for _, name := range names {
		rule, ok := s.rules[name]
		if !ok {
			return nil, model.NewUnknownRuleError(name)
		}
		if !rule.Critical {
			continue
		}
		if !safeEval(rule.Predicate, ec) {
			failed = append(failed, name)
		}
	}
	return failed, nil
}

// safeEval treats a panicking predicate as failed.
func safeEval(p Predicate, ec *model.EvaluationContext) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if ec == nil {
		ec = &model.EvaluationContext{}
	}
	return p(ec)
}
