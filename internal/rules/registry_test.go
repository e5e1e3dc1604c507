package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/certflow/model"
)

func alwaysTrue(*model.EvaluationContext) bool { return true }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Rule{Name: "a", Predicate: alwaysTrue}))

	assert.Error(t, r.Register(Rule{Name: "a", Predicate: alwaysTrue}), "duplicate name")
	assert.Error(t, r.Register(Rule{Predicate: alwaysTrue}), "missing name")
	assert.Error(t, r.Register(Rule{Name: "b"}), "missing predicate")

	r.Freeze()
	assert.Error(t, r.Register(Rule{Name: "c", Predicate: alwaysTrue}), "frozen")
	assert.Equal(t, []string{"a"}, r.Names())
}

func TestRegistry_unknownRule(t *testing.T) {
	r := NewDefaultRegistry()

	_, err := r.Evaluate("no_such_rule", &model.EvaluationContext{})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrUnknownRule))

	_, _, err = r.EvaluateAll([]string{RuleApplicationFeePaid, "no_such_rule"}, &model.EvaluationContext{})
	assert.True(t, model.IsCode(err, model.ErrUnknownRule))

	_, err = r.EvaluateCritical([]string{"no_such_rule"}, &model.EvaluationContext{})
	assert.True(t, model.IsCode(err, model.ErrUnknownRule))
}

func TestRegistry_EvaluateAll_collectsEveryFailure(t *testing.T) {
	r := NewDefaultRegistry()
	ec := &model.EvaluationContext{
		Fields: map[string]any{"feePaid": false, "inspectionScore": 50},
	}

	passed, failed, err := r.EvaluateAll([]string{
		RuleApplicationFeePaid,
		RuleFarmInServiceArea,
		RuleInspectionScorePassed,
	}, ec)
	require.NoError(t, err)
	assert.Empty(t, passed)
	assert.Equal(t, []string{RuleApplicationFeePaid, RuleFarmInServiceArea, RuleInspectionScorePassed}, failed)
}

func TestRegistry_EvaluateCritical_skipsNonCritical(t *testing.T) {
	r := NewDefaultRegistry()
	ec := &model.EvaluationContext{Fields: map[string]any{"feePaid": true}}

	failed, err := r.EvaluateCritical([]string{RuleApplicationFeePaid, RuleFarmInServiceArea}, ec)
	require.NoError(t, err)
	assert.Empty(t, failed, "geo rule is not critical")
}

func TestRegistry_panickingPredicateFails(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Rule{Name: "boom", Predicate: func(*model.EvaluationContext) bool { panic("boom") }})

	ok, err := r.Evaluate("boom", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_concurrentReads(t *testing.T) {
	r := NewDefaultRegistry()
	r.Freeze()
	ec := &model.EvaluationContext{Fields: map[string]any{"feePaid": true}}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ok, err := r.Evaluate(RuleApplicationFeePaid, ec)
				assert.NoError(t, err)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
}
