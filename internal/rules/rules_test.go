package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/homecert/internal/model"
)

func fixed(name string, weight int, s Status) Rule {
	return Rule{Name: name, Weight: weight, Check: func(Facts) Outcome { return Outcome{Status: s} }}
}

func date(s string) *time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestNewEngine_Validation(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		err   string
	}{
		{"empty name", []Rule{fixed("", 1, Pass)}, "without a name"},
		{"duplicate", []Rule{fixed("a", 1, Pass), fixed("a", 2, Pass)}, "duplicate"},
		{"negative", []Rule{fixed("a", -1, Pass)}, "negative"},
		{"no check", []Rule{{Name: "a", Weight: 1}}, "no check"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.rules...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestEvaluate_Completion(t *testing.T) {
	tests := []struct {
		name   string
		rules  []Rule
		status Status
		pct    float64
	}{
		{"all pass", []Rule{fixed("a", 2, Pass), fixed("b", 3, Pass)}, Pass, 100},
		{"one fail", []Rule{fixed("a", 1, Pass), fixed("b", 3, Fail)}, Fail, 25},
		{"warning excluded", []Rule{fixed("a", 1, Pass), fixed("w", 5, Warning), fixed("b", 1, Fail)}, Fail, 50},
		{"not applicable excluded", []Rule{fixed("a", 2, Pass), fixed("n", 8, NotApplicable)}, Pass, 100},
		{"zero denominator", []Rule{fixed("w", 2, Warning), fixed("n", 1, NotApplicable)}, Pass, 100},
		{"zero weight fail", []Rule{fixed("a", 1, Pass), fixed("z", 0, Fail)}, Fail, 100},
		{"no rules", nil, Pass, 100},
		{"rounded", []Rule{fixed("a", 1, Pass), fixed("b", 2, Fail)}, Fail, 33.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(tt.rules...)
			require.NoError(t, err)
			ev := e.Evaluate(Facts{}, Options{})
			assert.Equal(t, tt.status, ev.Status)
			assert.InDelta(t, tt.pct, ev.CompletionPct, 0.001)
			assert.Len(t, ev.Results, len(tt.rules))
		})
	}
}

func TestEvaluate_OrderDoesNotChangeScore(t *testing.T) {
	rs := []Rule{fixed("a", 1, Pass), fixed("b", 2, Fail), fixed("c", 4, Pass), fixed("d", 3, Warning)}
	e1, err := NewEngine(rs...)
	require.NoError(t, err)
	e2, err := NewEngine(rs[3], rs[2], rs[1], rs[0])
	require.NoError(t, err)

	a := e1.Evaluate(Facts{}, Options{})
	b := e2.Evaluate(Facts{}, Options{})
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.Earned, b.Earned)
	assert.Equal(t, a.Possible, b.Possible)
	assert.Equal(t, a.CompletionPct, b.CompletionPct)
}

func TestEvaluate_FailFast(t *testing.T) {
	calls := 0
	counting := func(name string, w int, s Status) Rule {
		return Rule{Name: name, Weight: w, Check: func(Facts) Outcome { calls++; return Outcome{Status: s} }}
	}
	e, err := NewEngine(counting("a", 2, Pass), counting("b", 3, Fail), counting("c", 5, Pass))
	require.NoError(t, err)

	ev := e.Evaluate(Facts{}, Options{FailFast: true})
	assert.Equal(t, 2, calls)
	assert.True(t, ev.Stopped)
	assert.Equal(t, []string{"c"}, ev.Skipped)
	assert.Equal(t, Fail, ev.Status)
	assert.Equal(t, 2, ev.Earned)
	assert.Equal(t, 5, ev.Possible, "the failing rule's weight is counted")
	assert.InDelta(t, 40, ev.CompletionPct, 0.001)

	// The reported weights always match the reported results.
	earned, possible := 0, 0
	for _, r := range ev.Results {
		earned += r.Weight
		possible += r.TotalWeight
	}
	assert.Equal(t, ev.Earned, earned)
	assert.Equal(t, ev.Possible, possible)
}

func TestEvaluate_FailFastOnLastRule(t *testing.T) {
	e, err := NewEngine(fixed("a", 1, Pass), fixed("b", 1, Fail))
	require.NoError(t, err)
	ev := e.Evaluate(Facts{}, Options{FailFast: true})
	assert.False(t, ev.Stopped)
	assert.Empty(t, ev.Skipped)
}

func TestEvaluate_UnknownStatusIsNotApplicable(t *testing.T) {
	e, err := NewEngine(fixed("odd", 3, Status("maybe")), fixed("a", 1, Pass))
	require.NoError(t, err)
	ev := e.Evaluate(Facts{}, Options{})
	assert.Equal(t, NotApplicable, ev.Results[0].Status)
	assert.Equal(t, 1, ev.Possible)
}

func TestRule_Applies(t *testing.T) {
	es := &model.Program{Slug: "energy-star"}
	r := Rule{Programs: []string{"Energy-Star"}, Since: date("2024-01-01"), Until: date("2025-01-01")}

	assert.True(t, r.Applies(Facts{Program: es, AsOf: *date("2024-06-01")}))
	assert.True(t, r.Applies(Facts{Program: es, AsOf: *date("2024-01-01")}))
	assert.False(t, r.Applies(Facts{Program: es, AsOf: *date("2025-01-01")}), "until is exclusive")
	assert.False(t, r.Applies(Facts{Program: es, AsOf: *date("2023-12-31")}))
	assert.False(t, r.Applies(Facts{Program: &model.Program{Slug: "eto"}, AsOf: *date("2024-06-01")}))
	assert.False(t, r.Applies(Facts{AsOf: *date("2024-06-01")}))
	assert.True(t, Rule{}.Applies(Facts{}))
}

func TestEvaluate_OutOfScopeRuleIsNotApplicable(t *testing.T) {
	scoped := fixed("eto-only", 5, Fail)
	scoped.Programs = []string{"eto"}
	e, err := NewEngine(scoped, fixed("a", 1, Pass))
	require.NoError(t, err)

	ev := e.Evaluate(Facts{Program: &model.Program{Slug: "energy-star"}}, Options{})
	assert.True(t, ev.Passed())
	assert.Equal(t, NotApplicable, ev.Results[0].Status)
	assert.InDelta(t, 100, ev.CompletionPct, 0.001)
}

func TestEvaluation_Filters(t *testing.T) {
	e, err := NewEngine(fixed("a", 1, Fail), fixed("b", 1, Warning), fixed("c", 1, Pass))
	require.NoError(t, err)
	ev := e.Evaluate(Facts{}, Options{})
	require.Len(t, ev.Failures(), 1)
	assert.Equal(t, "a", ev.Failures()[0].Rule)
	require.Len(t, ev.Warnings(), 1)
	assert.Equal(t, "b", ev.Warnings()[0].Rule)
}

func TestRules_ReturnsCopy(t *testing.T) {
	e := Default()
	rs := e.Rules()
	rs[0].Name = "changed"
	assert.Equal(t, RuleRequiredAnswers, e.Rules()[0].Name)
}
