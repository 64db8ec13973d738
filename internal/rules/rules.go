// Package rules scores a home against a registry of weighted requirement
// rules and derives its completion percentage.
package rules

import (
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/homecert/internal/model"
)

// Status is the outcome of one rule, or the aggregate of an evaluation.
type Status string

// Rule outcomes.
const (
	Pass          Status = "pass"
	Fail          Status = "fail"
	Warning       Status = "warning"
	NotApplicable Status = "not_applicable"
)

// Facts is everything a rule may look at. Rules read nothing else.
type Facts struct {
	Program           *model.Program
	Questions         []model.Question
	Answers           []model.Answer
	FloorplanID       string
	Stage             model.ConstructionStage
	QAPassed          bool
	CertificationDate *time.Time
	// AsOf is the date rule applicability cutoffs are compared against: the
	// certification date when there is one, otherwise the run time.
	AsOf time.Time
}

// Outcome is what a rule's check returns.
type Outcome struct {
	Status  Status
	Message string
}

// Rule is a named, weighted requirement. A rule applies to a home when its
// program is listed (or Programs is empty) and AsOf falls inside
// [Since, Until).
type Rule struct {
	Name        string
	Description string
	Weight      int
	Programs    []string
	Since       *time.Time
	Until       *time.Time
	Check       func(f Facts) Outcome
}

// Applies reports whether the rule's program and date scope cover f.
func (r Rule) Applies(f Facts) bool {
	if len(r.Programs) > 0 {
		if f.Program == nil {
			return false
		}
		found := false
		for _, p := range r.Programs {
			if strings.EqualFold(p, f.Program.Slug) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Since != nil && f.AsOf.Before(*r.Since) {
		return false
	}
	if r.Until != nil && !f.AsOf.Before(*r.Until) {
		return false
	}
	return true
}

// Result is one rule's contribution. Weight is what the rule earned;
// TotalWeight is what it could have earned. Warning and NotApplicable
// results carry zero for both.
type Result struct {
	Rule        string `json:"rule"`
	Status      Status `json:"status"`
	Weight      int    `json:"weight"`
	TotalWeight int    `json:"total_weight"`
	Message     string `json:"message,omitempty"`
}

// Evaluation aggregates the results of one home.
type Evaluation struct {
	Status        Status   `json:"status"`
	Results       []Result `json:"results"`
	Earned        int      `json:"earned"`
	Possible      int      `json:"possible"`
	CompletionPct float64  `json:"completion_pct"`
	// Stopped is set when fail-fast ended evaluation early. Skipped names
	// the rules that were never evaluated; they count toward neither side.
	Stopped bool     `json:"stopped,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

// Passed reports whether no applicable rule failed.
func (e Evaluation) Passed() bool {
	return e.Status == Pass
}

// Failures returns the results with status Fail.
func (e Evaluation) Failures() []Result {
	return e.filter(Fail)
}

// Warnings returns the results with status Warning.
func (e Evaluation) Warnings() []Result {
	return e.filter(Warning)
}

func (e Evaluation) filter(s Status) []Result {
	var out []Result
	for _, r := range e.Results {
		if r.Status == s {
			out = append(out, r)
		}
	}
	return out
}

// Options controls an evaluation.
type Options struct {
	FailFast bool
}

// Engine holds an immutable, ordered rule set.
type Engine struct {
	rules []Rule
}

// NewEngine validates rules and returns an engine evaluating them in the
// given order.
func NewEngine(rules ...Rule) (*Engine, error) {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		switch {
		case r.Name == "":
			return nil, eris.New("rules: rule without a name")
		case seen[r.Name]:
			return nil, eris.Errorf("rules: duplicate rule %q", r.Name)
		case r.Weight < 0:
			return nil, eris.Errorf("rules: rule %q has negative weight", r.Name)
		case r.Check == nil:
			return nil, eris.Errorf("rules: rule %q has no check", r.Name)
		}
		seen[r.Name] = true
	}
	return &Engine{rules: append([]Rule(nil), rules...)}, nil
}

// Rules returns a copy of the registered rules.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate runs every applicable rule against f.
//
// CompletionPct is 100 * Earned / Possible, where Possible sums the weight of
// every evaluated Pass and Fail result, and is 100 when Possible is zero.
// With FailFast the first Fail stops evaluation; its weight is still part of
// Possible and the remaining rules are listed in Skipped.
func (e *Engine) Evaluate(f Facts, opts Options) Evaluation {
	ev := Evaluation{Status: Pass, Results: make([]Result, 0, len(e.rules))}
	for i, r := range e.rules {
		res := Result{Rule: r.Name, Status: NotApplicable}
		if r.Applies(f) {
			out := r.Check(f)
			res.Status, res.Message = out.Status, out.Message
		}
		switch res.Status {
		case Pass:
			res.Weight, res.TotalWeight = r.Weight, r.Weight
		case Fail:
			res.TotalWeight = r.Weight
			ev.Status = Fail
		case Warning, NotApplicable:
		default:
			res.Message = "unknown status " + string(res.Status)
			res.Status = NotApplicable
		}
		ev.Earned += res.Weight
		ev.Possible += res.TotalWeight
		ev.Results = append(ev.Results, res)

		if opts.FailFast && res.Status == Fail {
			for _, rest := range e.rules[i+1:] {
				ev.Skipped = append(ev.Skipped, rest.Name)
			}
			ev.Stopped = len(ev.Skipped) > 0
			break
		}
	}
	ev.CompletionPct = completion(ev.Earned, ev.Possible)
	return ev
}

func completion(earned, possible int) float64 {
	if possible == 0 {
		return 100
	}
	return math.Round(1000*float64(earned)/float64(possible)) / 10
}
