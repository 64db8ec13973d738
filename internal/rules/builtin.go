package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/homecert/internal/model"
)

// Built-in rule names.
const (
	RuleRequiredAnswers     = "required-answers"
	RuleNoFailingAnswers    = "no-failing-answers"
	RuleFloorplan           = "floorplan"
	RuleConstruction        = "construction-complete"
	RuleCertificationWindow = "certification-window"
	RuleQA                  = "qa-passed"
)

// Builtin returns the built-in rule set in evaluation order.
func Builtin() []Rule {
	return []Rule{
		{
			Name:        RuleRequiredAnswers,
			Description: "every required checklist question has an answer",
			Weight:      4,
			Check:       requiredAnswers,
		},
		{
			Name:        RuleNoFailingAnswers,
			Description: "no question is answered only with a failing value",
			Weight:      3,
			Check:       noFailingAnswers,
		},
		{
			Name:        RuleFloorplan,
			Description: "programs that require a floorplan have one attached",
			Weight:      1,
			Check:       floorplan,
		},
		{
			Name:        RuleConstruction,
			Description: "construction is complete before certification",
			Weight:      1,
			Check:       construction,
		},
		{
			Name:        RuleCertificationWindow,
			Description: "certification date falls inside the program window",
			Weight:      1,
			Check:       certificationWindow,
		},
		{
			Name:        RuleQA,
			Description: "programs that require QA have a passed QA review",
			Weight:      0,
			Check:       qaPassed,
		},
	}
}

// Default returns an engine with the built-in rules.
func Default() *Engine {
	e, err := NewEngine(Builtin()...)
	if err != nil {
		panic(err)
	}
	return e
}

func requiredAnswers(f Facts) Outcome {
	answered := make(map[string]bool, len(f.Answers))
	for _, a := range f.Answers {
		answered[a.QuestionID] = true
	}
	var missing []string
	required := 0
	for _, q := range f.Questions {
		if !q.Required {
			continue
		}
		required++
		if !answered[q.ID] {
			missing = append(missing, q.Slug)
		}
	}
	switch {
	case required == 0:
		return Outcome{Status: NotApplicable}
	case len(missing) > 0:
		sort.Strings(missing)
		return Outcome{Status: Fail, Message: "unanswered: " + strings.Join(missing, ", ")}
	default:
		return Outcome{Status: Pass}
	}
}

// noFailingAnswers fails on questions whose only answers are failing. A
// failing answer kept alongside a passing one is a warning.
func noFailingAnswers(f Facts) Outcome {
	type tally struct{ failing, passing bool }
	byQ := make(map[string]*tally)
	for _, a := range f.Answers {
		t := byQ[a.QuestionID]
		if t == nil {
			t = &tally{}
			byQ[a.QuestionID] = t
		}
		if a.Failing {
			t.failing = true
		} else {
			t.passing = true
		}
	}

	slugs := make(map[string]string, len(f.Questions))
	for _, q := range f.Questions {
		slugs[q.ID] = q.Slug
	}
	var failed, corrected []string
	for id, t := range byQ {
		name := slugs[id]
		if name == "" {
			name = id
		}
		switch {
		case t.failing && !t.passing:
			failed = append(failed, name)
		case t.failing:
			corrected = append(corrected, name)
		}
	}
	sort.Strings(failed)
	sort.Strings(corrected)
	switch {
	case len(failed) > 0:
		return Outcome{Status: Fail, Message: "failing: " + strings.Join(failed, ", ")}
	case len(corrected) > 0:
		return Outcome{Status: Warning, Message: "failing answers with a passing correction: " + strings.Join(corrected, ", ")}
	default:
		return Outcome{Status: Pass}
	}
}

func floorplan(f Facts) Outcome {
	if f.Program == nil || !f.Program.RequiresFloorplan {
		return Outcome{Status: NotApplicable}
	}
	if f.FloorplanID == "" {
		return Outcome{Status: Fail, Message: "no floorplan attached"}
	}
	return Outcome{Status: Pass}
}

func construction(f Facts) Outcome {
	switch f.Stage {
	case model.StageNone:
		return Outcome{Status: NotApplicable}
	case model.StageCompleted:
		return Outcome{Status: Pass}
	default:
		return Outcome{Status: Fail, Message: fmt.Sprintf("construction stage is %s", f.Stage)}
	}
}

func certificationWindow(f Facts) Outcome {
	if f.CertificationDate == nil || f.Program == nil {
		return Outcome{Status: NotApplicable}
	}
	d := *f.CertificationDate
	if p := f.Program; p.StartDate != nil && d.Before(*p.StartDate) {
		return Outcome{Status: Fail, Message: fmt.Sprintf("%s is before %s opened on %s",
			d.Format(time.DateOnly), p.Name, p.StartDate.Format(time.DateOnly))}
	}
	if p := f.Program; p.CloseDate != nil && d.After(*p.CloseDate) {
		return Outcome{Status: Fail, Message: fmt.Sprintf("%s is after %s closed on %s",
			d.Format(time.DateOnly), p.Name, p.CloseDate.Format(time.DateOnly))}
	}
	return Outcome{Status: Pass}
}

// qaPassed never fails: a home awaiting QA is held in qa_pending by the
// workflow rather than scored down.
func qaPassed(f Facts) Outcome {
	if f.Program == nil || !f.Program.RequiresQA {
		return Outcome{Status: NotApplicable}
	}
	if !f.QAPassed {
		return Outcome{Status: Warning, Message: "awaiting QA"}
	}
	return Outcome{Status: Pass}
}
