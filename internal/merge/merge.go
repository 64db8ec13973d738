// Package merge decides which answers and annotations a home keeps when new
// candidates meet existing history.
package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/homecert/internal/model"
)

// Result is the outcome of a merge. Create and Delete are applied as one
// replace.
type Result[T any] struct {
	Create []T
	Delete []T
	Reuse  []T
	// Diagnostics are addressed to the row the candidates came from.
	Diagnostics []*model.Diagnostic
}

// Empty reports whether the merge changes nothing.
func (r Result[T]) Empty() bool {
	return len(r.Create) == 0 && len(r.Delete) == 0
}

// Options controls a merge.
type Options struct {
	Overwrite bool
	// ReportMissing surfaces required questions with neither candidates nor
	// history.
	ReportMissing bool
	// Questions is the program checklist, used for missing-value reports.
	Questions []model.Question
}

// Selection is the at most one failing and one passing candidate kept for
// a question.
type Selection struct {
	QuestionID string
	Failing    *model.AnswerCandidate
	Passing    *model.AnswerCandidate
}

// Candidates returns the kept candidates, failing first.
func (s Selection) Candidates() []model.AnswerCandidate {
	var out []model.AnswerCandidate
	if s.Failing != nil {
		out = append(out, *s.Failing)
	}
	if s.Passing != nil {
		out = append(out, *s.Passing)
	}
	return out
}

// Select groups candidates by question and keeps at most one failing and
// one passing candidate per question. Several failing candidates are an
// authoring error: none of them is kept. Several passing candidates keep
// the highest-priority one. Selections are returned in first-seen order.
func Select(row int, candidates []model.AnswerCandidate) ([]Selection, []*model.Diagnostic) {
	var (
		order   []string
		byQ     = make(map[string][]model.AnswerCandidate)
		diags   []*model.Diagnostic
		results []Selection
	)
	for _, c := range candidates {
		if _, ok := byQ[c.QuestionID]; !ok {
			order = append(order, c.QuestionID)
		}
		byQ[c.QuestionID] = append(byQ[c.QuestionID], c)
	}

	for _, qid := range order {
		sel := Selection{QuestionID: qid}
		var failing, passing []model.AnswerCandidate
		for _, c := range byQ[qid] {
			if c.Failing {
				failing = append(failing, c)
			} else {
				passing = append(passing, c)
			}
		}

		switch {
		case len(failing) == 1:
			sel.Failing = &failing[0]
		case len(failing) > 1:
			diags = append(diags, model.Errorf(row, model.CodeDuplicateFailing,
				"question %s has %d failing answers (%s); at most one is allowed", qid, len(failing), values(failing)))
		}

		if len(passing) > 0 {
			sort.SliceStable(passing, func(i, j int) bool { return passing[i].Priority < passing[j].Priority })
			sel.Passing = &passing[0]
			for _, d := range passing[1:] {
				diags = append(diags, model.Debugf(row, model.CodeDuplicatePassing,
					"question %s: discarded passing answer %q in favour of %q", qid, d.Value, sel.Passing.Value))
			}
		}

		if sel.Failing != nil || sel.Passing != nil {
			results = append(results, sel)
		}
	}
	return results, diags
}

// Answers merges candidates for homeID into its existing answers.
func Answers(row int, homeID string, existing []model.Answer, candidates []model.AnswerCandidate, opts Options) Result[model.Answer] {
	selections, diags := Select(row, candidates)
	res := Result[model.Answer]{Diagnostics: diags}

	prior := make(map[string][]model.Answer)
	for _, a := range existing {
		prior[a.QuestionID] = append(prior[a.QuestionID], a)
	}

	answered := make(map[string]bool, len(selections))
	for _, sel := range selections {
		answered[sel.QuestionID] = true
		old := prior[sel.QuestionID]
		kept := sel.Candidates()

		if len(old) == 0 {
			for _, c := range kept {
				res.Create = append(res.Create, toAnswer(homeID, c))
			}
			continue
		}
		if !opts.Overwrite {
			res.Reuse = append(res.Reuse, old...)
			res.Diagnostics = append(res.Diagnostics, model.Infof(row, model.CodeReused,
				"question %s already answered; existing answer kept", sel.QuestionID))
			continue
		}
		if sameAnswers(old, kept) {
			res.Reuse = append(res.Reuse, old...)
			continue
		}
		res.Delete = append(res.Delete, old...)
		for _, c := range kept {
			res.Create = append(res.Create, toAnswer(homeID, c))
		}
	}

	if opts.ReportMissing {
		for _, q := range opts.Questions {
			if !q.Required || answered[q.ID] || len(prior[q.ID]) > 0 {
				continue
			}
			res.Diagnostics = append(res.Diagnostics, model.Warningf(row, model.CodeMissingRequirement,
				"required question %s has no answer", q.Slug))
		}
	}
	return res
}

// Annotations merges annotation candidates, one retained value per type.
func Annotations(row int, homeID string, existing []model.Annotation, candidates []model.AnnotationCandidate, overwrite bool) Result[model.Annotation] {
	var res Result[model.Annotation]
	prior := make(map[string]model.Annotation, len(existing))
	for _, a := range existing {
		prior[a.Type] = a
	}

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.Type] {
			res.Diagnostics = append(res.Diagnostics, model.Warningf(row, model.CodeInvalidValue,
				"annotation %s given more than once; first value kept", c.Type))
			continue
		}
		seen[c.Type] = true

		old, ok := prior[c.Type]
		switch {
		case !ok:
			res.Create = append(res.Create, model.Annotation{HomeID: homeID, Type: c.Type, Content: c.Content})
		case !overwrite || old.Content == c.Content:
			res.Reuse = append(res.Reuse, old)
		default:
			res.Delete = append(res.Delete, old)
			res.Create = append(res.Create, model.Annotation{HomeID: homeID, Type: c.Type, Content: c.Content})
		}
	}
	return res
}

func toAnswer(homeID string, c model.AnswerCandidate) model.Answer {
	return model.Answer{
		HomeID:     homeID,
		QuestionID: c.QuestionID,
		Value:      c.Value,
		Comment:    c.Comment,
		Failing:    c.Failing,
	}
}

// sameAnswers reports whether kept would recreate exactly the answers in
// old.
func sameAnswers(old []model.Answer, kept []model.AnswerCandidate) bool {
	if len(old) != len(kept) {
		return false
	}
	for _, c := range kept {
		found := false
		for _, a := range old {
			if a.Failing == c.Failing && a.Value == c.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func values(cs []model.AnswerCandidate) string {
	quoted := make([]string, 0, len(cs))
	for _, c := range cs {
		quoted = append(quoted, fmt.Sprintf("%q", c.Value))
	}
	return strings.Join(quoted, ", ")
}
