package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/homecert/internal/model"
)

func cand(q, v string, failing bool, prio int) model.AnswerCandidate {
	return model.AnswerCandidate{QuestionID: q, Value: v, Failing: failing, Priority: prio}
}

func TestSelect_OneFailingOnePassingKept(t *testing.T) {
	sels, diags := Select(2, []model.AnswerCandidate{
		cand("q1", "Grade III", true, 0),
		cand("q1", "Grade I", false, 1),
		cand("q1", "Grade II", false, 2),
	})
	require.Len(t, sels, 1)
	require.NotNil(t, sels[0].Failing)
	require.NotNil(t, sels[0].Passing)
	assert.Equal(t, "Grade III", sels[0].Failing.Value)
	assert.Equal(t, "Grade I", sels[0].Passing.Value)

	require.Len(t, diags, 1)
	assert.Equal(t, model.SeverityDebug, diags[0].Severity)
	assert.Equal(t, model.CodeDuplicatePassing, diags[0].Code)
	assert.Contains(t, diags[0].Message, `"Grade II"`)
}

func TestSelect_PassingPriorityWinsRegardlessOfOrder(t *testing.T) {
	sels, _ := Select(2, []model.AnswerCandidate{
		cand("q1", "ok", false, 3),
		cand("q1", "great", false, 1),
		cand("q1", "fine", false, 1),
	})
	require.Len(t, sels, 1)
	assert.Equal(t, "great", sels[0].Passing.Value, "ties keep the first seen")
}

func TestSelect_DuplicateFailingIsAnError(t *testing.T) {
	sels, diags := Select(4, []model.AnswerCandidate{
		cand("q1", "bad", true, 0),
		cand("q1", "worse", true, 1),
	})
	assert.Empty(t, sels)
	require.Len(t, diags, 1)
	assert.Equal(t, model.SeverityError, diags[0].Severity)
	assert.Equal(t, model.CodeDuplicateFailing, diags[0].Code)
	assert.Equal(t, 4, diags[0].Row)
}

func TestSelect_KeepsQuestionOrder(t *testing.T) {
	sels, _ := Select(2, []model.AnswerCandidate{
		cand("q2", "a", false, 0),
		cand("q1", "b", false, 0),
		cand("q2", "c", true, 0),
	})
	require.Len(t, sels, 2)
	assert.Equal(t, "q2", sels[0].QuestionID)
	assert.Equal(t, "q1", sels[1].QuestionID)
	assert.Len(t, sels[0].Candidates(), 2)
}

func TestAnswers_CreatesWhenNoHistory(t *testing.T) {
	res := Answers(2, "h1", nil, []model.AnswerCandidate{
		cand("q1", "fail", true, 0),
		cand("q1", "pass", false, 1),
	}, Options{})
	require.Len(t, res.Create, 2)
	assert.Empty(t, res.Delete)
	assert.Empty(t, res.Reuse)
	for _, a := range res.Create {
		assert.Equal(t, "h1", a.HomeID)
		assert.Equal(t, "q1", a.QuestionID)
	}
	assert.True(t, res.Create[0].Failing)
	assert.False(t, res.Create[1].Failing)
}

func TestAnswers_NoOverwriteReuses(t *testing.T) {
	existing := []model.Answer{{ID: "a1", HomeID: "h1", QuestionID: "q1", Value: "old"}}
	res := Answers(2, "h1", existing, []model.AnswerCandidate{cand("q1", "new", false, 0)}, Options{Overwrite: false})

	assert.True(t, res.Empty())
	require.Len(t, res.Reuse, 1)
	assert.Equal(t, "a1", res.Reuse[0].ID)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, model.SeverityInfo, res.Diagnostics[0].Severity)
	assert.Equal(t, model.CodeReused, res.Diagnostics[0].Code)
}

func TestAnswers_OverwriteReplaces(t *testing.T) {
	existing := []model.Answer{
		{ID: "a1", HomeID: "h1", QuestionID: "q1", Value: "old", Failing: true},
		{ID: "a2", HomeID: "h1", QuestionID: "q1", Value: "older"},
		{ID: "a3", HomeID: "h1", QuestionID: "q2", Value: "untouched"},
	}
	res := Answers(2, "h1", existing, []model.AnswerCandidate{cand("q1", "new", false, 0)}, Options{Overwrite: true})

	require.Len(t, res.Delete, 2)
	assert.ElementsMatch(t, []string{"a1", "a2"}, []string{res.Delete[0].ID, res.Delete[1].ID})
	require.Len(t, res.Create, 1)
	assert.Equal(t, "new", res.Create[0].Value)
	assert.Empty(t, res.Reuse)
}

func TestAnswers_OverwriteIdenticalIsReuse(t *testing.T) {
	existing := []model.Answer{{ID: "a1", HomeID: "h1", QuestionID: "q1", Value: "same"}}
	res := Answers(2, "h1", existing, []model.AnswerCandidate{cand("q1", "same", false, 0)}, Options{Overwrite: true})
	assert.True(t, res.Empty())
	assert.Len(t, res.Reuse, 1)
}

func TestAnswers_ReportMissing(t *testing.T) {
	questions := []model.Question{
		{ID: "q1", Slug: "insulation", Required: true},
		{ID: "q2", Slug: "ducts", Required: true},
		{ID: "q3", Slug: "windows", Required: false},
		{ID: "q4", Slug: "hvac", Required: true},
	}
	existing := []model.Answer{{ID: "a4", QuestionID: "q4", Value: "ok"}}
	cands := []model.AnswerCandidate{cand("q1", "x", false, 0)}

	res := Answers(3, "h1", existing, cands, Options{ReportMissing: true, Questions: questions})
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, model.CodeMissingRequirement, res.Diagnostics[0].Code)
	assert.Equal(t, model.SeverityWarning, res.Diagnostics[0].Severity)
	assert.Contains(t, res.Diagnostics[0].Message, "ducts")

	res = Answers(3, "h1", existing, cands, Options{Questions: questions})
	assert.Empty(t, res.Diagnostics, "missing values are silent unless requested")
}

func TestAnnotations(t *testing.T) {
	existing := []model.Annotation{
		{ID: "n1", HomeID: "h1", Type: "rater notes", Content: "old"},
		{ID: "n2", HomeID: "h1", Type: "lot", Content: "12"},
	}
	cands := []model.AnnotationCandidate{
		{Type: "rater notes", Content: "new"},
		{Type: "lot", Content: "12"},
		{Type: "hers", Content: "55"},
		{Type: "hers", Content: "56"},
	}

	res := Annotations(2, "h1", existing, cands, false)
	assert.Len(t, res.Reuse, 2)
	require.Len(t, res.Create, 1)
	assert.Equal(t, "hers", res.Create[0].Type)
	assert.Equal(t, "55", res.Create[0].Content)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, model.SeverityWarning, res.Diagnostics[0].Severity)

	res = Annotations(2, "h1", existing, cands, true)
	require.Len(t, res.Delete, 1)
	assert.Equal(t, "n1", res.Delete[0].ID)
	assert.Len(t, res.Create, 2)
	require.Len(t, res.Reuse, 1)
	assert.Equal(t, "n2", res.Reuse[0].ID)
}
