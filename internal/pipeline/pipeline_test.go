package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/homecert/internal/metrics"
	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/resilience"
	"github.com/sells-group/homecert/internal/sheet"
	"github.com/sells-group/homecert/internal/store"
	"github.com/sells-group/homecert/internal/testutil"
)

var (
	testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	passing = map[string]string{"Insulation": "Grade I", "Duct Leakage": "Pass"}
)

func testOptions() Options {
	return Options{
		CreateSubdivisions: true,
		AnswerSeparator:    "|",
		Retry:              resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Now:                func() time.Time { return testNow },
	}
}

func with(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func certified(extra map[string]string) map[string]string {
	return with(with(passing, map[string]string{"Certification Date": "2024-05-01"}), extra)
}

func runFile(t *testing.T, f *testutil.Fixture, path string, opts Options) *model.Summary {
	t.Helper()
	s, err := New(f.Store, nil, nil).Run(context.Background(), path, opts)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func hasCode(diags []model.Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

func TestRun_SingleCertifiedHome(t *testing.T) {
	f := testutil.NewFixture(t)
	path := testutil.WriteXLSX(t, testutil.Header, testutil.Home("1 Main St", certified(nil)))

	s := runFile(t, f, path, testOptions())
	assert.Equal(t, model.ResultSuccess, s.Result)
	assert.Equal(t, 1, s.TotalRows)
	assert.Equal(t, 1, s.Committed)
	assert.Equal(t, 1, s.HomesCertified)
	assert.Zero(t, s.GroupsCertified)
	assert.Equal(t, 2, s.AnswersCreated)
	assert.Zero(t, s.Errors)
	require.Len(t, s.Rows, 1)
	assert.True(t, s.Rows[0].Certified)
	assert.Contains(t, s.Rows[0].Flags, "home_certified")

	run, err := f.Store.GetRun(context.Background(), s.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 1, run.Summary.HomesCertified)
	assert.Equal(t, "homes.xlsx", run.File)
}

func TestRun_GroupWithDifferentBuilders(t *testing.T) {
	f := testutil.NewFixture(t)
	path := testutil.WriteCSV(t, testutil.Header,
		testutil.Home("2 Main St", with(passing, map[string]string{"Sample Set": "Lot B", "Sample Set Role": "source"})),
		testutil.Home("3 Main St", with(passing, map[string]string{"Sample Set": "Lot B", "Builder": "Brickline Homes"})),
	)

	s := runFile(t, f, path, testOptions())
	assert.Zero(t, s.Committed)
	assert.Equal(t, 2, s.Skipped)
	assert.Equal(t, 2, s.SkippedBy[model.SkipIncompatibleGroup])
	assert.Equal(t, model.ResultAllFailed, s.Result)
	for _, r := range s.Rows {
		assert.True(t, hasCode(r.Diagnostics, model.CodeIncompatibleBuilder), "row %d", r.Row)
	}

	set, err := f.Store.FindSampleSet(context.Background(), "Lot B")
	require.NoError(t, err)
	assert.Nil(t, set)
}

func TestRun_AlreadyCertifiedHomeUntouched(t *testing.T) {
	f := testutil.NewFixture(t)
	home, hs := f.Certify(t, "4 Main St", f.EnergyStar, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	path := testutil.WriteCSV(t, testutil.Header, testutil.Home("4 Main St", certified(nil)))

	s := runFile(t, f, path, testOptions())
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.SkippedBy[model.SkipAlreadyCertified])
	assert.Zero(t, s.Committed)
	assert.Zero(t, s.HomesCertified)
	assert.Equal(t, model.ResultNothingToDo, s.Result)

	ctx := context.Background()
	answers, err := f.Store.ListAnswers(ctx, home.ID)
	require.NoError(t, err)
	assert.Empty(t, answers)
	after, err := f.Store.GetHomeStatusByID(ctx, hs.ID)
	require.NoError(t, err)
	assert.True(t, after.CertificationDate.Equal(*hs.CertificationDate))
}

func TestRun_GroupMemberFailsValidation(t *testing.T) {
	f := testutil.NewFixture(t)
	path := testutil.WriteCSV(t, testutil.Header,
		testutil.Home("40 Main St", with(passing, map[string]string{"Sample Set": "Lot E", "Sample Set Role": "source"})),
		testutil.Home("41 Main St", with(passing, map[string]string{"Sample Set": "Lot E", "Builder": "Brickline Homes", "Zip": "abc"})),
	)

	s := runFile(t, f, path, testOptions())
	assert.Zero(t, s.Committed)
	assert.Equal(t, model.ResultAllFailed, s.Result)
	require.Len(t, s.Rows, 2)
	assert.Equal(t, model.SkipIncompatibleGroup, s.Rows[0].Reason)
	assert.Equal(t, model.SkipInvalid, s.Rows[1].Reason)
	assert.True(t, hasCode(s.Rows[0].Diagnostics, model.CodeGroupMemberNotStaged))
	for _, r := range s.Rows {
		assert.True(t, hasCode(r.Diagnostics, model.CodeIncompatibleBuilder), "row %d", r.Row)
	}

	ctx := context.Background()
	set, err := f.Store.FindSampleSet(ctx, "Lot E")
	require.NoError(t, err)
	assert.Nil(t, set)
	home, err := f.Store.FindHome(ctx, model.Address{Street: "40 Main St", City: "Austin", State: "TX", Zip: "78701"})
	require.NoError(t, err)
	assert.Nil(t, home)
}

func TestRun_GeneratedSetRerunReusesSet(t *testing.T) {
	f := testutil.NewFixture(t)
	path := testutil.WriteCSV(t, testutil.Header,
		testutil.Home("42 Main St", with(passing, map[string]string{"Sample Set": "new:lot", "Sample Set Role": "source"})),
		testutil.Home("43 Main St", with(passing, map[string]string{"Sample Set": "new:lot"})),
	)
	ctx := context.Background()
	setOf := func(street string) string {
		t.Helper()
		home, err := f.Store.FindHome(ctx, model.Address{Street: street, City: "Austin", State: "TX", Zip: "78701"})
		require.NoError(t, err)
		require.NotNil(t, home)
		hs, err := f.Store.GetHomeStatus(ctx, home.ID, f.EnergyStar.ID)
		require.NoError(t, err)
		require.NotNil(t, hs)
		m, err := f.Store.FindSampleSetMembership(ctx, hs.ID)
		require.NoError(t, err)
		require.NotNil(t, m)
		return m.SampleSetID
	}

	first := runFile(t, f, path, testOptions())
	require.Equal(t, 2, first.Committed)
	setID := setOf("42 Main St")
	require.Equal(t, setID, setOf("43 Main St"))

	second := runFile(t, f, path, testOptions())
	assert.Zero(t, second.Committed)
	assert.Equal(t, 2, second.Reused)
	assert.Zero(t, second.Errors)
	assert.Equal(t, model.ResultSuccess, second.Result)
	for _, r := range second.Rows {
		assert.NotContains(t, r.Flags, "sample_set_created", "row %d", r.Row)
	}
	assert.Equal(t, setID, setOf("42 Main St"))
	assert.Equal(t, setID, setOf("43 Main St"))
}

func TestRun_MultiValuedAnswer(t *testing.T) {
	f := testutil.NewFixture(t)
	path := testutil.WriteCSV(t, testutil.Header,
		testutil.Home("5 Main St", map[string]string{"Insulation": "Grade III|Grade I", "Duct Leakage": "Pass"}))

	s := runFile(t, f, path, testOptions())
	require.Equal(t, 1, s.Committed)
	assert.Equal(t, 3, s.AnswersCreated)

	answers, err := f.Store.ListAnswers(context.Background(), s.Rows[0].HomeID)
	require.NoError(t, err)
	var failing, pass int
	for _, a := range answers {
		if a.QuestionID != f.Questions["insulation"].ID {
			continue
		}
		if a.Failing {
			failing++
			assert.Equal(t, "Grade III", a.Value)
		} else {
			pass++
			assert.Equal(t, "Grade I", a.Value)
		}
	}
	assert.Equal(t, 1, failing)
	assert.Equal(t, 1, pass)
	assert.Equal(t, model.StateCertificationPending, s.Rows[0].State)
}

func TestRun_SecondRunChangesNothing(t *testing.T) {
	f := testutil.NewFixture(t)
	path := testutil.WriteCSV(t, testutil.Header,
		testutil.Home("6 Main St", certified(nil)),
		testutil.Home("7 Main St", map[string]string{"Insulation": "Grade II", "note:Rater Notes": "attic"}),
	)

	first := runFile(t, f, path, testOptions())
	require.Equal(t, 2, first.Committed)

	second := runFile(t, f, path, testOptions())
	assert.Zero(t, second.Committed)
	assert.Zero(t, second.AnswersCreated)
	assert.Zero(t, second.AnswersDeleted)
	assert.Zero(t, second.HomesCertified)
	assert.Zero(t, second.Errors)
	assert.Equal(t, 1, second.Reused)
	assert.Equal(t, 1, second.SkippedBy[model.SkipAlreadyCertified])
	assert.Equal(t, model.ResultSuccess, second.Result)
	for _, r := range second.Rows {
		assert.Contains(t, []model.RowOutcome{model.OutcomeReused, model.OutcomeSkipped}, r.Outcome)
	}
}

func TestRun_SampleSetCertifiedOnce(t *testing.T) {
	f := testutil.NewFixture(t)
	set := func(role string, extra map[string]string) map[string]string {
		return with(map[string]string{"Sample Set": "new:lot", "Sample Set Role": role}, extra)
	}
	path := testutil.WriteCSV(t, testutil.Header,
		testutil.Home("10 Main St", set("source", certified(nil))),
		testutil.Home("11 Main St", set("", map[string]string{"Insulation": "Grade I"})),
		testutil.Home("12 Main St", set("", nil)),
	)

	s := runFile(t, f, path, testOptions())
	assert.Equal(t, model.ResultSuccess, s.Result)
	assert.Equal(t, 3, s.Committed)
	assert.Equal(t, 3, s.HomesCertified)
	assert.Equal(t, 1, s.GroupsCertified)
	for _, r := range s.Rows {
		assert.True(t, r.Certified, "row %d", r.Row)
		assert.Contains(t, r.Flags, "certified_via_sample_set")
		assert.False(t, hasCode(r.Diagnostics, model.CodeCertificationDeferred), "row %d", r.Row)
		assert.False(t, hasCode(r.Diagnostics, model.CodeRequirement), "row %d", r.Row)
	}
	assert.True(t, hasCode(s.Rows[1].Diagnostics, model.CodeAlreadyHandled))
}

func TestRun_UnprocessableRow(t *testing.T) {
	f := testutil.NewFixture(t)
	path := testutil.WriteCSV(t, testutil.Header,
		testutil.Home("13 Main St", passing),
		testutil.Home("14 Main St", map[string]string{"Builder": ""}),
	)

	s := runFile(t, f, path, testOptions())
	assert.Equal(t, 1, s.Committed)
	assert.Equal(t, 1, s.Unprocessable)
	assert.Equal(t, 1, s.UnprocessableBy[model.SkipNoBuilder])
	assert.Zero(t, s.Skipped)
	assert.NotContains(t, s.SkippedBy, model.SkipNoBuilder)
	assert.Equal(t, model.OutcomeUnprocessable, s.Rows[1].Outcome)
	assert.Equal(t, model.ResultSuccess, s.Result)
}

func TestRun_NothingToDo(t *testing.T) {
	f := testutil.NewFixture(t)
	s := runFile(t, f, testutil.WriteCSV(t, testutil.Header), testOptions())
	assert.Equal(t, model.ResultNothingToDo, s.Result)
	assert.Zero(t, s.TotalRows)
}

func TestRun_UnreadableFile(t *testing.T) {
	f := testutil.NewFixture(t)
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	s, err := New(f.Store, nil, nil).Run(context.Background(), path, testOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, sheet.ErrNoHeader)
	require.NotNil(t, s)
	assert.Equal(t, model.ResultAllFailed, s.Result)
	assert.True(t, hasCode(s.RunDiagnostics, model.CodeMalformedFile))

	run, err := f.Store.GetRun(context.Background(), s.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestRun_MissingColumn(t *testing.T) {
	f := testutil.NewFixture(t)
	header := []string{"Street Address", "City", "State", "Zip", "Builder", "Insulation"}
	path := testutil.WriteCSV(t, header, testutil.CellsFor(header, testutil.HomeValues("15 Main St", nil)))

	s := runFile(t, f, path, testOptions())
	assert.True(t, hasCode(s.RunDiagnostics, model.CodeMissingColumn))
	assert.Equal(t, 1, s.SkippedBy[model.SkipInvalid])
	assert.Zero(t, s.Committed)
}

func TestRun_AmbiguousColumnKeepsFirst(t *testing.T) {
	f := testutil.NewFixture(t)
	header := append(append([]string(nil), testutil.Header...), "Address")
	values := with(testutil.HomeValues("44 Main St", passing), map[string]string{"Address": "99 Other Rd"})
	path := testutil.WriteCSV(t, header, testutil.CellsFor(header, values))

	s := runFile(t, f, path, testOptions())
	assert.True(t, hasCode(s.RunDiagnostics, model.CodeAmbiguousColumn))
	assert.Equal(t, 1, s.Committed)

	home, err := f.Store.FindHome(context.Background(), model.Address{Street: "44 Main St", City: "Austin", State: "TX", Zip: "78701"})
	require.NoError(t, err)
	assert.NotNil(t, home)
}

func TestRun_DeprecatedColumnWarns(t *testing.T) {
	f := testutil.NewFixture(t)
	header := []string{"Street Address", "City", "State", "Zip", "Builder", "EEP Program", "Insulation", "Duct Leakage"}
	values := with(testutil.HomeValues("16 Main St", passing), map[string]string{"EEP Program": "energy-star"})
	path := testutil.WriteCSV(t, header, testutil.CellsFor(header, values))

	s := runFile(t, f, path, testOptions())
	assert.Equal(t, 1, s.Committed)
	assert.True(t, hasCode(s.RunDiagnostics, model.CodeDeprecatedColumn))
	assert.Equal(t, 1, s.Warnings)
}

func TestRun_AbortThreshold(t *testing.T) {
	f := testutil.NewFixture(t)
	path := testutil.WriteCSV(t, testutil.Header,
		testutil.Home("17 Main St", passing),
		testutil.Home("18 Main St", map[string]string{"Insulation": "Grade Z"}),
	)
	opts := testOptions()
	opts.AbortErrorThreshold = 1

	s, err := New(f.Store, nil, nil).Run(context.Background(), path, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	require.NotNil(t, s)
	assert.Equal(t, model.ResultAborted, s.Result)
	assert.Equal(t, model.SkipAborted, s.Rows[0].Reason)
	assert.Equal(t, model.SkipInvalid, s.Rows[1].Reason)
	assert.True(t, hasCode(s.RunDiagnostics, model.CodeAborted))

	home, err := f.Store.FindHome(context.Background(), model.Address{Street: "17 Main St", City: "Austin", State: "TX", Zip: "78701"})
	require.NoError(t, err)
	assert.Nil(t, home)

	run, err := f.Store.GetRun(context.Background(), s.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAborted, run.Status)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	f := testutil.NewFixture(t)
	path := testutil.WriteCSV(t, testutil.Header,
		testutil.Home("19 Main St", certified(nil)),
		testutil.Home("20 Main St", map[string]string{"Sample Set": "Lot D", "Sample Set Role": "source"}),
	)
	opts := testOptions()
	opts.DryRun = true

	m := metrics.New()
	s, err := New(f.Store, nil, m).Run(context.Background(), path, opts)
	require.NoError(t, err)
	assert.True(t, s.DryRun)
	for _, r := range s.Rows {
		assert.Equal(t, model.OutcomeStaged, r.Outcome)
	}
	assert.Equal(t, model.ResultSuccess, s.Result)

	ctx := context.Background()
	home, err := f.Store.FindHome(ctx, model.Address{Street: "19 Main St", City: "Austin", State: "TX", Zip: "78701"})
	require.NoError(t, err)
	assert.Nil(t, home)
	set, err := f.Store.FindSampleSet(ctx, "Lot D")
	require.NoError(t, err)
	assert.Nil(t, set)

	runs, err := f.Store.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, s.RunID, runs[0].ID)
}

// runStore fails run bookkeeping and delegates everything else.
type runStore struct {
	store.Store
	mock.Mock
}

func (m *runStore) CreateRun(ctx context.Context, file string) (*model.Run, error) {
	args := m.Called(ctx, file)
	if r, ok := args.Get(0).(*model.Run); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *runStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.Summary) error {
	return m.Called(ctx, runID, status, summary).Error(0)
}

func TestRun_CreateRunFails(t *testing.T) {
	st := &runStore{Store: testutil.NewStore(t)}
	st.On("CreateRun", mock.Anything, "homes.csv").Return(nil, eris.New("db down"))

	s, err := New(st, nil, nil).Run(context.Background(), testutil.WriteCSV(t, testutil.Header), testOptions())
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Contains(t, err.Error(), "pipeline: create run")
	st.AssertExpectations(t)
}

func TestRun_FinishRunFailureKeepsSummary(t *testing.T) {
	f := testutil.NewFixture(t)
	st := &runStore{Store: f.Store}
	st.On("CreateRun", mock.Anything, "homes.csv").Return(&model.Run{ID: "run-1", File: "homes.csv"}, nil)
	st.On("FinishRun", mock.Anything, "run-1", model.RunStatusComplete, mock.Anything).Return(eris.New("db down"))

	path := testutil.WriteCSV(t, testutil.Header, testutil.Home("21 Main St", passing))
	s, err := New(st, nil, nil).Run(context.Background(), path, testOptions())
	require.NoError(t, err)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 1, s.Committed)
	st.AssertExpectations(t)
}
