package commit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/resilience"
	"github.com/sells-group/homecert/internal/resolve"
	"github.com/sells-group/homecert/internal/rules"
	"github.com/sells-group/homecert/internal/runlog"
	"github.com/sells-group/homecert/internal/sampleset"
	"github.com/sells-group/homecert/internal/testutil"
	"github.com/sells-group/homecert/internal/validate"
)

var (
	testNow  = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	certDate = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	passing  = map[string]string{"Insulation": "Grade I", "Duct Leakage": "Pass"}
)

func with(base map[string]string, extra map[string]string) map[string]string {
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

type run struct {
	f        *testutil.Fixture
	rl       *runlog.Log
	header   []string
	capacity int
	opts     Options
}

func newRun(f *testutil.Fixture) *run {
	return &run{
		f:        f,
		rl:       runlog.New("run-test"),
		header:   testutil.Header,
		capacity: sampleset.DefaultCapacity,
		opts: Options{
			Retry: resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
			Now:   func() time.Time { return testNow },
		},
	}
}

// stage validates and finalizes rows the way the pipeline does and returns
// the plans eligible for commit.
func (r *run) stage(t *testing.T, data ...[]string) ([]*model.Plan, map[string]*sampleset.Report) {
	t.Helper()
	ctx := context.Background()
	acct := sampleset.New(r.capacity, r.rl)
	v := validate.New(resolve.New(r.f.Store), r.f.Store, r.rl, acct, validate.Options{
		CreateSubdivisions: true,
		Now:                func() time.Time { return testNow },
	})
	results := v.Validate(ctx, testutil.Rows(t, r.header, data...))
	reports, err := acct.Finalize(ctx, r.f.Store)
	require.NoError(t, err)

	var plans []*model.Plan
	for _, res := range results {
		if !res.Staged() {
			continue
		}
		if g := res.Plan.Group; g != nil && reports[sampleset.GroupID(*g)].Excluded(res.Row) != model.SkipNone {
			continue
		}
		plans = append(plans, res.Plan)
	}
	return plans, reports
}

func (r *run) commit(t *testing.T, plans []*model.Plan, reports map[string]*sampleset.Report) (*Committer, []model.RowResult) {
	t.Helper()
	c := New(r.f.Store, rules.Default(), r.rl, reports, r.opts)
	return c, c.Commit(context.Background(), plans)
}

func (r *run) do(t *testing.T, data ...[]string) (*Committer, []model.RowResult) {
	t.Helper()
	plans, reports := r.stage(t, data...)
	require.Len(t, plans, len(data), "%v", r.rl.All())
	return r.commit(t, plans, reports)
}

func (r *run) status(t *testing.T, street string, program *model.Program) *model.HomeStatus {
	t.Helper()
	ctx := context.Background()
	h, err := r.f.Store.FindHome(ctx, model.Address{Street: street, City: "Austin", State: "TX", Zip: "78701"})
	require.NoError(t, err)
	require.NotNil(t, h, street)
	hs, err := r.f.Store.GetHomeStatus(ctx, h.ID, program.ID)
	require.NoError(t, err)
	require.NotNil(t, hs)
	return hs
}

func TestCommit_CertifiesPassingHome(t *testing.T) {
	r := newRun(testutil.NewFixture(t))
	c, out := r.do(t, testutil.Home("1 Main St", certified(nil)))

	require.Len(t, out, 1)
	res := out[0]
	assert.Equal(t, model.OutcomeCommitted, res.Outcome)
	assert.True(t, res.Certified)
	assert.Equal(t, model.StateComplete, res.State)
	assert.Equal(t, 2, res.AnswersCreated)
	assert.InDelta(t, 100, res.PctComplete, 0.001)
	assert.NotEmpty(t, res.HomeID)
	assert.Equal(t, StepCertified, c.Step(2))

	homes, groups := c.Certified()
	assert.Equal(t, 1, homes)
	assert.Equal(t, 0, groups)
	assert.True(t, r.rl.HasFlag(2, runlog.FlagHomeCreated))
	assert.True(t, r.rl.HasFlag(2, runlog.FlagHomeCertified))

	hs := r.status(t, "1 Main St", r.f.EnergyStar)
	require.True(t, hs.Certified())
	assert.True(t, hs.CertificationDate.Equal(certDate))
	assert.Equal(t, model.StateComplete, hs.State)
}

func TestCommit_FailingRulesBlockCertification(t *testing.T) {
	r := newRun(testutil.NewFixture(t))
	_, out := r.do(t, testutil.Home("2 Main St", map[string]string{
		"Insulation":         "Grade I",
		"Certification Date": "2024-05-01",
	}))

	res := out[0]
	assert.Equal(t, model.OutcomeCommitted, res.Outcome)
	assert.False(t, res.Certified)
	assert.Equal(t, model.StateInspection, res.State)
	// required-answers fails (4); no-failing-answers (3) and the window (1) pass.
	assert.InDelta(t, 50, res.PctComplete, 0.001)
	assert.True(t, r.rl.HasCode(2, model.CodeCertificationBlocked))
	assert.True(t, r.rl.HasCode(2, model.CodeRequirement))

	hs := r.status(t, "2 Main St", r.f.EnergyStar)
	assert.False(t, hs.Certified())
	assert.InDelta(t, 50, hs.PctComplete, 0.001)
}

func TestCommit_QAHoldsInQAPending(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	r.header = append(append([]string(nil), testutil.Header...), "QA Passed")
	row := func(street, qa string) []string {
		return testutil.CellsFor(r.header, testutil.HomeValues(street, map[string]string{
			"Program": "eto", "Insulation": "Grade I", "QA Passed": qa,
		}))
	}

	_, out := r.do(t, row("3 Main St", ""), row("4 Main St", "yes"))
	assert.Equal(t, model.StateQAPending, out[0].State)
	assert.Equal(t, model.StateCertificationPending, out[1].State)
	assert.Equal(t, model.StateQAPending, r.status(t, "3 Main St", f.ETO).State)
}

func TestCommit_SecondRunReuses(t *testing.T) {
	f := testutil.NewFixture(t)
	rows := [][]string{
		testutil.Home("5 Main St", passing),
		testutil.Home("6 Main St", map[string]string{"Insulation": "Grade II", "note:Rater Notes": "attic"}),
	}

	_, first := newRun(f).do(t, rows...)
	for _, res := range first {
		assert.Equal(t, model.OutcomeCommitted, res.Outcome)
	}

	r := newRun(f)
	_, second := r.do(t, rows...)
	for _, res := range second {
		assert.Equal(t, model.OutcomeReused, res.Outcome, "row %d", res.Row)
		assert.Zero(t, res.AnswersCreated)
		assert.Zero(t, res.AnswersDeleted)
	}
	assert.Equal(t, 2, second[0].AnswersReused)
	assert.True(t, r.rl.HasCode(2, model.CodeReused))
	assert.Zero(t, r.rl.ErrorCount())
}

func TestCommit_OverwriteReplacesAnswers(t *testing.T) {
	f := testutil.NewFixture(t)
	newRun(f).do(t, testutil.Home("7 Main St", passing))

	r := newRun(f)
	r.opts.Overwrite = true
	_, out := r.do(t, testutil.Home("7 Main St", map[string]string{"Insulation": "Grade II", "Duct Leakage": "Pass"}))
	res := out[0]
	assert.Equal(t, model.OutcomeCommitted, res.Outcome)
	assert.Equal(t, 1, res.AnswersCreated)
	assert.Equal(t, 1, res.AnswersDeleted)
	assert.Equal(t, 1, res.AnswersReused)
	assert.True(t, r.rl.HasFlag(2, runlog.FlagAnswersReplaced))

	answers, err := f.Store.ListAnswers(context.Background(), res.HomeID)
	require.NoError(t, err)
	require.Len(t, answers, 2)
	values := map[string]string{}
	for _, a := range answers {
		values[a.QuestionID] = a.Value
	}
	assert.Equal(t, "Grade II", values[f.Questions["insulation"].ID])
}

func TestCommit_FailingAndPassingBothKept(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	_, out := r.do(t, testutil.Home("8 Main St", map[string]string{
		"Insulation":   "Grade III|Grade I|Grade II",
		"Duct Leakage": "Pass",
	}))
	assert.Equal(t, 3, out[0].AnswersCreated)

	answers, err := f.Store.ListAnswers(context.Background(), out[0].HomeID)
	require.NoError(t, err)
	var failing, passingN int
	for _, a := range answers {
		if a.QuestionID != f.Questions["insulation"].ID {
			continue
		}
		if a.Failing {
			failing++
		} else {
			passingN++
		}
	}
	assert.Equal(t, 1, failing)
	assert.Equal(t, 1, passingN)
	assert.True(t, r.rl.HasCode(2, model.CodeDuplicatePassing))
	assert.Zero(t, r.rl.ErrorCount())
}

func TestCommit_Annotations(t *testing.T) {
	f := testutil.NewFixture(t)
	_, out := newRun(f).do(t, testutil.Home("9 Main St", map[string]string{"note:Rater Notes": "vented attic"}))

	notes, err := f.Store.ListAnnotations(context.Background(), out[0].HomeID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "rater notes", notes[0].Type)
	assert.Equal(t, "vented attic", notes[0].Content)
}

func TestCommit_Abandoned(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	c, out := r.do(t, testutil.Home("10 Main St", with(passing, map[string]string{"Construction Stage": "abandoned"})))

	assert.Equal(t, model.OutcomeCommitted, out[0].Outcome)
	assert.Equal(t, model.StateAbandoned, out[0].State)
	assert.Equal(t, StepAbandoned, c.Step(2))
	assert.Zero(t, out[0].AnswersCreated, "an abandoned home's checklist is left alone")

	hs := r.status(t, "10 Main St", f.EnergyStar)
	assert.Equal(t, model.StateAbandoned, hs.State)
	assert.Equal(t, model.StageAbandoned, hs.Stage)
}

func TestCommit_HomeCertifiedSinceValidation(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	plans, reports := r.stage(t, testutil.Home("11 Main St", certified(nil)))
	require.Len(t, plans, 1)

	// Another run certifies the home between validation and commit.
	f.Certify(t, "11 Main St", f.EnergyStar, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	c, out := r.commit(t, plans, reports)
	assert.Equal(t, model.OutcomeSkipped, out[0].Outcome)
	assert.Equal(t, model.SkipAlreadyCertified, out[0].Reason)
	assert.Equal(t, StepSkipped, c.Step(2))
	homes, _ := c.Certified()
	assert.Zero(t, homes)

	hs := r.status(t, "11 Main St", f.EnergyStar)
	assert.Equal(t, "2024-01-01", hs.CertificationDate.Format(time.DateOnly))
}

func TestCommit_SameHomeTwiceIsHandledOnce(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	_, out := r.do(t,
		testutil.Home("12 Main St", passing),
		testutil.Home("12 main st", map[string]string{"Insulation": "Grade II"}),
	)
	assert.Equal(t, model.OutcomeCommitted, out[0].Outcome)
	assert.Equal(t, model.OutcomeSkipped, out[1].Outcome)
	assert.Equal(t, model.SkipAlreadyHandled, out[1].Reason)
	assert.True(t, r.rl.HasCode(3, model.CodeAlreadyHandled))
}

func TestCommit_CreatesSubdivisionAndFloorplanOnce(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	r.header = append(append([]string(nil), testutil.Header...), "Floorplan")
	row := func(street string) []string {
		return testutil.CellsFor(r.header, testutil.HomeValues(street, map[string]string{
			"Subdivision": "Fresh Acres", "Floorplan": "Plan Z",
		}))
	}
	_, out := r.do(t, row("13 Main St"), row("14 Main St"))
	require.Equal(t, model.OutcomeCommitted, out[1].Outcome, "%v", r.rl.All())

	ctx := context.Background()
	subs, err := f.Store.FindSubdivisions(ctx, "Fresh Acres")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, f.Acme.ID, subs[0].BuilderID)
	fp, err := f.Store.FindFloorplan(ctx, "Plan Z", f.Acme.ID)
	require.NoError(t, err)
	require.NotNil(t, fp)

	assert.True(t, r.rl.HasFlag(2, runlog.FlagSubdivisionCreated))
	assert.False(t, r.rl.HasFlag(3, runlog.FlagSubdivisionCreated))
	assert.True(t, r.rl.HasFlag(2, runlog.FlagFloorplanCreated))

	home, err := f.Store.GetHome(ctx, out[1].HomeID)
	require.NoError(t, err)
	assert.Equal(t, subs[0].ID, home.SubdivisionID)
	assert.Equal(t, fp.ID, r.status(t, "14 Main St", f.EnergyStar).FloorplanID)
}

func TestCommit_ExistingHomeGainsProgram(t *testing.T) {
	f := testutil.NewFixture(t)
	home, _ := f.Certify(t, "15 Main St", f.ETO, certDate)

	_, out := newRun(f).do(t, testutil.Home("15 Main St", passing))
	assert.Equal(t, model.OutcomeCommitted, out[0].Outcome)
	assert.Equal(t, home.ID, out[0].HomeID)
	assert.Equal(t, model.StateCertificationPending, out[0].State)
}

func grouped(set, role string, extra map[string]string) map[string]string {
	return with(map[string]string{"Sample Set": set, "Sample Set Role": role}, extra)
}

// seedMember puts a home from builder into set outside of any run.
func (r *run) seedMember(t *testing.T, set *model.SampleSet, street string, builder *model.Organization) {
	t.Helper()
	ctx := context.Background()
	metro, err := r.f.Store.FindMetro(ctx, "Austin Metro")
	require.NoError(t, err)
	require.NotNil(t, metro)
	h := &model.Home{
		Address:   model.Address{Street: street, City: "Austin", State: "TX", Zip: "78701"},
		CityID:    r.f.Austin.ID,
		BuilderID: builder.ID,
		MetroID:   metro.ID,
	}
	require.NoError(t, r.f.Store.CreateHome(ctx, h))
	hs := &model.HomeStatus{HomeID: h.ID, ProgramID: r.f.EnergyStar.ID, State: model.StateInspection}
	require.NoError(t, r.f.Store.CreateHomeStatus(ctx, hs))
	require.NoError(t, r.f.Store.AddSampleSetMember(ctx, model.SampleSetMember{SampleSetID: set.ID, HomeStatusID: hs.ID}))
}

func (r *run) createSet(t *testing.T, name string) *model.SampleSet {
	t.Helper()
	set := &model.SampleSet{Name: name}
	require.NoError(t, r.f.Store.CreateSampleSet(context.Background(), set))
	return set
}

func TestCommit_GroupCertifiedTogether(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	plans, reports := r.stage(t,
		testutil.Home("20 Main St", grouped("new:lot", "source", certified(nil))),
		testutil.Home("21 Main St", grouped("new:lot", "", map[string]string{"Insulation": "Grade I"})),
		testutil.Home("22 Main St", grouped("new:lot", "", nil)),
	)
	require.Len(t, plans, 3)
	c, out := r.commit(t, plans, reports)

	for _, res := range out {
		assert.Equal(t, model.OutcomeCommitted, res.Outcome, "row %d", res.Row)
		assert.True(t, res.Certified, "row %d", res.Row)
		assert.Equal(t, model.StateComplete, res.State, "row %d", res.Row)
		assert.Equal(t, StepCertified, c.Step(res.Row))
		assert.True(t, r.rl.HasFlag(res.Row, runlog.FlagCertifiedViaSampleSet))
	}
	homes, groups := c.Certified()
	assert.Equal(t, 3, homes)
	assert.Equal(t, 1, groups)
	assert.True(t, r.rl.HasCode(2, model.CodeCertificationDeferred))
	assert.False(t, r.rl.HasCode(2, model.CodeAlreadyHandled))
	assert.True(t, r.rl.HasCode(3, model.CodeAlreadyHandled))
	assert.True(t, r.rl.HasCode(4, model.CodeAlreadyHandled))
	assert.True(t, r.rl.HasFlag(2, runlog.FlagSampleSetCreated))
	assert.False(t, r.rl.HasFlag(3, runlog.FlagSampleSetCreated))

	var name string
	for _, rep := range reports {
		name = rep.Name
	}
	assert.Regexp(t, `^lot-[0-9a-f]{8}$`, name)
	set, err := f.Store.FindSampleSet(context.Background(), name)
	require.NoError(t, err)
	require.NotNil(t, set)
	require.NotNil(t, set.CertificationDate)
	assert.True(t, set.CertificationDate.Equal(certDate))

	members, err := f.Store.ListSampleSetMembers(context.Background(), set.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	for _, m := range members {
		require.NotNil(t, m.Certified)
		assert.True(t, m.Certified.Equal(certDate))
	}
}

func TestCommit_HomeJoinedAnotherSetAfterStaging(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	plans, reports := r.stage(t, testutil.Home("30 Main St", grouped("Lot R", "source", passing)))
	require.Len(t, plans, 1)

	other := r.createSet(t, "Lot Q")
	r.seedMember(t, other, "30 Main St", f.Acme)

	_, out := r.commit(t, plans, reports)
	require.Len(t, out, 1)
	assert.Equal(t, model.OutcomeSkipped, out[0].Outcome)
	assert.Equal(t, model.SkipIncompatibleGroup, out[0].Reason)
	assert.True(t, r.rl.HasCode(2, model.CodeOtherSampleSet))

	ctx := context.Background()
	set, err := f.Store.FindSampleSet(ctx, "Lot R")
	require.NoError(t, err)
	assert.Nil(t, set)
	m, err := f.Store.FindSampleSetMembership(ctx, r.status(t, "30 Main St", f.EnergyStar).ID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, other.ID, m.SampleSetID)
}

func TestCommit_GroupBlockedBySource(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	_, out := r.do(t,
		testutil.Home("23 Main St", grouped("Lot 7", "source", certified(map[string]string{"Insulation": "Grade III"}))),
		testutil.Home("24 Main St", grouped("Lot 7", "", certified(nil))),
	)

	for _, res := range out {
		assert.False(t, res.Certified, "row %d", res.Row)
		assert.True(t, r.rl.HasCode(res.Row, model.CodeCertificationBlocked), "row %d", res.Row)
	}
	assert.Equal(t, model.StateInspection, out[0].State)
	assert.Equal(t, model.StateCertificationPending, out[1].State)

	set, err := f.Store.FindSampleSet(context.Background(), "Lot 7")
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Nil(t, set.CertificationDate)
	assert.False(t, r.status(t, "24 Main St", f.EnergyStar).Certified())
}

func TestCommit_GroupFilledSinceValidation(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	r.capacity = 2
	r.opts.Capacity = 2
	set := r.createSet(t, "Lot 8")
	r.seedMember(t, set, "30 Main St", f.Acme)

	plans, reports := r.stage(t, testutil.Home("31 Main St", grouped("Lot 8", "source", passing)))
	require.Len(t, plans, 1)
	r.seedMember(t, set, "32 Main St", f.Acme)

	c, out := r.commit(t, plans, reports)
	assert.Equal(t, model.OutcomeSkipped, out[0].Outcome)
	assert.Equal(t, model.SkipGroupCapacity, out[0].Reason)
	assert.True(t, r.rl.HasCode(2, model.CodeGroupCapacity))
	assert.Equal(t, StepSkipped, c.Step(2))

	home, err := f.Store.FindHome(context.Background(), model.Address{Street: "31 Main St", City: "Austin", State: "TX", Zip: "78701"})
	require.NoError(t, err)
	assert.Nil(t, home, "nothing is written for a row that no longer fits")
}

func TestCommit_GroupIncompatibleSinceValidation(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	set := r.createSet(t, "Lot 9")

	plans, reports := r.stage(t, testutil.Home("33 Main St", grouped("Lot 9", "source", passing)))
	require.Len(t, plans, 1)
	r.seedMember(t, set, "34 Main St", f.Brick)

	_, out := r.commit(t, plans, reports)
	assert.Equal(t, model.SkipIncompatibleGroup, out[0].Reason)
	assert.True(t, r.rl.HasCode(2, model.CodeIncompatibleBuilder))
}

func TestCommit_GroupCertifiedSinceValidation(t *testing.T) {
	f := testutil.NewFixture(t)
	r := newRun(f)
	set := r.createSet(t, "Lot 10")

	plans, reports := r.stage(t, testutil.Home("35 Main St", grouped("Lot 10", "source", certified(nil))))
	require.Len(t, plans, 1)
	require.NoError(t, f.Store.CertifySampleSet(context.Background(), set.ID, certDate))

	_, out := r.commit(t, plans, reports)
	assert.Equal(t, model.SkipAlreadyCertified, out[0].Reason)
	assert.True(t, r.rl.HasCode(2, model.CodeAlreadyCertified))
}

func TestCommit_StepUnknownRow(t *testing.T) {
	c := New(testutil.NewFixture(t).Store, rules.Default(), runlog.New("run-test"), nil, Options{})
	assert.Equal(t, Step(""), c.Step(99))
}
