// Package commit applies validated plans to the store one row at a time,
// verifying every write before the next step reads it, and certifies sample
// sets once per run after all rows are in.
package commit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/resilience"
	"github.com/sells-group/homecert/internal/rules"
	"github.com/sells-group/homecert/internal/runlog"
	"github.com/sells-group/homecert/internal/sampleset"
	"github.com/sells-group/homecert/internal/store"
)

// Store is the part of the repository commit writes to.
type Store interface {
	store.ReferenceStore
	store.HomeStore
	store.SampleSetStore
}

// Options configures a commit pass.
type Options struct {
	Overwrite     bool
	ReportMissing bool
	FailFast      bool
	// Capacity is the sample-set size limit re-checked before joining.
	Capacity int
	Retry    resilience.RetryConfig
	Now      func() time.Time
}

// Committer runs the commit stage for one run.
type Committer struct {
	st     Store
	engine *rules.Engine
	runlog *runlog.Log
	opts   Options
	log    *zap.Logger

	reports    map[string]*sampleset.Report
	groups     map[string]*group
	groupOrder []string

	results   map[int]*model.RowResult
	machines  map[int]*Machine
	order     []int
	handled   map[string]int
	questions map[string][]model.Question
	created   map[string]string

	homesCertified  int
	groupsCertified int
}

// New creates a Committer. reports are the finalized sample-set reports
// keyed by sampleset.GroupID.
func New(st Store, engine *rules.Engine, rl *runlog.Log, reports map[string]*sampleset.Report, opts Options) *Committer {
	if opts.Capacity <= 0 {
		opts.Capacity = sampleset.DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if reports == nil {
		reports = make(map[string]*sampleset.Report)
	}
	return &Committer{
		st:        st,
		engine:    engine,
		runlog:    rl,
		opts:      opts,
		log:       zap.L().With(zap.String("run_id", rl.RunID())),
		reports:   reports,
		groups:    make(map[string]*group),
		results:   make(map[int]*model.RowResult),
		machines:  make(map[int]*Machine),
		handled:   make(map[string]int),
		questions: make(map[string][]model.Question),
		created:   make(map[string]string),
	}
}

// work is one row in flight.
type work struct {
	plan  *model.Plan
	m     *Machine
	res   *model.RowResult
	group *group

	home        *model.Home
	status      *model.HomeStatus
	floorplanID string
	member      bool
	answers     []model.Answer
	eval        rules.Evaluation
	wrote       bool
}

// Commit commits plans in order, then certifies the sample sets they
// joined. It returns one result per plan, in the same order.
func (c *Committer) Commit(ctx context.Context, plans []*model.Plan) []model.RowResult {
	start := time.Now()
	for _, p := range plans {
		c.row(ctx, p)
	}
	c.certifyGroups(ctx)

	out := make([]model.RowResult, 0, len(c.order))
	committed := 0
	for _, row := range c.order {
		r := c.results[row]
		if r.Outcome == model.OutcomeCommitted {
			committed++
		}
		out = append(out, *r)
	}
	c.log.Info("commit: stage complete",
		zap.Int("rows", len(plans)),
		zap.Int("committed", committed),
		zap.Int("homes_certified", c.homesCertified),
		zap.Int("groups_certified", c.groupsCertified),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out
}

// Certified returns how many home statuses and sample sets this run
// certified.
func (c *Committer) Certified() (homes, groups int) {
	return c.homesCertified, c.groupsCertified
}

// Step returns the machine step a row ended at, or "" for an unknown row.
func (c *Committer) Step(row int) Step {
	if m, ok := c.machines[row]; ok {
		return m.Step()
	}
	return ""
}

func (c *Committer) row(ctx context.Context, p *model.Plan) {
	w := &work{
		plan: p,
		m:    NewMachine(p.Row),
		res:  &model.RowResult{Row: p.Row},
	}
	c.results[p.Row] = w.res
	c.machines[p.Row] = w.m
	c.order = append(c.order, p.Row)

	reason, err := c.commitRow(ctx, w)
	switch {
	case err != nil:
		c.runlog.Error(p.Row, model.CodeCommitFailed, "commit failed after %s: %v", w.m.Step(), err)
		c.skip(w, model.SkipCommitFailed)
	case reason != model.SkipNone:
		c.skip(w, reason)
	case w.wrote:
		w.res.Outcome = model.OutcomeCommitted
	default:
		w.res.Outcome = model.OutcomeReused
	}
	if w.home != nil {
		w.res.HomeID = w.home.ID
	}
	c.log.Debug("commit: row done",
		zap.Int("row", p.Row),
		zap.String("outcome", string(w.res.Outcome)),
		zap.String("step", string(w.m.Step())),
	)
}

func (c *Committer) skip(w *work, reason model.SkipReason) {
	_ = w.m.Advance(StepSkipped)
	w.res.Outcome = model.OutcomeSkipped
	w.res.Reason = reason
}

// commitRow walks one row through the machine. A non-empty reason skips
// the row; an error fails it.
func (c *Committer) commitRow(ctx context.Context, w *work) (model.SkipReason, error) {
	p := w.plan
	if p.Program == nil {
		return model.SkipNone, eris.New("commit: plan has no program")
	}

	reason, err := c.recheck(ctx, w)
	if err != nil || reason != model.SkipNone {
		return reason, err
	}

	if err := c.references(ctx, w); err != nil {
		return model.SkipNone, err
	}
	if err := w.m.Advance(StepReferenced); err != nil {
		return model.SkipNone, err
	}
	c.handled[w.status.ID] = p.Row

	if p.Stage == model.StageAbandoned {
		return c.abandon(ctx, w)
	}

	if err := c.answers(ctx, w); err != nil {
		return model.SkipNone, err
	}
	if err := w.m.Advance(StepAnswered); err != nil {
		return model.SkipNone, err
	}

	c.score(w)
	if err := w.m.Advance(StepScored); err != nil {
		return model.SkipNone, err
	}

	if reason, err := c.advanceState(ctx, w); err != nil || reason != model.SkipNone {
		return reason, err
	}
	if err := w.m.Advance(StepStateAdvanced); err != nil {
		return model.SkipNone, err
	}

	return model.SkipNone, c.certify(ctx, w)
}

// recheck re-reads what validation observed. Time has passed and another
// run may have certified the home or filled the sample set.
func (c *Committer) recheck(ctx context.Context, w *work) (model.SkipReason, error) {
	p := w.plan
	home, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (*model.Home, error) {
		return c.st.FindHome(ctx, p.Address)
	})
	if err != nil {
		return model.SkipNone, eris.Wrap(err, "commit: find home")
	}
	if home != nil {
		w.home = home
		status, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (*model.HomeStatus, error) {
			return c.st.GetHomeStatus(ctx, home.ID, p.Program.ID)
		})
		if err != nil {
			return model.SkipNone, eris.Wrap(err, "commit: get home status")
		}
		if status != nil {
			if status.Certified() {
				c.runlog.Warning(p.Row, model.CodeAlreadyCertified, "home was certified on %s and will not be changed",
					status.CertificationDate.Format(time.DateOnly))
				c.runlog.Flag(p.Row, runlog.FlagHomeAlreadyCertified)
				return model.SkipAlreadyCertified, nil
			}
			if prev, ok := c.handled[status.ID]; ok {
				c.runlog.Info(p.Row, model.CodeAlreadyHandled, "home was already committed by row %d in this run", prev)
				return model.SkipAlreadyHandled, nil
			}
			w.status = status
		}
	}

	if p.Group == nil {
		return model.SkipNone, nil
	}
	g, err := c.groupFor(p)
	if err != nil {
		return model.SkipNone, err
	}
	w.group = g
	return c.recheckGroup(ctx, g, w)
}
