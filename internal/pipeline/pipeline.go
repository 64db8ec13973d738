// Package pipeline runs one import file through every stage: read,
// normalize, validate, sample-set finalize, commit, reconciliation and the
// run summary.
package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/homecert/internal/commit"
	"github.com/sells-group/homecert/internal/config"
	"github.com/sells-group/homecert/internal/metrics"
	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/normalize"
	"github.com/sells-group/homecert/internal/resilience"
	"github.com/sells-group/homecert/internal/resolve"
	"github.com/sells-group/homecert/internal/rules"
	"github.com/sells-group/homecert/internal/runlog"
	"github.com/sells-group/homecert/internal/sampleset"
	"github.com/sells-group/homecert/internal/sheet"
	"github.com/sells-group/homecert/internal/store"
	"github.com/sells-group/homecert/internal/validate"
)

// ErrAborted is returned when the error count reaches the abort threshold
// at a checkpoint. The summary is still returned.
var ErrAborted = eris.New("pipeline: aborted")

// Options configures one run.
type Options struct {
	Sheet           sheet.Options
	HeaderMap       normalize.HeaderMap
	QuestionMap     normalize.QuestionMap
	AnswerSeparator string
	// Capacity is the sample-set size limit.
	Capacity int
	// AbortErrorThreshold stops the run at a checkpoint once this many
	// errors have accumulated. Zero never aborts.
	AbortErrorThreshold int

	Overwrite          bool
	ReportMissing      bool
	FailFast           bool
	CreateSubdivisions bool
	// DryRun stops after sample-set finalize. Only the run record is written.
	DryRun bool

	Retry resilience.RetryConfig
	Now   func() time.Time
}

// OptionsFromConfig builds run options from the import and commit sections.
// Mapping tables named in the config must already be loaded into hm and qm.
func OptionsFromConfig(cfg *config.Config, hm normalize.HeaderMap, qm normalize.QuestionMap) Options {
	retry := resilience.FromConfig(cfg.Commit.VerifyAttempts, cfg.Commit.VerifyBackoffMs)
	retry.OnRetry = resilience.RetryLogger("commit")
	return Options{
		Sheet:               sheet.Options{SheetName: cfg.Import.SheetName},
		HeaderMap:           hm,
		QuestionMap:         qm,
		AnswerSeparator:     cfg.Import.AnswerSeparator,
		Capacity:            cfg.Import.MaxSampleSetSize,
		AbortErrorThreshold: cfg.Import.AbortErrorThreshold,
		Overwrite:           cfg.Import.Overwrite,
		ReportMissing:       cfg.Import.ReportMissing,
		FailFast:            cfg.Import.FailFast,
		CreateSubdivisions:  cfg.Import.CreateSubdivisions,
		Retry:               retry,
	}
}

// Pipeline holds the collaborators shared by runs.
type Pipeline struct {
	store   store.Store
	engine  *rules.Engine
	metrics *metrics.Metrics
}

// New creates a Pipeline. A nil engine uses rules.Default; m may be nil.
func New(st store.Store, engine *rules.Engine, m *metrics.Metrics) *Pipeline {
	if engine == nil {
		engine = rules.Default()
	}
	return &Pipeline{store: st, engine: engine, metrics: m}
}

// run is the state of one Run call.
type run struct {
	opts    Options
	rl      *runlog.Log
	log     *zap.Logger
	rows    map[int]*model.RowResult
	order   []int
	plans   []*model.Plan
	reports map[string]*sampleset.Report
}

func (r *run) result(row int) *model.RowResult {
	if res, ok := r.rows[row]; ok {
		return res
	}
	res := &model.RowResult{Row: row}
	r.rows[row] = res
	r.order = append(r.order, row)
	return res
}

// Run imports the file at path. A structurally invalid file fails the run
// before any row is processed; everything else becomes diagnostics and
// per-row outcomes in the returned summary.
func (p *Pipeline) Run(ctx context.Context, path string, opts Options) (*model.Summary, error) {
	start := time.Now()
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Capacity <= 0 {
		opts.Capacity = sampleset.DefaultCapacity
	}
	if opts.HeaderMap.Aliases == nil {
		opts.HeaderMap = normalize.DefaultHeaderMap()
	}

	rec, err := p.store.CreateRun(ctx, filepath.Base(path))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	r := &run{
		opts: opts,
		rl:   runlog.New(rec.ID),
		log:  zap.L().With(zap.String("run_id", rec.ID), zap.String("file", path)),
		rows: make(map[int]*model.RowResult),
	}
	r.log.Info("pipeline: starting import", zap.Bool("dry_run", opts.DryRun))

	summary := &model.Summary{RunID: rec.ID, File: rec.File, DryRun: opts.DryRun}
	finish := func(status model.RunStatus) {
		summary.Elapsed = time.Since(start)
		if err := p.store.FinishRun(ctx, rec.ID, status, summary); err != nil {
			r.log.Warn("pipeline: failed to save run summary", zap.Error(err))
		}
		p.metrics.Observe(summary)
	}

	var rows []model.Row
	if err := r.phase("read", func() error {
		var readErr error
		rows, readErr = p.read(path, r)
		return readErr
	}); err != nil {
		r.rl.Error(0, model.CodeMalformedFile, "file cannot be imported: %v", err)
		p.summarize(r, summary)
		summary.Result = model.ResultAllFailed
		finish(model.RunStatusFailed)
		return summary, err
	}
	summary.TotalRows = len(rows)

	acct := sampleset.New(opts.Capacity, r.rl)
	var results []validate.Result
	_ = r.phase("validate", func() error {
		res := resolve.New(p.store).WithLogger(r.log)
		v := validate.New(res, p.store, r.rl, acct, validate.Options{
			QuestionMap:        opts.QuestionMap,
			AnswerSeparator:    opts.AnswerSeparator,
			CreateSubdivisions: opts.CreateSubdivisions,
			Now:                opts.Now,
		})
		results = v.Validate(ctx, rows)
		return nil
	})

	aborted := r.checkpoint("validate")
	if aborted == nil {
		if err := r.phase("finalize", func() error {
			var finErr error
			r.reports, finErr = acct.Finalize(ctx, p.store)
			return finErr
		}); err != nil {
			p.summarize(r, summary)
			finish(model.RunStatusFailed)
			return summary, eris.Wrap(err, "pipeline: finalize sample sets")
		}
	}
	r.stage(results)
	if aborted == nil {
		aborted = r.checkpoint("finalize")
	}

	var committer *commit.Committer
	switch {
	case aborted != nil:
		r.abort()
		summary.Result = model.ResultAborted
	case opts.DryRun:
		for _, pl := range r.plans {
			r.result(pl.Row).Outcome = model.OutcomeStaged
		}
	default:
		_ = r.phase("commit", func() error {
			committer = commit.New(p.store, p.engine, r.rl, r.reports, commit.Options{
				Overwrite:     opts.Overwrite,
				ReportMissing: opts.ReportMissing,
				FailFast:      opts.FailFast,
				Capacity:      opts.Capacity,
				Retry:         opts.Retry,
				Now:           opts.Now,
			})
			for _, res := range committer.Commit(ctx, r.plans) {
				*r.result(res.Row) = res
			}
			return nil
		})
		summary.HomesCertified, summary.GroupsCertified = committer.Certified()
	}

	_ = r.phase("reconcile", func() error {
		n := reconcile(r.rl, r.ordered())
		r.log.Debug("pipeline: reconciled diagnostics", zap.Int("superseded", n))
		return nil
	})

	p.summarize(r, summary)
	status := model.RunStatusComplete
	if aborted != nil {
		status = model.RunStatusAborted
	}
	finish(status)

	r.log.Info("pipeline: import complete",
		zap.String("result", string(summary.Result)),
		zap.Int("rows", summary.TotalRows),
		zap.Int("committed", summary.Committed),
		zap.Int("reused", summary.Reused),
		zap.Int("skipped", summary.Skipped),
		zap.Int("unprocessable", summary.Unprocessable),
		zap.Int("homes_certified", summary.HomesCertified),
		zap.Int("groups_certified", summary.GroupsCertified),
		zap.Duration("elapsed", summary.Elapsed),
	)
	return summary, aborted
}

// phase times fn and logs its outcome.
func (r *run) phase(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start).Milliseconds()
	if err != nil {
		r.log.Error("pipeline: phase failed",
			zap.String("phase", name),
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
		return err
	}
	r.log.Info("pipeline: phase complete",
		zap.String("phase", name),
		zap.Int64("duration_ms", duration),
	)
	return nil
}

// read parses and normalizes the file, reporting header problems as
// run-level diagnostics.
func (p *Pipeline) read(path string, r *run) ([]model.Row, error) {
	sh, err := sheet.Read(path, r.opts.Sheet)
	if err != nil {
		return nil, err
	}
	n, err := normalize.New(sh.Header, r.opts.HeaderMap)
	if err != nil {
		return nil, err
	}
	for _, col := range n.Missing {
		r.rl.Error(0, model.CodeMissingColumn, "required column %s is missing", col)
	}
	for _, d := range n.Deprecated {
		r.rl.Warning(0, model.CodeDeprecatedColumn, "column %q is deprecated; use %q", d.Header, d.Canonical)
	}
	for _, a := range n.Ambiguous {
		r.rl.Error(0, model.CodeAmbiguousColumn, "columns %q and %q both map to %s; %q is ignored", a.Kept, a.Header, a.Canonical, a.Header)
	}
	return n.Rows(sh), nil
}

// checkpoint returns ErrAborted once the accumulated errors reach the
// threshold.
func (r *run) checkpoint(name string) error {
	limit := r.opts.AbortErrorThreshold
	errs := r.rl.ErrorCount()
	if limit <= 0 || errs < limit {
		return nil
	}
	r.rl.Error(0, model.CodeAborted, "run aborted after %s: %d errors reached the threshold of %d", name, errs, limit)
	r.log.Warn("pipeline: aborted at checkpoint",
		zap.String("checkpoint", name),
		zap.Int("errors", errs),
		zap.Int("threshold", limit),
	)
	return eris.Wrapf(ErrAborted, "pipeline: %d errors after %s", errs, name)
}

// stage records every dropped row and collects the plans eligible for
// commit. Members of a rejected or overflowing sample set are dropped here.
func (r *run) stage(results []validate.Result) {
	r.plans = r.plans[:0]
	for _, res := range results {
		out := r.result(res.Row)
		if !res.Staged() {
			reason := res.Reason
			if reason == model.SkipNone {
				reason = model.SkipInvalid
			}
			out.Reason = reason
			out.Outcome = model.OutcomeSkipped
			if reason.Unprocessable() {
				out.Outcome = model.OutcomeUnprocessable
			}
			continue
		}
		if g := res.Plan.Group; g != nil && r.reports != nil {
			if rep, ok := r.reports[sampleset.GroupID(*g)]; ok {
				if reason := rep.Excluded(res.Row); reason != model.SkipNone {
					out.Outcome = model.OutcomeSkipped
					out.Reason = reason
					continue
				}
			}
		}
		r.plans = append(r.plans, res.Plan)
	}
}

// abort skips every row that was still eligible for commit.
func (r *run) abort() {
	for _, pl := range r.plans {
		out := r.result(pl.Row)
		out.Outcome = model.OutcomeSkipped
		out.Reason = model.SkipAborted
	}
	r.plans = nil
}

func (r *run) ordered() []model.RowResult {
	out := make([]model.RowResult, 0, len(r.order))
	for _, row := range r.order {
		out = append(out, *r.rows[row])
	}
	return out
}

// summarize copies row results and run log state into s.
func (p *Pipeline) summarize(r *run, s *model.Summary) {
	s.Rows = s.Rows[:0]
	for _, row := range r.order {
		res := r.rows[row]
		res.Flags = r.rl.Flags(row)
		res.Diagnostics = r.rl.Entries(row)
		s.Rows = append(s.Rows, *res)
	}
	s.Tally()
	s.Errors = r.rl.ErrorCount()
	s.Warnings = r.rl.WarningCount()
	s.RunDiagnostics = r.rl.Entries(0)
}
