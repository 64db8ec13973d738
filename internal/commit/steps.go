package commit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/homecert/internal/merge"
	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/resilience"
	"github.com/sells-group/homecert/internal/rules"
	"github.com/sells-group/homecert/internal/runlog"
	"github.com/sells-group/homecert/internal/store"
)

// verify re-reads after a write until check holds.
func verify[T any](ctx context.Context, cfg resilience.RetryConfig, what string, read func(ctx context.Context) (T, error), check func(T) bool) (T, error) {
	v, err := resilience.Verify(ctx, cfg, read, check)
	if err != nil {
		return v, eris.Wrapf(err, "commit: verify %s", what)
	}
	return v, nil
}

// references creates whatever the plan points at that does not exist yet:
// subdivision, floorplan, home, home status and sample-set membership.
func (c *Committer) references(ctx context.Context, w *work) error {
	p := w.plan
	subID, err := c.subdivision(ctx, w)
	if err != nil {
		return err
	}
	fpID, err := c.floorplan(ctx, w)
	if err != nil {
		return err
	}

	if w.home == nil {
		h := &model.Home{
			Address:       p.Address,
			MetroID:       p.MetroID,
			SubdivisionID: subID,
			BuilderID:     p.BuilderID(),
		}
		if p.City != nil {
			h.CityID = p.City.ID
		}
		if p.County != nil {
			h.CountyID = p.County.ID
		}
		if err := resilience.Do(ctx, c.opts.Retry, func(ctx context.Context) error { return c.st.CreateHome(ctx, h) }); err != nil {
			return eris.Wrap(err, "commit: create home")
		}
		if _, err := verify(ctx, c.opts.Retry, "home", func(ctx context.Context) (*model.Home, error) {
			return c.st.FindHome(ctx, p.Address)
		}, func(got *model.Home) bool { return got != nil && got.ID == h.ID }); err != nil {
			return err
		}
		w.home = h
		w.wrote = true
		c.runlog.Flag(p.Row, runlog.FlagHomeCreated)
		c.runlog.Link(p.Row, "home", h.ID, h.Address.Street)
	} else if fillHome(w.home, p, subID) {
		h := w.home
		if err := resilience.Do(ctx, c.opts.Retry, func(ctx context.Context) error { return c.st.UpdateHome(ctx, h) }); err != nil {
			return eris.Wrap(err, "commit: update home")
		}
		if _, err := verify(ctx, c.opts.Retry, "home", func(ctx context.Context) (*model.Home, error) {
			return c.st.GetHome(ctx, h.ID)
		}, func(got *model.Home) bool { return got.SubdivisionID == h.SubdivisionID && got.MetroID == h.MetroID }); err != nil {
			return err
		}
		w.wrote = true
		c.runlog.Link(p.Row, "home", h.ID, h.Address.Street)
	}

	if w.status == nil {
		hs := &model.HomeStatus{
			HomeID:      w.home.ID,
			ProgramID:   p.Program.ID,
			FloorplanID: fpID,
			State:       model.StateInspection,
			Stage:       p.Stage,
		}
		if err := resilience.Do(ctx, c.opts.Retry, func(ctx context.Context) error { return c.st.CreateHomeStatus(ctx, hs) }); err != nil {
			return eris.Wrap(err, "commit: create home status")
		}
		if _, err := verify(ctx, c.opts.Retry, "home status", func(ctx context.Context) (*model.HomeStatus, error) {
			return c.st.GetHomeStatus(ctx, w.home.ID, p.Program.ID)
		}, func(got *model.HomeStatus) bool { return got != nil && got.ID == hs.ID }); err != nil {
			return err
		}
		w.status = hs
		w.wrote = true
	}
	w.floorplanID = w.status.FloorplanID
	if fpID != "" {
		w.floorplanID = fpID
	}

	if w.group != nil {
		return c.join(ctx, w.group, w)
	}
	return nil
}

// fillHome copies attributes the stored home lacks from the plan and
// reports whether anything changed. Existing values are never replaced.
func fillHome(h *model.Home, p *model.Plan, subID string) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	set(&h.SubdivisionID, subID)
	set(&h.MetroID, p.MetroID)
	set(&h.BuilderID, p.BuilderID())
	if p.City != nil {
		set(&h.CityID, p.City.ID)
	}
	if p.County != nil {
		set(&h.CountyID, p.County.ID)
	}
	return changed
}

// subdivision returns the plan's subdivision id, creating a pending one.
func (c *Committer) subdivision(ctx context.Context, w *work) (string, error) {
	p := w.plan
	if p.Subdivision != nil {
		return p.Subdivision.ID, nil
	}
	if p.NewSubdivision == "" {
		return "", nil
	}
	key := "subdivision\x1f" + strings.ToLower(p.NewSubdivision) + "\x1f" + p.BuilderID()
	if id, ok := c.created[key]; ok {
		return id, nil
	}

	subs, err := c.st.FindSubdivisions(ctx, p.NewSubdivision)
	if err != nil {
		return "", eris.Wrap(err, "commit: find subdivision")
	}
	for _, s := range subs {
		if s.BuilderID == p.BuilderID() {
			c.created[key] = s.ID
			return s.ID, nil
		}
	}

	sd := &model.Subdivision{Name: p.NewSubdivision, BuilderID: p.BuilderID()}
	if p.Community != nil {
		sd.CommunityID = p.Community.ID
	}
	if p.City != nil {
		sd.CityID = p.City.ID
	}
	if err := c.st.CreateSubdivision(ctx, sd); err != nil {
		return "", eris.Wrap(err, "commit: create subdivision")
	}
	if _, err := verify(ctx, c.opts.Retry, "subdivision", func(ctx context.Context) (*model.Subdivision, error) {
		return c.st.GetSubdivision(ctx, sd.ID)
	}, func(got *model.Subdivision) bool { return got.BuilderID == sd.BuilderID }); err != nil {
		return "", err
	}
	c.created[key] = sd.ID
	w.wrote = true
	c.runlog.Flag(p.Row, runlog.FlagSubdivisionCreated)
	c.runlog.Link(p.Row, "subdivision", sd.ID, sd.Name)
	return sd.ID, nil
}

// floorplan returns the plan's floorplan id, creating a pending one.
func (c *Committer) floorplan(ctx context.Context, w *work) (string, error) {
	p := w.plan
	if p.Floorplan != nil {
		return p.Floorplan.ID, nil
	}
	if p.NewFloorplan == "" {
		return "", nil
	}
	key := "floorplan\x1f" + strings.ToLower(p.NewFloorplan) + "\x1f" + p.BuilderID()
	if id, ok := c.created[key]; ok {
		return id, nil
	}

	fp, err := c.st.FindFloorplan(ctx, p.NewFloorplan, p.BuilderID())
	if err != nil {
		return "", eris.Wrap(err, "commit: find floorplan")
	}
	if fp == nil {
		fp = &model.Floorplan{Name: p.NewFloorplan, OwnerID: p.BuilderID()}
		if err := c.st.CreateFloorplan(ctx, fp); err != nil {
			return "", eris.Wrap(err, "commit: create floorplan")
		}
		if _, err := verify(ctx, c.opts.Retry, "floorplan", func(ctx context.Context) (*model.Floorplan, error) {
			return c.st.FindFloorplan(ctx, fp.Name, fp.OwnerID)
		}, func(got *model.Floorplan) bool { return got != nil && got.ID == fp.ID }); err != nil {
			return "", err
		}
		w.wrote = true
		c.runlog.Flag(p.Row, runlog.FlagFloorplanCreated)
		c.runlog.Link(p.Row, "floorplan", fp.ID, fp.Name)
	}
	c.created[key] = fp.ID
	return fp.ID, nil
}

func (c *Committer) programQuestions(ctx context.Context, programID string) ([]model.Question, error) {
	if qs, ok := c.questions[programID]; ok {
		return qs, nil
	}
	qs, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) ([]model.Question, error) {
		return c.st.ListQuestions(ctx, programID)
	})
	if err != nil {
		return nil, eris.Wrap(err, "commit: list questions")
	}
	c.questions[programID] = qs
	return qs, nil
}

// answers merges the row's candidates and annotations into the home's
// history and records the program's answers for scoring.
func (c *Committer) answers(ctx context.Context, w *work) error {
	p := w.plan
	homeID := w.home.ID
	questions, err := c.programQuestions(ctx, p.Program.ID)
	if err != nil {
		return err
	}
	inProgram := make(map[string]bool, len(questions))
	for _, q := range questions {
		inProgram[q.ID] = true
	}
	own := func(as []model.Answer) []model.Answer {
		var out []model.Answer
		for _, a := range as {
			if inProgram[a.QuestionID] {
				out = append(out, a)
			}
		}
		return out
	}

	existing, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) ([]model.Answer, error) {
		return c.st.ListAnswers(ctx, homeID)
	})
	if err != nil {
		return eris.Wrap(err, "commit: list answers")
	}
	res := merge.Answers(p.Row, homeID, own(existing), p.Candidates, merge.Options{
		Overwrite:     c.opts.Overwrite,
		ReportMissing: c.opts.ReportMissing,
		Questions:     questions,
	})
	for _, d := range res.Diagnostics {
		c.runlog.Add(d)
	}
	w.res.AnswersReused += len(res.Reuse)
	w.answers = own(existing)

	if !res.Empty() {
		deleteIDs := answerIDs(res.Delete)
		if err := resilience.Do(ctx, c.opts.Retry, func(ctx context.Context) error {
			return c.st.ReplaceAnswers(ctx, homeID, deleteIDs, res.Create)
		}); err != nil {
			return eris.Wrap(err, "commit: replace answers")
		}
		createIDs := answerIDs(res.Create)
		after, err := verify(ctx, c.opts.Retry, "answers", func(ctx context.Context) ([]model.Answer, error) {
			return c.st.ListAnswers(ctx, homeID)
		}, func(got []model.Answer) bool {
			ids := answerIDs(got)
			return containsAll(ids, createIDs) && containsNone(ids, deleteIDs)
		})
		if err != nil {
			return err
		}
		w.answers = own(after)
		w.res.AnswersCreated += len(res.Create)
		w.res.AnswersDeleted += len(res.Delete)
		w.wrote = true
		if len(res.Delete) > 0 {
			c.runlog.Flag(p.Row, runlog.FlagAnswersReplaced)
		}
	}

	return c.annotations(ctx, w)
}

func (c *Committer) annotations(ctx context.Context, w *work) error {
	p := w.plan
	if len(p.Annotations) == 0 {
		return nil
	}
	homeID := w.home.ID
	existing, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) ([]model.Annotation, error) {
		return c.st.ListAnnotations(ctx, homeID)
	})
	if err != nil {
		return eris.Wrap(err, "commit: list annotations")
	}
	res := merge.Annotations(p.Row, homeID, existing, p.Annotations, c.opts.Overwrite)
	for _, d := range res.Diagnostics {
		c.runlog.Add(d)
	}
	if res.Empty() {
		return nil
	}

	deleteIDs := make([]string, 0, len(res.Delete))
	for _, a := range res.Delete {
		deleteIDs = append(deleteIDs, a.ID)
	}
	if err := resilience.Do(ctx, c.opts.Retry, func(ctx context.Context) error {
		return c.st.ReplaceAnnotations(ctx, homeID, deleteIDs, res.Create)
	}); err != nil {
		return eris.Wrap(err, "commit: replace annotations")
	}
	want := make(map[string]string, len(res.Create))
	for _, a := range res.Create {
		want[a.Type] = a.Content
	}
	if _, err := verify(ctx, c.opts.Retry, "annotations", func(ctx context.Context) ([]model.Annotation, error) {
		return c.st.ListAnnotations(ctx, homeID)
	}, func(got []model.Annotation) bool {
		found := 0
		for _, a := range got {
			if content, ok := want[a.Type]; ok && a.Content == content {
				found++
			}
		}
		return found == len(want)
	}); err != nil {
		return err
	}
	w.wrote = true
	return nil
}

// score evaluates the requirement rules against the freshly read answers.
func (c *Committer) score(w *work) {
	p := w.plan
	asOf := c.opts.Now()
	if p.CertificationDate != nil {
		asOf = *p.CertificationDate
	}
	stage := p.Stage
	if stage == model.StageNone {
		stage = w.status.Stage
	}
	w.eval = c.engine.Evaluate(rules.Facts{
		Program:           p.Program,
		Questions:         c.questions[p.Program.ID],
		Answers:           w.answers,
		FloorplanID:       w.floorplanID,
		Stage:             stage,
		QAPassed:          p.QAPassed,
		CertificationDate: p.CertificationDate,
		AsOf:              asOf,
	}, rules.Options{FailFast: c.opts.FailFast})

	for _, r := range w.eval.Failures() {
		c.runlog.Info(p.Row, model.CodeRequirement, "%s failed: %s", r.Rule, r.Message)
	}
	for _, r := range w.eval.Warnings() {
		c.runlog.Debug(p.Row, model.CodeRequirement, "%s: %s", r.Rule, r.Message)
	}
	w.res.PctComplete = w.eval.CompletionPct
}

// nextState maps an evaluation onto the workflow.
func nextState(ev rules.Evaluation, program *model.Program, qaPassed bool) model.HomeState {
	switch {
	case !ev.Passed():
		return model.StateInspection
	case program.RequiresQA && !qaPassed:
		return model.StateQAPending
	default:
		return model.StateCertificationPending
	}
}

func (c *Committer) advanceState(ctx context.Context, w *work) (model.SkipReason, error) {
	p := w.plan
	next := nextState(w.eval, p.Program, p.QAPassed)
	hs := *w.status
	changed := hs.State != next || hs.PctComplete != w.eval.CompletionPct
	hs.State = next
	hs.PctComplete = w.eval.CompletionPct
	if p.Stage != model.StageNone && hs.Stage != p.Stage {
		hs.Stage = p.Stage
		changed = true
	}
	if w.floorplanID != "" && hs.FloorplanID != w.floorplanID {
		hs.FloorplanID = w.floorplanID
		changed = true
	}
	w.res.State = next
	if !changed {
		return model.SkipNone, nil
	}

	reason, err := c.updateStatus(ctx, w, &hs)
	if err != nil || reason != model.SkipNone {
		return reason, err
	}
	if w.status.State != next {
		c.runlog.Flag(p.Row, runlog.FlagStateAdvanced)
	}
	w.status = &hs
	w.wrote = true
	return model.SkipNone, nil
}

// updateStatus writes hs and waits until the store reflects it. A status
// certified behind our back skips the row.
func (c *Committer) updateStatus(ctx context.Context, w *work, hs *model.HomeStatus) (model.SkipReason, error) {
	err := resilience.Do(ctx, c.opts.Retry, func(ctx context.Context) error { return c.st.UpdateHomeStatus(ctx, hs) })
	if errors.Is(err, store.ErrCertified) {
		c.runlog.Warning(w.plan.Row, model.CodeAlreadyCertified, "home was certified by another run before this row was committed")
		c.runlog.Flag(w.plan.Row, runlog.FlagHomeAlreadyCertified)
		return model.SkipAlreadyCertified, nil
	}
	if err != nil {
		return model.SkipNone, eris.Wrap(err, "commit: update home status")
	}
	_, err = verify(ctx, c.opts.Retry, "home status", func(ctx context.Context) (*model.HomeStatus, error) {
		return c.st.GetHomeStatusByID(ctx, hs.ID)
	}, func(got *model.HomeStatus) bool {
		return got.State == hs.State && got.PctComplete == hs.PctComplete && got.Stage == hs.Stage
	})
	return model.SkipNone, err
}

// abandon ends the row in the abandoned workflow state.
func (c *Committer) abandon(ctx context.Context, w *work) (model.SkipReason, error) {
	hs := *w.status
	w.res.State = model.StateAbandoned
	if hs.State != model.StateAbandoned || hs.Stage != model.StageAbandoned {
		hs.State = model.StateAbandoned
		hs.Stage = model.StageAbandoned
		reason, err := c.updateStatus(ctx, w, &hs)
		if err != nil || reason != model.SkipNone {
			return reason, err
		}
		w.status = &hs
		w.wrote = true
		c.runlog.Flag(w.plan.Row, runlog.FlagStateAdvanced)
	}
	return model.SkipNone, w.m.Advance(StepAbandoned)
}

// certify certifies an ungrouped home whose rules pass. Grouped homes wait
// for their sample set.
func (c *Committer) certify(ctx context.Context, w *work) error {
	p := w.plan
	if p.CertificationDate == nil {
		return nil
	}
	date := *p.CertificationDate
	if w.group != nil {
		c.runlog.Debug(p.Row, model.CodeCertificationDeferred, "certification waits for sample set %q", w.group.name())
		return nil
	}
	if w.status.State != model.StateCertificationPending {
		c.runlog.Warning(p.Row, model.CodeCertificationBlocked, "certification date %s not applied: home is %s at %.1f%%",
			date.Format(time.DateOnly), w.status.State, w.eval.CompletionPct)
		return nil
	}

	ids := []string{w.status.ID}
	n, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (int, error) {
		return c.st.CertifyHomeStatuses(ctx, ids, date)
	})
	if err != nil {
		return eris.Wrap(err, "commit: certify home")
	}
	hs, err := verify(ctx, c.opts.Retry, "certification", func(ctx context.Context) (*model.HomeStatus, error) {
		return c.st.GetHomeStatusByID(ctx, w.status.ID)
	}, func(got *model.HomeStatus) bool { return got.Certified() })
	if err != nil {
		return err
	}
	if n == 0 {
		c.runlog.Info(p.Row, model.CodeAlreadyCertified, "home was certified by another run on %s", hs.CertificationDate.Format(time.DateOnly))
		return nil
	}
	c.homesCertified += n
	w.status = hs
	w.wrote = true
	w.res.State = hs.State
	w.res.Certified = true
	c.runlog.Flag(p.Row, runlog.FlagHomeCertified)
	return w.m.Advance(StepCertified)
}

func answerIDs(as []model.Answer) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.ID)
	}
	return out
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, id := range have {
		set[id] = true
	}
	for _, id := range want {
		if !set[id] {
			return false
		}
	}
	return true
}

func containsNone(have, unwanted []string) bool {
	set := make(map[string]bool, len(unwanted))
	for _, id := range unwanted {
		set[id] = true
	}
	for _, id := range have {
		if set[id] {
			return false
		}
	}
	return true
}
