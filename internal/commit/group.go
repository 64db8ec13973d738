package commit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/resilience"
	"github.com/sells-group/homecert/internal/runlog"
	"github.com/sells-group/homecert/internal/sampleset"
	"github.com/sells-group/homecert/internal/store"
)

// group is a sample set as seen by this run's commit.
type group struct {
	id      string
	report  *sampleset.Report
	set     *model.SampleSet
	members []*work
}

func (g *group) name() string {
	if g.set != nil {
		return g.set.Name
	}
	return g.report.Name
}

func (c *Committer) groupFor(p *model.Plan) (*group, error) {
	id := sampleset.GroupID(*p.Group)
	if g, ok := c.groups[id]; ok {
		return g, nil
	}
	rep, ok := c.reports[id]
	if !ok {
		return nil, eris.Errorf("commit: sample set %q was never finalized", p.Group.Name)
	}
	g := &group{id: id, report: rep, set: rep.Existing}
	c.groups[id] = g
	c.groupOrder = append(c.groupOrder, id)
	return g, nil
}

// recheckGroup repeats the capacity and compatibility checks against the
// set as it is now.
func (c *Committer) recheckGroup(ctx context.Context, g *group, w *work) (model.SkipReason, error) {
	p := w.plan
	if g.set == nil && !g.report.Key.Generated {
		set, err := c.st.FindSampleSet(ctx, g.report.Name)
		if err != nil {
			return model.SkipNone, eris.Wrap(err, "commit: find sample set")
		}
		g.set = set
	}
	if w.status != nil {
		m, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (*model.SampleSetMember, error) {
			return c.st.FindSampleSetMembership(ctx, w.status.ID)
		})
		if err != nil {
			return model.SkipNone, eris.Wrap(err, "commit: find sample set membership")
		}
		if m != nil && (g.set == nil || m.SampleSetID != g.set.ID) {
			c.runlog.Error(p.Row, model.CodeOtherSampleSet, "home already belongs to sample set %s and cannot join %q", m.SampleSetID, g.name())
			return model.SkipIncompatibleGroup, nil
		}
	}
	if g.set == nil {
		return model.SkipNone, nil
	}

	set, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (*model.SampleSet, error) {
		return c.st.GetSampleSet(ctx, g.set.ID)
	})
	if err != nil {
		return model.SkipNone, eris.Wrap(err, "commit: get sample set")
	}
	g.set = set
	if set.CertificationDate != nil {
		c.runlog.Warning(p.Row, model.CodeAlreadyCertified, "sample set %q was certified on %s",
			set.Name, set.CertificationDate.Format(time.DateOnly))
		return model.SkipAlreadyCertified, nil
	}

	members, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) ([]model.SampleSetMember, error) {
		return c.st.ListSampleSetMembers(ctx, set.ID)
	})
	if err != nil {
		return model.SkipNone, eris.Wrap(err, "commit: list sample set members")
	}

	subID := p.SubdivisionID()
	if subID == "" && p.NewSubdivision != "" {
		subID = c.created["subdivision\x1f"+strings.ToLower(p.NewSubdivision)+"\x1f"+p.BuilderID()]
	}
	others := 0
	var builder, subdivision, metro bool
	for _, m := range members {
		if w.status != nil && m.HomeStatusID == w.status.ID {
			w.member = m.SourceOfTruth == p.SourceOfTruth
			continue
		}
		others++
		builder = builder || m.BuilderID != p.BuilderID()
		subdivision = subdivision || m.SubdivisionID != subID
		metro = metro || m.MetroID != p.MetroID
	}

	switch {
	case builder:
		c.runlog.Error(p.Row, model.CodeIncompatibleBuilder, "sample set %q now has members from another builder", set.Name)
		return model.SkipIncompatibleGroup, nil
	case subdivision:
		c.runlog.Error(p.Row, model.CodeIncompatibleSubdivision, "sample set %q now has members from another subdivision", set.Name)
		return model.SkipIncompatibleGroup, nil
	case metro:
		c.runlog.Error(p.Row, model.CodeIncompatibleMetro, "sample set %q now has members from another metro area", set.Name)
		return model.SkipIncompatibleGroup, nil
	}

	already := w.status != nil && others < len(members)
	if !already && others >= c.opts.Capacity {
		c.runlog.Error(p.Row, model.CodeGroupCapacity, "sample set %q reached its capacity of %d", set.Name, c.opts.Capacity)
		return model.SkipGroupCapacity, nil
	}
	return model.SkipNone, nil
}

// join creates the set on first use and adds the row's home status.
func (c *Committer) join(ctx context.Context, g *group, w *work) error {
	p := w.plan
	if g.set == nil {
		set := &model.SampleSet{Name: g.report.Name}
		if err := c.st.CreateSampleSet(ctx, set); err != nil {
			return eris.Wrap(err, "commit: create sample set")
		}
		if _, err := verify(ctx, c.opts.Retry, "sample set", func(ctx context.Context) (*model.SampleSet, error) {
			return c.st.FindSampleSet(ctx, set.Name)
		}, func(got *model.SampleSet) bool { return got != nil && got.ID == set.ID }); err != nil {
			return err
		}
		g.set = set
		w.wrote = true
		c.runlog.Flag(p.Row, runlog.FlagSampleSetCreated)
	}
	c.runlog.Link(p.Row, "sample_set", g.set.ID, g.set.Name)
	g.members = append(g.members, w)

	if p.SourceOfTruth {
		c.runlog.Flag(p.Row, runlog.FlagSampleSetSourceOfTruth)
	}
	if w.member {
		return nil
	}
	m := model.SampleSetMember{SampleSetID: g.set.ID, HomeStatusID: w.status.ID, SourceOfTruth: p.SourceOfTruth}
	if err := resilience.Do(ctx, c.opts.Retry, func(ctx context.Context) error { return c.st.AddSampleSetMember(ctx, m) }); err != nil {
		return eris.Wrap(err, "commit: add sample set member")
	}
	if _, err := verify(ctx, c.opts.Retry, "sample set member", func(ctx context.Context) ([]model.SampleSetMember, error) {
		return c.st.ListSampleSetMembers(ctx, g.set.ID)
	}, func(got []model.SampleSetMember) bool {
		for _, x := range got {
			if x.HomeStatusID == m.HomeStatusID {
				return x.SourceOfTruth == m.SourceOfTruth
			}
		}
		return false
	}); err != nil {
		return err
	}
	w.member = true
	w.wrote = true
	return nil
}

// certifyGroups certifies each sample set at most once, after every row has
// been committed. A set is certified when its members in this run all
// reached the state-advanced step and its source-of-truth members (or every
// member, when none is marked) are ready for certification.
func (c *Committer) certifyGroups(ctx context.Context) {
	for _, id := range c.groupOrder {
		g := c.groups[id]
		date := g.report.CertificationDate
		if g.set == nil || len(g.members) == 0 || date == nil {
			continue
		}
		if blocker := g.blocker(); blocker != "" {
			for _, w := range g.members {
				c.runlog.Warning(w.plan.Row, model.CodeCertificationBlocked, "sample set %q not certified: %s", g.name(), blocker)
			}
			continue
		}
		if err := c.certifyGroup(ctx, g, *date); err != nil {
			for _, w := range g.members {
				c.runlog.Error(w.plan.Row, model.CodeCommitFailed, "sample set %q certification failed: %v", g.name(), err)
			}
		}
	}
}

// blocker explains why g cannot be certified, or returns "".
func (g *group) blocker() string {
	var sources []*work
	for _, w := range g.members {
		if w.m.Step() != StepStateAdvanced {
			return fmt.Sprintf("row %d ended at %s", w.plan.Row, w.m.Step())
		}
		if w.plan.SourceOfTruth {
			sources = append(sources, w)
		}
	}
	if len(sources) == 0 {
		sources = g.members
	}
	for _, w := range sources {
		if w.status.State != model.StateCertificationPending {
			return fmt.Sprintf("row %d is %s", w.plan.Row, w.status.State)
		}
	}
	return ""
}

func (c *Committer) certifyGroup(ctx context.Context, g *group, date time.Time) error {
	members, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) ([]model.SampleSetMember, error) {
		return c.st.ListSampleSetMembers(ctx, g.set.ID)
	})
	if err != nil {
		return eris.Wrap(err, "commit: list sample set members")
	}
	var ids []string
	for _, m := range members {
		if m.Certified == nil {
			ids = append(ids, m.HomeStatusID)
		}
	}

	n, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (int, error) {
		return c.st.CertifyHomeStatuses(ctx, ids, date)
	})
	if err != nil {
		return eris.Wrap(err, "commit: certify members")
	}
	err = resilience.Do(ctx, c.opts.Retry, func(ctx context.Context) error { return c.st.CertifySampleSet(ctx, g.set.ID, date) })
	if err != nil && !errors.Is(err, store.ErrCertified) {
		return eris.Wrap(err, "commit: certify sample set")
	}
	if _, err := verify(ctx, c.opts.Retry, "sample set certification", func(ctx context.Context) ([]model.SampleSetMember, error) {
		return c.st.ListSampleSetMembers(ctx, g.set.ID)
	}, func(got []model.SampleSetMember) bool {
		for _, m := range got {
			if m.Certified == nil {
				return false
			}
		}
		return true
	}); err != nil {
		return err
	}

	c.homesCertified += n
	c.groupsCertified++
	c.log.Info("commit: sample set certified",
		zap.String("sample_set", g.name()),
		zap.Int("members", len(members)),
		zap.Int("certified", n),
		zap.String("date", date.Format(time.DateOnly)),
	)

	first := g.members[0].plan.Row
	for i, w := range g.members {
		if err := w.m.Advance(StepCertified); err != nil {
			return err
		}
		w.res.Certified = true
		w.res.State = model.StateComplete
		w.res.Outcome = model.OutcomeCommitted
		c.runlog.Flag(w.plan.Row, runlog.FlagHomeCertified)
		c.runlog.Flag(w.plan.Row, runlog.FlagCertifiedViaSampleSet)
		if i > 0 {
			c.runlog.Info(w.plan.Row, model.CodeAlreadyHandled, "certified with sample set %q when row %d was handled", g.name(), first)
		}
	}
	return nil
}
