// Package sampleset accumulates grouped rows across a whole file and checks
// that each sample set is consistent before any member is committed.
package sampleset

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/runlog"
)

// DefaultCapacity is the member limit used when none is configured.
const DefaultCapacity = 7

// Reader looks up persisted sample sets.
type Reader interface {
	FindSampleSet(ctx context.Context, name string) (*model.SampleSet, error)
	GetSampleSet(ctx context.Context, id string) (*model.SampleSet, error)
	FindSampleSetMembership(ctx context.Context, homeStatusID string) (*model.SampleSetMember, error)
	ListSampleSetMembers(ctx context.Context, sampleSetID string) ([]model.SampleSetMember, error)
}

// Held is a grouped row that validation did not stage.
type Held struct {
	Plan   *model.Plan
	Reason model.SkipReason
}

// Accumulator holds the rows registered under one key, in file order.
type Accumulator struct {
	Key     model.GroupKey
	Members []*model.Plan
	// Held rows belong to the group but cannot be staged. Any held row
	// keeps the rest of the group from being staged.
	Held []Held
}

// Accountant is the stateful aggregator for one run.
type Accountant struct {
	capacity int
	groups   map[string]*Accumulator
	order    []string
	runlog   *runlog.Log
	log      *zap.Logger
	// suffix generates the random part of generated set names.
	suffix func() string
}

// New creates an Accountant. A capacity below one uses DefaultCapacity.
func New(capacity int, rl *runlog.Log) *Accountant {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Accountant{
		capacity: capacity,
		groups:   make(map[string]*Accumulator),
		runlog:   rl,
		log:      zap.L().With(zap.String("run_id", rl.RunID())),
		suffix:   func() string { return uuid.NewString()[:8] },
	}
}

// Capacity returns the configured member limit.
func (a *Accountant) Capacity() int { return a.capacity }

// GroupID is the accumulator key of a group key. Generated and explicit
// keys never collide.
func GroupID(k model.GroupKey) string {
	id := strings.ToLower(strings.TrimSpace(k.Name))
	if k.Generated {
		return "new:" + id
	}
	return id
}

// Register adds a staged plan to the accumulator for its group, creating
// it on first use.
func (a *Accountant) Register(plan *model.Plan) {
	if plan == nil || plan.Group == nil {
		return
	}
	acc := a.accumulator(*plan.Group)
	acc.Members = append(acc.Members, plan)
}

// Hold records a grouped row that validation rejected for reason.
func (a *Accountant) Hold(plan *model.Plan, reason model.SkipReason) {
	if plan == nil || plan.Group == nil {
		return
	}
	acc := a.accumulator(*plan.Group)
	acc.Held = append(acc.Held, Held{Plan: plan, Reason: reason})
}

func (a *Accountant) accumulator(k model.GroupKey) *Accumulator {
	id := GroupID(k)
	acc, ok := a.groups[id]
	if !ok {
		acc = &Accumulator{Key: k}
		a.groups[id] = acc
		a.order = append(a.order, id)
	}
	return acc
}

// Groups returns the accumulators in first-seen order.
func (a *Accountant) Groups() []*Accumulator {
	out := make([]*Accumulator, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.groups[id])
	}
	return out
}

// Report is the outcome of checking one group.
type Report struct {
	Key model.GroupKey `json:"key"`
	// Name is the persisted set name. Generated keys get a random suffix.
	Name     string           `json:"name"`
	Existing *model.SampleSet `json:"existing,omitempty"`
	// ExistingMembers are members persisted before this run.
	ExistingMembers []model.SampleSetMember `json:"existing_members,omitempty"`
	// Members are the staged rows, in file order, excluding overflow.
	Members []*model.Plan `json:"-"`
	Rows    []int         `json:"rows"`

	SubdivisionMatch bool `json:"subdivision_match"`
	BuilderMatch     bool `json:"builder_match"`
	MetroMatch       bool `json:"metro_match"`
	DatesMatch       bool `json:"dates_match"`
	AlreadyCertified bool `json:"already_certified"`
	HasSource        bool `json:"has_source"`

	Capacity int   `json:"capacity"`
	Size     int   `json:"size"`
	Overflow []int `json:"overflow,omitempty"`

	// Held are member rows that validation did not stage.
	Held []int `json:"held,omitempty"`
	// Elsewhere maps member rows whose home already belongs to another set
	// to that set's id.
	Elsewhere map[int]string `json:"elsewhere,omitempty"`

	// CertificationDate is the date every member agrees on, if any.
	CertificationDate *time.Time `json:"certification_date,omitempty"`
}

// Compatible reports whether the group may be staged at all.
func (r *Report) Compatible() bool {
	return r.SubdivisionMatch && r.BuilderMatch && r.MetroMatch && r.DatesMatch && !r.AlreadyCertified &&
		len(r.Held) == 0 && len(r.Elsewhere) == 0
}

// Reason is the skip reason for every member of an incompatible group.
func (r *Report) Reason() model.SkipReason {
	switch {
	case r.AlreadyCertified:
		return model.SkipAlreadyCertified
	case !r.Compatible():
		return model.SkipIncompatibleGroup
	default:
		return model.SkipNone
	}
}

// Excluded returns the skip reason for row, or SkipNone when the row stays
// staged.
func (r *Report) Excluded(row int) model.SkipReason {
	if reason := r.Reason(); reason != model.SkipNone {
		return reason
	}
	for _, o := range r.Overflow {
		if o == row {
			return model.SkipGroupCapacity
		}
	}
	return model.SkipNone
}

// Finalize checks every group and writes a diagnostic to each affected
// member row. Rows are not committed by the caller until this returns.
func (a *Accountant) Finalize(ctx context.Context, rd Reader) (map[string]*Report, error) {
	reports := make(map[string]*Report, len(a.groups))
	for _, id := range a.order {
		acc := a.groups[id]
		rep, err := a.check(ctx, rd, acc)
		if err != nil {
			return reports, err
		}
		reports[id] = rep
		a.diagnose(rep, acc)
		a.log.Info("sampleset: group checked",
			zap.String("group", rep.Name),
			zap.Int("rows", len(acc.Members)),
			zap.Int("held", len(acc.Held)),
			zap.Int("size", rep.Size),
			zap.Bool("compatible", rep.Compatible()),
			zap.Int("overflow", len(rep.Overflow)),
		)
	}
	return reports, nil
}

// memberAttrs is the compatibility projection of a member.
type memberAttrs struct {
	subdivision string
	builder     string
	metro       string
}

func attrsOf(p *model.Plan) memberAttrs {
	return memberAttrs{subdivision: p.SubdivisionKey(), builder: p.BuilderID(), metro: p.MetroID}
}

// memberships caches home status lookups for one group check.
type memberships struct {
	rd   Reader
	seen map[string]*model.SampleSetMember
}

func (ms *memberships) of(ctx context.Context, statusID string) (*model.SampleSetMember, error) {
	if m, ok := ms.seen[statusID]; ok {
		return m, nil
	}
	m, err := ms.rd.FindSampleSetMembership(ctx, statusID)
	if err != nil {
		return nil, err
	}
	ms.seen[statusID] = m
	return m, nil
}

func (a *Accountant) check(ctx context.Context, rd Reader, acc *Accumulator) (*Report, error) {
	rep := &Report{
		Key:              acc.Key,
		Name:             acc.Key.Name,
		Capacity:         a.capacity,
		SubdivisionMatch: true,
		BuilderMatch:     true,
		MetroMatch:       true,
		DatesMatch:       true,
	}
	if acc.Key.Generated {
		rep.Name = acc.Key.Name + "-" + a.suffix()
	}

	var ms *memberships
	var set *model.SampleSet
	var err error
	if rd != nil {
		ms = &memberships{rd: rd, seen: make(map[string]*model.SampleSetMember)}
		if acc.Key.Generated {
			set, err = a.adopt(ctx, ms, acc)
		} else {
			set, err = rd.FindSampleSet(ctx, acc.Key.Name)
		}
		if err != nil {
			return nil, err
		}
	}
	if set != nil {
		rep.Existing = set
		rep.Name = set.Name
		rep.AlreadyCertified = set.CertificationDate != nil
		members, err := rd.ListSampleSetMembers(ctx, set.ID)
		if err != nil {
			return nil, err
		}
		rep.ExistingMembers = members
	}

	var attrs []memberAttrs
	present := make(map[string]bool, len(rep.ExistingMembers))
	for _, m := range rep.ExistingMembers {
		attrs = append(attrs, memberAttrs{subdivision: m.SubdivisionID, builder: m.BuilderID, metro: m.MetroID})
		present[m.HomeStatusID] = true
		if m.SourceOfTruth {
			rep.HasSource = true
		}
	}
	for _, p := range acc.Members {
		attrs = append(attrs, attrsOf(p))
		rep.Rows = append(rep.Rows, p.Row)
		if p.SourceOfTruth {
			rep.HasSource = true
		}
		if p.CertificationDate != nil {
			if rep.CertificationDate == nil {
				d := *p.CertificationDate
				rep.CertificationDate = &d
			} else if !rep.CertificationDate.Equal(*p.CertificationDate) {
				rep.DatesMatch = false
			}
		}
	}
	for _, h := range acc.Held {
		rep.Held = append(rep.Held, h.Plan.Row)
		// Rows dropped before resolution have no attributes to compare.
		if !h.Reason.Unprocessable() {
			attrs = append(attrs, attrsOf(h.Plan))
		}
	}
	for i := 1; i < len(attrs); i++ {
		at, first := attrs[i], attrs[0]
		rep.SubdivisionMatch = rep.SubdivisionMatch && at.subdivision == first.subdivision
		rep.BuilderMatch = rep.BuilderMatch && at.builder == first.builder
		rep.MetroMatch = rep.MetroMatch && at.metro == first.metro
	}

	if ms != nil {
		for _, p := range acc.Members {
			if p.ExistingStatusID == "" || present[p.ExistingStatusID] {
				continue
			}
			m, err := ms.of(ctx, p.ExistingStatusID)
			if err != nil {
				return nil, err
			}
			if m != nil && (set == nil || m.SampleSetID != set.ID) {
				if rep.Elsewhere == nil {
					rep.Elsewhere = make(map[int]string)
				}
				rep.Elsewhere[p.Row] = m.SampleSetID
			}
		}
	}

	// Homes already in the set do not take a new slot.
	rep.Size = len(rep.ExistingMembers)
	for _, p := range acc.Members {
		if p.ExistingStatusID != "" && present[p.ExistingStatusID] {
			rep.Members = append(rep.Members, p)
			continue
		}
		if rep.Size >= a.capacity {
			rep.Overflow = append(rep.Overflow, p.Row)
			continue
		}
		rep.Size++
		rep.Members = append(rep.Members, p)
	}
	return rep, nil
}

// adopt finds the set a generated key already stands for: the one set that
// the group's existing homes belong to. Homes spread over several sets
// adopt none.
func (a *Accountant) adopt(ctx context.Context, ms *memberships, acc *Accumulator) (*model.SampleSet, error) {
	plans := append([]*model.Plan(nil), acc.Members...)
	for _, h := range acc.Held {
		plans = append(plans, h.Plan)
	}
	sets := make(map[string]bool)
	var id string
	for _, p := range plans {
		if p.ExistingStatusID == "" {
			continue
		}
		m, err := ms.of(ctx, p.ExistingStatusID)
		if err != nil {
			return nil, err
		}
		if m != nil && !sets[m.SampleSetID] {
			sets[m.SampleSetID] = true
			id = m.SampleSetID
		}
	}
	if len(sets) != 1 {
		return nil, nil
	}
	set, err := ms.rd.GetSampleSet(ctx, id)
	if err != nil {
		return nil, err
	}
	a.log.Debug("sampleset: generated key adopts existing set",
		zap.String("key", acc.Key.Name), zap.String("sample_set", set.Name))
	return set, nil
}

// diagnose writes the per-row diagnostics for a report. A group with no
// staged rows gets none.
func (a *Accountant) diagnose(rep *Report, acc *Accumulator) {
	if len(acc.Members) == 0 {
		return
	}
	var problems []string
	if !rep.BuilderMatch {
		problems = append(problems, "builders differ")
	}
	if !rep.SubdivisionMatch {
		problems = append(problems, "subdivisions differ")
	}
	if !rep.MetroMatch {
		problems = append(problems, "metro areas differ")
	}
	if !rep.DatesMatch {
		problems = append(problems, "certification dates differ")
	}

	rows := append([]int(nil), rep.Rows...)
	for _, h := range acc.Held {
		if !h.Reason.Unprocessable() {
			rows = append(rows, h.Plan.Row)
		}
	}
	sort.Ints(rows)

	if rep.AlreadyCertified {
		for _, p := range acc.Members {
			a.runlog.Error(p.Row, model.CodeAlreadyCertified, "sample set %q is already certified", rep.Name)
		}
		return
	}
	if len(problems) > 0 {
		for _, row := range rows {
			if !rep.BuilderMatch {
				a.runlog.Error(row, model.CodeIncompatibleBuilder, "sample set %q is incompatible: %s", rep.Name, strings.Join(problems, ", "))
			}
			if !rep.SubdivisionMatch {
				a.runlog.Error(row, model.CodeIncompatibleSubdivision, "sample set %q mixes subdivisions", rep.Name)
			}
			if !rep.MetroMatch {
				a.runlog.Error(row, model.CodeIncompatibleMetro, "sample set %q mixes metro areas", rep.Name)
			}
			if !rep.DatesMatch {
				a.runlog.Error(row, model.CodeGroupConflictingDates, "sample set %q has conflicting certification dates", rep.Name)
			}
		}
	}

	var elsewhere []int
	for row := range rep.Elsewhere {
		elsewhere = append(elsewhere, row)
	}
	sort.Ints(elsewhere)
	for _, row := range elsewhere {
		a.runlog.Error(row, model.CodeOtherSampleSet, "home already belongs to sample set %s and cannot join %q", rep.Elsewhere[row], rep.Name)
	}
	blocked := append(append([]int(nil), rep.Held...), elsewhere...)
	sort.Ints(blocked)
	if len(blocked) > 0 {
		for _, p := range acc.Members {
			if _, ok := rep.Elsewhere[p.Row]; ok {
				continue
			}
			a.runlog.Error(p.Row, model.CodeGroupMemberNotStaged, "sample set %q not staged: %s could not be staged",
				rep.Name, rowList(blocked))
		}
	}
	if !rep.Compatible() {
		return
	}

	for _, row := range rep.Overflow {
		a.runlog.Error(row, model.CodeGroupCapacity, "sample set %q is full (%d members)", rep.Name, rep.Capacity)
	}
	if !rep.HasSource && len(rep.Members) > 0 {
		a.runlog.Warning(rows[0], model.CodeNoSourceOfTruth, "sample set %q has no source-of-truth member", rep.Name)
	}
}

// rowList renders rows as "row 3" or "rows 3, 5".
func rowList(rows []int) string {
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = strconv.Itoa(r)
	}
	if len(rows) == 1 {
		return "row " + parts[0]
	}
	return fmt.Sprintf("rows %s", strings.Join(parts, ", "))
}
