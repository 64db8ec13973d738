// Package validate resolves every reference on every row and freezes the
// result into a plan per row. It reads the store but never writes to it.
package validate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/homecert/internal/merge"
	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/normalize"
	"github.com/sells-group/homecert/internal/resolve"
	"github.com/sells-group/homecert/internal/runlog"
)

// NewGroupPrefix marks a sample-set cell naming a set to be generated.
const NewGroupPrefix = "new:"

// HomeReader observes existing homes and statuses.
type HomeReader interface {
	FindHome(ctx context.Context, addr model.Address) (*model.Home, error)
	GetHomeStatus(ctx context.Context, homeID, programID string) (*model.HomeStatus, error)
}

// Registrar accumulates grouped plans for the cross-row consistency check.
// Held plans are group members that will not be staged.
type Registrar interface {
	Register(plan *model.Plan)
	Hold(plan *model.Plan, reason model.SkipReason)
}

// Options configures a validation pass.
type Options struct {
	QuestionMap normalize.QuestionMap
	// AnswerSeparator splits one answer cell into several candidates.
	AnswerSeparator string
	// CreateSubdivisions lets rows name subdivisions that commit will create
	// for the row's builder.
	CreateSubdivisions bool
	// Now is the clock used for future-date checks.
	Now func() time.Time
}

// Result is the outcome of validating one row.
type Result struct {
	Row int `json:"row"`
	// Plan is nil when the row was dropped.
	Plan   *model.Plan      `json:"plan,omitempty"`
	Reason model.SkipReason `json:"reason,omitempty"`
}

// Staged reports whether the row produced a plan eligible for commit.
func (r Result) Staged() bool {
	return r.Plan != nil && r.Reason == model.SkipNone
}

// Validator runs the validation pass.
type Validator struct {
	res    *resolve.Resolver
	homes  HomeReader
	runlog *runlog.Log
	groups Registrar
	opts   Options
	log    *zap.Logger

	unknownHeaders map[string]bool
}

// New creates a Validator. groups may be nil when grouping is not tracked.
func New(res *resolve.Resolver, homes HomeReader, rl *runlog.Log, groups Registrar, opts Options) *Validator {
	if opts.AnswerSeparator == "" {
		opts.AnswerSeparator = "|"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Validator{
		res:            res,
		homes:          homes,
		runlog:         rl,
		groups:         groups,
		opts:           opts,
		log:            zap.L().With(zap.String("run_id", rl.RunID())),
		unknownHeaders: make(map[string]bool),
	}
}

// Validate validates rows in file order.
func (v *Validator) Validate(ctx context.Context, rows []model.Row) []Result {
	results := make([]Result, 0, len(rows))
	staged := 0
	for i := range rows {
		res := v.Row(ctx, &rows[i])
		if res.Staged() {
			staged++
		}
		results = append(results, res)
	}
	v.log.Info("validate: pass complete",
		zap.Int("rows", len(rows)),
		zap.Int("staged", staged),
		zap.Int("errors", v.runlog.ErrorCount()),
	)
	return results
}

// rowCtx carries one row's intermediate state.
type rowCtx struct {
	row  *model.Row
	plan *model.Plan
	n    int
}

func (rc *rowCtx) text(col string) string {
	return strings.TrimSpace(rc.row.Field(col))
}

// Row validates a single row. A grouped row is registered with the
// accountant when it is clean and held there otherwise, so that one bad
// member keeps the whole group out of commit.
func (v *Validator) Row(ctx context.Context, row *model.Row) Result {
	rc := &rowCtx{row: row, plan: &model.Plan{Row: row.Ordinal}, n: row.Ordinal}
	drop := func(reason model.SkipReason) Result {
		v.log.Debug("validate: row dropped", zap.Int("row", rc.n), zap.String("reason", string(reason)))
		v.group(rc)
		v.hold(rc, reason)
		return Result{Row: rc.n, Reason: reason}
	}

	if reason := v.organization(ctx, rc); reason != model.SkipNone {
		return drop(reason)
	}
	if reason := v.geography(ctx, rc); reason != model.SkipNone {
		return drop(reason)
	}
	v.address(rc)
	v.program(ctx, rc)
	v.floorplan(ctx, rc)
	v.workflow(rc)
	v.group(rc)
	if rc.plan.Program != nil {
		v.answers(ctx, rc)
	}
	v.annotations(rc)

	if v.runlog.RowErrorCount(rc.n) > 0 {
		v.hold(rc, model.SkipInvalid)
		return Result{Row: rc.n, Plan: rc.plan, Reason: model.SkipInvalid}
	}

	if reason := v.existing(ctx, rc); reason != model.SkipNone {
		v.hold(rc, reason)
		return Result{Row: rc.n, Plan: rc.plan, Reason: reason}
	}

	if rc.plan.Group != nil && v.groups != nil {
		v.groups.Register(rc.plan)
	}
	return Result{Row: rc.n, Plan: rc.plan}
}

func (v *Validator) hold(rc *rowCtx, reason model.SkipReason) {
	if rc.plan.Group != nil && v.groups != nil {
		v.groups.Hold(rc.plan, reason)
	}
}

// report adds a missing reference's diagnostic to the run log.
func (v *Validator) report(ref model.Reference) {
	if ref.Reason != nil {
		v.runlog.Add(ref.Reason)
	}
}

// reportAs adds a missing reference's diagnostic at another severity.
func (v *Validator) reportAs(ref model.Reference, sev model.Severity) {
	if ref.Reason != nil {
		d := *ref.Reason
		d.Severity = sev
		v.runlog.Add(&d)
	}
}

// organization resolves builder and subdivision. The subdivision's builder
// wins a disagreement. A row with neither resolvable cannot proceed.
func (v *Validator) organization(ctx context.Context, rc *rowCtx) model.SkipReason {
	builderText := rc.text(model.ColBuilder)
	subText := rc.text(model.ColSubdivision)

	var builderRef, subRef model.Reference
	if builderText != "" {
		builderRef = v.res.Organization(ctx, resolve.Request{
			Kind: model.RefOrganization, Text: builderText, Row: rc.n, Column: model.ColBuilder,
		})
		rc.row.SetRef(model.ColBuilder, builderRef)
	}
	builderID := ""
	if builderRef.OK() {
		rc.plan.Builder = builderRef.Entity.(*model.Organization)
		builderID = rc.plan.Builder.ID
	}

	if subText != "" {
		subRef = v.res.Area(ctx, resolve.Request{
			Kind: model.RefGeographicArea, Level: resolve.LevelSubdivision, Text: subText,
			Row: rc.n, Column: model.ColSubdivision, BuilderID: builderID,
			IgnoreMissing: v.opts.CreateSubdivisions && builderID != "",
		})
		rc.row.SetRef(model.ColSubdivision, subRef)
	}

	if subRef.OK() {
		sub := subRef.Entity.(*model.Subdivision)
		rc.plan.Subdivision = sub
		if rc.plan.Builder == nil || rc.plan.Builder.ID != sub.BuilderID {
			owner, err := v.res.Builder(ctx, sub.BuilderID)
			if err != nil {
				v.runlog.Error(rc.n, model.CodeLookupFailed, "builder of subdivision %q could not be looked up: %v", sub.Name, err)
				return model.SkipNone
			}
			if builderText != "" {
				v.runlog.Warning(rc.n, model.CodeBuilderConflict,
					"builder %q does not own subdivision %q; using its builder %q", builderText, sub.Name, owner.Name)
			}
			rc.plan.Builder = owner
		}
		return model.SkipNone
	}

	if rc.plan.Builder == nil {
		// Neither side resolved: the row cannot be attributed to anyone.
		v.runlog.Info(rc.n, model.CodeNoBuilder, "no builder or subdivision could be resolved (builder %q, subdivision %q)", builderText, subText)
		return model.SkipNoBuilder
	}

	if subText != "" {
		if subRef.Missing && subRef.Reason == nil {
			rc.plan.NewSubdivision = subText
			v.runlog.Info(rc.n, model.CodeNotFound, "subdivision %q will be created for %s", subText, rc.plan.Builder.Name)
		} else {
			v.report(subRef)
		}
	}
	return model.SkipNone
}

// geography resolves the area columns and back-fills what the row omits
// from the subdivision or community. A row whose state is still unknown
// cannot proceed.
func (v *Validator) geography(ctx context.Context, rc *rowCtx) model.SkipReason {
	state := ""
	if raw := rc.text(model.ColState); raw != "" {
		if s, ok := resolve.State(raw); ok {
			state = s
		} else {
			v.runlog.Warning(rc.n, model.CodeInvalidValue, "state %q is not a US state", raw)
		}
	}

	if text := rc.text(model.ColCommunity); text != "" {
		ref := v.res.Area(ctx, resolve.Request{
			Kind: model.RefGeographicArea, Level: resolve.LevelCommunity, Text: text, Row: rc.n, Column: model.ColCommunity,
		})
		rc.row.SetRef(model.ColCommunity, ref)
		if ref.OK() {
			rc.plan.Community = ref.Entity.(*model.Community)
		} else {
			v.reportAs(ref, model.SeverityWarning)
		}
	}
	if rc.plan.Community == nil && rc.plan.Subdivision != nil && rc.plan.Subdivision.CommunityID != "" {
		if c, err := v.res.Community(ctx, rc.plan.Subdivision.CommunityID); err == nil {
			rc.plan.Community = c
		}
	}

	if text := rc.text(model.ColCity); text != "" {
		ref := v.res.Area(ctx, resolve.Request{
			Kind: model.RefGeographicArea, Level: resolve.LevelCity, Text: text, Row: rc.n, Column: model.ColCity, State: state,
		})
		rc.row.SetRef(model.ColCity, ref)
		if ref.OK() {
			rc.plan.City = ref.Entity.(*model.City)
		}
	}
	if rc.plan.City == nil {
		cityID := ""
		switch {
		case rc.plan.Subdivision != nil && rc.plan.Subdivision.CityID != "":
			cityID = rc.plan.Subdivision.CityID
		case rc.plan.Community != nil && rc.plan.Community.CityID != "":
			cityID = rc.plan.Community.CityID
		}
		if cityID != "" {
			c, err := v.res.City(ctx, cityID)
			if err != nil {
				v.runlog.Warning(rc.n, model.CodeLookupFailed, "city %s could not be loaded: %v", cityID, err)
			} else {
				rc.plan.City = c
				v.runlog.Debug(rc.n, model.CodeNotFound, "city back-filled as %s", c.Name)
			}
		}
	}

	if text := rc.text(model.ColCounty); text != "" {
		ref := v.res.Area(ctx, resolve.Request{
			Kind: model.RefGeographicArea, Level: resolve.LevelCounty, Text: text, Row: rc.n, Column: model.ColCounty, State: state,
		})
		rc.row.SetRef(model.ColCounty, ref)
		if ref.OK() {
			rc.plan.County = ref.Entity.(*model.County)
		} else {
			v.reportAs(ref, model.SeverityWarning)
		}
	}
	if rc.plan.County == nil && rc.plan.City != nil && rc.plan.City.CountyID != "" {
		if c, err := v.res.County(ctx, rc.plan.City.CountyID); err == nil {
			rc.plan.County = c
		}
	}

	if state == "" {
		switch {
		case rc.plan.County != nil && rc.plan.County.State != "":
			state = rc.plan.County.State
		case rc.plan.City != nil && rc.plan.City.State != "":
			state = rc.plan.City.State
		}
	}
	if state == "" {
		v.runlog.Info(rc.n, model.CodeNoState, "state could not be determined")
		return model.SkipNoState
	}
	rc.plan.Address.State = state
	if rc.plan.County != nil {
		rc.plan.MetroID = rc.plan.County.MetroID
	}
	if rc.plan.City == nil && rc.text(model.ColCity) != "" {
		v.runlog.Warning(rc.n, model.CodeNotFound, "city %q not found in %s", rc.text(model.ColCity), state)
	}
	return model.SkipNone
}

func (v *Validator) address(rc *rowCtx) {
	rc.plan.Address.Street = strings.Join(strings.Fields(rc.text(model.ColStreet)), " ")
	if rc.plan.Address.Street == "" {
		v.runlog.Error(rc.n, model.CodeMissingValue, "street address is empty")
	}

	rc.plan.Address.City = rc.text(model.ColCity)
	if rc.plan.Address.City == "" && rc.plan.City != nil {
		rc.plan.Address.City = rc.plan.City.Name
	}
	if rc.plan.Address.City == "" {
		v.runlog.Error(rc.n, model.CodeMissingValue, "city is empty")
	}

	raw := rc.text(model.ColZip)
	zip, ok := resolve.Zip(raw)
	switch {
	case raw == "":
		v.runlog.Error(rc.n, model.CodeMissingValue, "zip is empty")
	case !ok:
		v.runlog.Error(rc.n, model.CodeInvalidValue, "zip %q is not a ZIP code", raw)
	default:
		rc.plan.Address.Zip = zip
	}
}

func (v *Validator) program(ctx context.Context, rc *rowCtx) {
	text := rc.text(model.ColProgram)
	if text == "" {
		v.runlog.Error(rc.n, model.CodeMissingValue, "program is empty")
		return
	}
	ref := v.res.Program(ctx, resolve.Request{Kind: model.RefProgram, Text: text, Row: rc.n, Column: model.ColProgram})
	rc.row.SetRef(model.ColProgram, ref)
	if !ref.OK() {
		v.report(ref)
		return
	}
	rc.plan.Program = ref.Entity.(*model.Program)
}

func (v *Validator) floorplan(ctx context.Context, rc *rowCtx) {
	text := rc.text(model.ColFloorplan)
	if text == "" {
		if rc.plan.Program != nil && rc.plan.Program.RequiresFloorplan {
			v.runlog.Error(rc.n, model.CodeMissingValue, "program %s requires a floorplan", rc.plan.Program.Name)
		}
		return
	}
	ref := v.res.Floorplan(ctx, resolve.Request{
		Kind: model.RefFloorplan, Text: text, Row: rc.n, Column: model.ColFloorplan,
		BuilderID: rc.plan.BuilderID(), IgnoreMissing: true,
	})
	rc.row.SetRef(model.ColFloorplan, ref)
	switch {
	case ref.OK():
		rc.plan.Floorplan = ref.Entity.(*model.Floorplan)
	case ref.Reason != nil:
		v.report(ref)
	default:
		rc.plan.NewFloorplan = text
		v.runlog.Info(rc.n, model.CodeNotFound, "floorplan %q will be created", text)
	}
}

// workflow parses the columns that drive the state machine.
func (v *Validator) workflow(rc *rowCtx) {
	if text := rc.text(model.ColStage); text != "" {
		ref := resolve.Stage(rc.n, text)
		rc.row.SetRef(model.ColStage, ref)
		if ref.OK() {
			rc.plan.Stage = ref.Entity.(model.ConstructionStage)
		} else {
			v.report(ref)
		}
	}

	if text := rc.text(model.ColCertificationDate); text != "" {
		ref := resolve.Date(rc.n, model.ColCertificationDate, text)
		rc.row.SetRef(model.ColCertificationDate, ref)
		if ref.OK() {
			d := ref.Entity.(model.ConstructionDate).Time
			if d.After(v.opts.Now()) {
				v.runlog.Error(rc.n, model.CodeInvalidValue, "certification date %s is in the future", d.Format(time.DateOnly))
			} else {
				rc.plan.CertificationDate = &d
			}
		} else {
			v.report(ref)
		}
	}

	if text := rc.text(model.ColQAPassed); text != "" {
		passed, ok := resolve.Bool(text)
		if !ok {
			v.runlog.Warning(rc.n, model.CodeInvalidValue, "qa passed %q is not yes or no; treated as no", text)
		}
		rc.plan.QAPassed = passed
	}
}

// group parses the sample-set columns.
func (v *Validator) group(rc *rowCtx) {
	text := rc.text(model.ColSampleSet)
	if text == "" {
		if rc.text(model.ColSampleSetRole) != "" {
			v.runlog.Warning(rc.n, model.CodeInvalidValue, "sample set role given without a sample set")
		}
		return
	}
	if label, ok := strings.CutPrefix(strings.ToLower(text), NewGroupPrefix); ok {
		label = strings.TrimSpace(text[len(text)-len(label):])
		if label == "" {
			v.runlog.Error(rc.n, model.CodeInvalidValue, "sample set %q has no label", text)
			return
		}
		rc.plan.Group = &model.GroupKey{Name: label, Generated: true}
	} else {
		rc.plan.Group = &model.GroupKey{Name: text}
	}
	rc.row.Group = rc.plan.Group

	switch strings.ToLower(rc.text(model.ColSampleSetRole)) {
	case "source", "tested", "source of truth", "sot", "test":
		rc.plan.SourceOfTruth = true
	}
}

// answers turns checklist columns into answer candidates.
func (v *Validator) answers(ctx context.Context, rc *rowCtx) {
	if len(rc.row.Questions) == 0 {
		return
	}
	questions, err := v.res.Questions(ctx, rc.plan.Program.ID)
	if err != nil {
		v.runlog.Error(rc.n, model.CodeLookupFailed, "questions for %s could not be loaded: %v", rc.plan.Program.Name, err)
		return
	}

	for _, header := range sortedKeys(rc.row.Questions) {
		q, ok := v.question(header, questions)
		if !ok {
			v.unknownQuestion(header, rc.plan.Program)
			continue
		}
		for col, cell := range rc.row.Questions[header] {
			for _, value := range strings.Split(cell, v.opts.AnswerSeparator) {
				value = strings.TrimSpace(value)
				if value == "" {
					continue
				}
				cand := model.AnswerCandidate{
					QuestionID: q.ID,
					Value:      value,
					Priority:   q.Priority(value),
					Comment:    fmt.Sprintf("row %d, %s column %d", rc.n, header, col+1),
				}
				if len(q.Choices) > 0 {
					choice, ok := q.Choice(value)
					if !ok {
						v.runlog.Error(rc.n, model.CodeInvalidAnswer, "%q is not a valid answer to %s", value, q.Slug)
						continue
					}
					cand.Value = choice.Value
					cand.Failing = choice.Failing
				}
				rc.plan.Candidates = append(rc.plan.Candidates, cand)
			}
		}
	}

	// Authoring errors are caught here so the row never reaches commit.
	_, diags := merge.Select(rc.n, rc.plan.Candidates)
	for _, d := range diags {
		if d.Severity == model.SeverityError {
			v.runlog.Add(d)
		}
	}
}

// question finds the program question a header names: the explicit
// question map first, then an exact slug or text match.
func (v *Validator) question(header string, questions []model.Question) (model.Question, bool) {
	want := normalize.Header(header)
	if slug, ok := v.opts.QuestionMap.Lookup(header); ok {
		want = normalize.Header(slug)
	}
	for _, q := range questions {
		if normalize.Header(q.Slug) == want || normalize.Header(q.Text) == want {
			return q, true
		}
	}
	return model.Question{}, false
}

// unknownQuestion warns once per run for a header no question matches.
func (v *Validator) unknownQuestion(header string, p *model.Program) {
	k := p.ID + "\x1f" + header
	if v.unknownHeaders[k] {
		return
	}
	v.unknownHeaders[k] = true
	v.runlog.Warning(0, model.CodeUnknownQuestion, "column %q matches no question in %s and is ignored", header, p.Name)
}

func (v *Validator) annotations(rc *rowCtx) {
	for _, typ := range sortedKeys(rc.row.Annotations) {
		content := strings.TrimSpace(rc.row.Annotations[typ])
		if content == "" {
			continue
		}
		rc.plan.Annotations = append(rc.plan.Annotations, model.AnnotationCandidate{Type: typ, Content: content})
	}
}

// existing records the state the row would touch. Commit re-reads it.
func (v *Validator) existing(ctx context.Context, rc *rowCtx) model.SkipReason {
	home, err := v.homes.FindHome(ctx, rc.plan.Address)
	if err != nil {
		v.runlog.Error(rc.n, model.CodeLookupFailed, "home lookup failed: %v", err)
		return model.SkipInvalid
	}
	if home == nil {
		return model.SkipNone
	}
	rc.plan.ExistingHomeID = home.ID

	status, err := v.homes.GetHomeStatus(ctx, home.ID, rc.plan.Program.ID)
	if err != nil {
		v.runlog.Error(rc.n, model.CodeLookupFailed, "home status lookup failed: %v", err)
		return model.SkipInvalid
	}
	if status == nil {
		return model.SkipNone
	}
	rc.plan.ExistingStatusID = status.ID
	if status.Certified() {
		rc.plan.AlreadyCertified = true
		v.runlog.Warning(rc.n, model.CodeAlreadyCertified, "home was certified on %s and will not be changed",
			status.CertificationDate.Format(time.DateOnly))
		v.runlog.Flag(rc.n, runlog.FlagHomeAlreadyCertified)
		return model.SkipAlreadyCertified
	}
	return model.SkipNone
}
