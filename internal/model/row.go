package model

import "time"

// Canonical column names produced by the row normalizer.
const (
	ColStreet            = "street"
	ColCity              = "city"
	ColCounty            = "county"
	ColState             = "state"
	ColZip               = "zip"
	ColBuilder           = "builder"
	ColSubdivision       = "subdivision"
	ColCommunity         = "community"
	ColProgram           = "program"
	ColFloorplan         = "floorplan"
	ColStage             = "construction_stage"
	ColCertificationDate = "certification_date"
	ColSampleSet         = "sample_set"
	ColSampleSetRole     = "sample_set_role"
	ColQAPassed          = "qa_passed"
)

// RequiredColumns must be present in the header row.
var RequiredColumns = []string{ColStreet, ColCity, ColState, ColZip, ColProgram}

// AnnotationPrefix marks a column whose values are annotations.
const AnnotationPrefix = "note:"

// Row is one normalised spreadsheet row. Diagnostics for the row are kept
// in the run log under Ordinal.
type Row struct {
	// Ordinal is the 1-based spreadsheet row number (the header is row 1).
	Ordinal int `json:"ordinal"`
	// Fields holds canonical columns by name.
	Fields map[string]string `json:"fields"`
	// Questions holds checklist columns keyed by normalised header. A header
	// repeated across columns yields one value per column.
	Questions map[string][]string `json:"questions,omitempty"`
	// Annotations holds annotation columns keyed by annotation type.
	Annotations map[string]string `json:"annotations,omitempty"`
	// Refs holds resolved references keyed by the column they came from.
	Refs map[string]Reference `json:"-"`
	// Group is the resolved sample-set key, nil when the row is ungrouped.
	Group *GroupKey `json:"group,omitempty"`
}

// Field returns a canonical field value ("" when absent).
func (r *Row) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// SetRef records a resolved reference for a column.
func (r *Row) SetRef(col string, ref Reference) {
	if r.Refs == nil {
		r.Refs = make(map[string]Reference)
	}
	r.Refs[col] = ref
}

// RefKind tags the variant carried by a Reference.
type RefKind string

// Reference variants.
const (
	RefOrganization      RefKind = "organization"
	RefGeographicArea    RefKind = "geographic_area"
	RefProgram           RefKind = "program"
	RefFloorplan         RefKind = "floorplan"
	RefConstructionStage RefKind = "construction_stage"
	RefConstructionDate  RefKind = "construction_date"
)

// Entity is anything a reference can resolve to.
type Entity interface {
	EntityID() string
	EntityName() string
}

// Reference is the outcome of resolving one textual field: either an entity
// or a missing marker with the diagnostic explaining why.
type Reference struct {
	Kind    RefKind
	Entity  Entity
	Missing bool
	Reason  *Diagnostic
}

// Found wraps a resolved entity.
func Found(kind RefKind, e Entity) Reference {
	return Reference{Kind: kind, Entity: e}
}

// MissingRef builds a missing reference. reason may be nil when the caller
// asked to ignore missing entities.
func MissingRef(kind RefKind, reason *Diagnostic) Reference {
	return Reference{Kind: kind, Missing: true, Reason: reason}
}

// OK reports whether the reference resolved to an entity.
func (r Reference) OK() bool {
	return !r.Missing && r.Entity != nil
}

func (o *Organization) EntityID() string   { return o.ID }
func (o *Organization) EntityName() string { return o.Name }
func (s *Subdivision) EntityID() string    { return s.ID }
func (s *Subdivision) EntityName() string  { return s.Name }
func (c *Community) EntityID() string      { return c.ID }
func (c *Community) EntityName() string    { return c.Name }
func (c *City) EntityID() string           { return c.ID }
func (c *City) EntityName() string         { return c.Name }
func (c *County) EntityID() string         { return c.ID }
func (c *County) EntityName() string       { return c.Name }
func (p *Program) EntityID() string        { return p.ID }
func (p *Program) EntityName() string      { return p.Name }
func (f *Floorplan) EntityID() string      { return f.ID }
func (f *Floorplan) EntityName() string    { return f.Name }

func (s ConstructionStage) EntityID() string   { return string(s) }
func (s ConstructionStage) EntityName() string { return string(s) }

// ConstructionDate is a parsed date value carried as a reference.
type ConstructionDate struct {
	time.Time
}

func (d ConstructionDate) EntityID() string   { return d.Format(time.DateOnly) }
func (d ConstructionDate) EntityName() string { return d.Format(time.DateOnly) }

// GroupKey names a sample set, either explicitly or generated for the run.
type GroupKey struct {
	Name      string `json:"name"`
	Generated bool   `json:"generated,omitempty"`
}
