package model

import "time"

// AnswerCandidate is a proposed answer for one question on one home.
type AnswerCandidate struct {
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
	Failing    bool   `json:"failing"`
	// Priority is 0 for the most authoritative value; failing values rank
	// ahead of passing values.
	Priority int    `json:"priority"`
	Comment  string `json:"comment,omitempty"`
}

// AnnotationCandidate is a proposed annotation for one home.
type AnnotationCandidate struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Plan is the fully resolved intermediate representation of one input row,
// produced by validation and consumed read-only by commit.
type Plan struct {
	Row int `json:"row"`

	Address     Address       `json:"address"`
	Builder     *Organization `json:"builder,omitempty"`
	Subdivision *Subdivision  `json:"subdivision,omitempty"`
	// NewSubdivision is set when the subdivision must be created at commit.
	NewSubdivision string     `json:"new_subdivision,omitempty"`
	Community      *Community `json:"community,omitempty"`
	City           *City      `json:"city,omitempty"`
	County         *County    `json:"county,omitempty"`
	MetroID        string     `json:"metro_id,omitempty"`

	Program   *Program   `json:"program"`
	Floorplan *Floorplan `json:"floorplan,omitempty"`
	// NewFloorplan is set when the floorplan must be created at commit.
	NewFloorplan string `json:"new_floorplan,omitempty"`

	Stage             ConstructionStage `json:"stage,omitempty"`
	QAPassed          bool              `json:"qa_passed,omitempty"`
	CertificationDate *time.Time        `json:"certification_date,omitempty"`

	Group         *GroupKey `json:"group,omitempty"`
	SourceOfTruth bool      `json:"source_of_truth,omitempty"`

	Candidates  []AnswerCandidate     `json:"candidates,omitempty"`
	Annotations []AnnotationCandidate `json:"annotations,omitempty"`

	// Existing state observed during validation. Commit re-reads it.
	ExistingHomeID   string `json:"existing_home_id,omitempty"`
	ExistingStatusID string `json:"existing_status_id,omitempty"`
	AlreadyCertified bool   `json:"already_certified,omitempty"`
}

// BuilderID returns the resolved builder id or "".
func (p Plan) BuilderID() string {
	if p.Builder == nil {
		return ""
	}
	return p.Builder.ID
}

// SubdivisionID returns the resolved subdivision id or "".
func (p Plan) SubdivisionID() string {
	if p.Subdivision == nil {
		return ""
	}
	return p.Subdivision.ID
}

// SubdivisionKey identifies the subdivision for compatibility checks, using
// the pending name when the subdivision does not exist yet.
func (p Plan) SubdivisionKey() string {
	if p.Subdivision != nil {
		return p.Subdivision.ID
	}
	if p.NewSubdivision != "" {
		return "new:" + p.NewSubdivision
	}
	return ""
}
