// Package model defines the domain types shared by the import pipeline:
// persisted entities, spreadsheet rows, row plans and run summaries.
package model

import (
	"strings"
	"time"
)

// Organization types recognised by the resolvers.
const (
	OrgTypeBuilder = "builder"
	OrgTypeRater   = "rater"
	OrgTypeUtility = "utility"
)

// Organization is a company participating in a program (builder, rater ...).
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// MetroArea groups counties for sample-set compatibility.
type MetroArea struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// County belongs to one state and optionally one metro area.
type County struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	State   string `json:"state"`
	MetroID string `json:"metro_id,omitempty"`
}

// City belongs to one county.
type City struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	CountyID string `json:"county_id"`
}

// Community is a named development spanning one or more subdivisions.
type Community struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	CityID string `json:"city_id"`
}

// Subdivision is a builder's named development inside a city.
type Subdivision struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	BuilderID   string `json:"builder_id"`
	CommunityID string `json:"community_id,omitempty"`
	CityID      string `json:"city_id,omitempty"`
}

// Program is a certification program homes are enrolled in.
type Program struct {
	ID                string     `json:"id"`
	Slug              string     `json:"slug"`
	Name              string     `json:"name"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	CloseDate         *time.Time `json:"close_date,omitempty"`
	RequiresQA        bool       `json:"requires_qa"`
	RequiresFloorplan bool       `json:"requires_floorplan"`
}

// Floorplan is a builder-owned house plan.
type Floorplan struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// Choice is one allowed answer for a question. Order in Question.Choices is
// the per-choice ranking used to derive candidate priority.
type Choice struct {
	Value   string `json:"value" yaml:"value"`
	Failing bool   `json:"failing,omitempty" yaml:"failing,omitempty"`
}

// Question is a checklist question scoped to a program.
type Question struct {
	ID        string   `json:"id"`
	ProgramID string   `json:"program_id"`
	Slug      string   `json:"slug"`
	Text      string   `json:"text"`
	Choices   []Choice `json:"choices,omitempty"`
	Required  bool     `json:"required"`
}

// Choice returns the choice matching value case-insensitively.
func (q Question) Choice(value string) (Choice, bool) {
	v := strings.TrimSpace(value)
	for _, c := range q.Choices {
		if strings.EqualFold(c.Value, v) {
			return c, true
		}
	}
	return Choice{}, false
}

// Priority ranks a choice: failing choices first, each group in declared
// order. Lower is more authoritative. Free-form questions rank everything 0.
func (q Question) Priority(value string) int {
	rank := 0
	for _, failing := range []bool{true, false} {
		for _, c := range q.Choices {
			if c.Failing != failing {
				continue
			}
			if strings.EqualFold(c.Value, strings.TrimSpace(value)) {
				return rank
			}
			rank++
		}
	}
	return rank
}

// Address is a normalised street address.
type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// Key returns the case-folded natural key used to match homes.
func (a Address) Key() string {
	return strings.ToLower(strings.Join([]string{
		strings.Join(strings.Fields(a.Street), " "), a.City, a.State, a.Zip,
	}, "|"))
}

// Home is a single residential unit.
type Home struct {
	ID            string    `json:"id"`
	Address       Address   `json:"address"`
	CityID        string    `json:"city_id,omitempty"`
	CountyID      string    `json:"county_id,omitempty"`
	MetroID       string    `json:"metro_id,omitempty"`
	SubdivisionID string    `json:"subdivision_id,omitempty"`
	BuilderID     string    `json:"builder_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// HomeState is the certification workflow state of a home in a program.
type HomeState string

// Workflow states.
const (
	StateInspection           HomeState = "inspection"
	StateQAPending            HomeState = "qa_pending"
	StateCertificationPending HomeState = "certification_pending"
	StateComplete             HomeState = "complete"
	StateAbandoned            HomeState = "abandoned"
	StateDropped              HomeState = "dropped"
	StateWaitlist             HomeState = "waitlist"
)

// ConstructionStage is the build progress reported for a home.
type ConstructionStage string

// Construction stages.
const (
	StageNone       ConstructionStage = ""
	StagePermitted  ConstructionStage = "permitted"
	StagePreDrywall ConstructionStage = "pre_drywall"
	StageCompleted  ConstructionStage = "completed"
	StageAbandoned  ConstructionStage = "abandoned"
)

// HomeStatus tracks one home's progress through one program.
type HomeStatus struct {
	ID                string            `json:"id"`
	HomeID            string            `json:"home_id"`
	ProgramID         string            `json:"program_id"`
	FloorplanID       string            `json:"floorplan_id,omitempty"`
	State             HomeState         `json:"state"`
	Stage             ConstructionStage `json:"stage,omitempty"`
	PctComplete       float64           `json:"pct_complete"`
	CertificationDate *time.Time        `json:"certification_date,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Certified reports whether the write-once certification date is set.
func (s HomeStatus) Certified() bool {
	return s.CertificationDate != nil
}

// Answer is a persisted checklist answer.
type Answer struct {
	ID         string    `json:"id"`
	HomeID     string    `json:"home_id"`
	QuestionID string    `json:"question_id"`
	Value      string    `json:"value"`
	Comment    string    `json:"comment,omitempty"`
	Failing    bool      `json:"failing"`
	Confirmed  bool      `json:"confirmed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Annotation is a typed free-form note attached to a home.
type Annotation struct {
	ID        string    `json:"id"`
	HomeID    string    `json:"home_id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SampleSet is a persisted shared accounting unit.
type SampleSet struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	CertificationDate *time.Time `json:"certification_date,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// SampleSetMember is a membership row joined with the member home's
// compatibility attributes.
type SampleSetMember struct {
	SampleSetID   string     `json:"sample_set_id"`
	HomeStatusID  string     `json:"home_status_id"`
	HomeID        string     `json:"home_id"`
	SourceOfTruth bool       `json:"source_of_truth"`
	SubdivisionID string     `json:"subdivision_id,omitempty"`
	BuilderID     string     `json:"builder_id"`
	MetroID       string     `json:"metro_id,omitempty"`
	Certified     *time.Time `json:"certified,omitempty"`
}
