// Package store is the persistent repository behind the import pipeline.
// SQLite and Postgres implementations share one interface and the same
// write-once certification semantics.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/homecert/internal/model"
)

var (
	// ErrNotFound is returned by Get methods for unknown ids. Find methods
	// return (nil, nil) instead.
	ErrNotFound = eris.New("store: not found")
	// ErrCertified is returned when a write targets a home status whose
	// certification date is already set.
	ErrCertified = eris.New("store: home already certified")
	// ErrOtherSampleSet is returned when a home status is added to a sample
	// set while it belongs to another one.
	ErrOtherSampleSet = eris.New("store: home status belongs to another sample set")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// ReferenceStore looks up and creates the reference entities rows point at.
type ReferenceStore interface {
	FindOrganization(ctx context.Context, name, orgType string) (*model.Organization, error)
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	CreateOrganization(ctx context.Context, o *model.Organization) error

	FindMetro(ctx context.Context, name string) (*model.MetroArea, error)
	CreateMetro(ctx context.Context, m *model.MetroArea) error

	FindCounty(ctx context.Context, name, state string) (*model.County, error)
	GetCounty(ctx context.Context, id string) (*model.County, error)
	CreateCounty(ctx context.Context, c *model.County) error

	// FindCities matches by name; an empty state matches any state.
	FindCities(ctx context.Context, name, state string) ([]model.City, error)
	GetCity(ctx context.Context, id string) (*model.City, error)
	CreateCity(ctx context.Context, c *model.City) error

	FindCommunity(ctx context.Context, name string) (*model.Community, error)
	GetCommunity(ctx context.Context, id string) (*model.Community, error)
	CreateCommunity(ctx context.Context, c *model.Community) error

	FindSubdivisions(ctx context.Context, name string) ([]model.Subdivision, error)
	GetSubdivision(ctx context.Context, id string) (*model.Subdivision, error)
	CreateSubdivision(ctx context.Context, s *model.Subdivision) error

	// FindProgram matches slug or name case-insensitively.
	FindProgram(ctx context.Context, key string) (*model.Program, error)
	GetProgram(ctx context.Context, id string) (*model.Program, error)
	CreateProgram(ctx context.Context, p *model.Program) error
	ListQuestions(ctx context.Context, programID string) ([]model.Question, error)
	CreateQuestion(ctx context.Context, q *model.Question) error

	FindFloorplan(ctx context.Context, name, ownerID string) (*model.Floorplan, error)
	CreateFloorplan(ctx context.Context, f *model.Floorplan) error
}

// HomeStore persists homes, their program statuses, answers and annotations.
type HomeStore interface {
	FindHome(ctx context.Context, addr model.Address) (*model.Home, error)
	GetHome(ctx context.Context, id string) (*model.Home, error)
	CreateHome(ctx context.Context, h *model.Home) error
	UpdateHome(ctx context.Context, h *model.Home) error

	GetHomeStatus(ctx context.Context, homeID, programID string) (*model.HomeStatus, error)
	GetHomeStatusByID(ctx context.Context, id string) (*model.HomeStatus, error)
	CreateHomeStatus(ctx context.Context, s *model.HomeStatus) error
	// UpdateHomeStatus returns ErrCertified when the status is certified.
	UpdateHomeStatus(ctx context.Context, s *model.HomeStatus) error
	// CertifyHomeStatuses sets the certification date on every uncertified
	// status in ids inside one transaction and returns how many changed.
	CertifyHomeStatuses(ctx context.Context, ids []string, date time.Time) (int, error)

	ListAnswers(ctx context.Context, homeID string) ([]model.Answer, error)
	// ReplaceAnswers deletes and creates answers in one transaction.
	ReplaceAnswers(ctx context.Context, homeID string, deleteIDs []string, create []model.Answer) error
	ListAnnotations(ctx context.Context, homeID string) ([]model.Annotation, error)
	ReplaceAnnotations(ctx context.Context, homeID string, deleteIDs []string, create []model.Annotation) error
}

// SampleSetStore persists sample sets and their membership.
type SampleSetStore interface {
	FindSampleSet(ctx context.Context, name string) (*model.SampleSet, error)
	GetSampleSet(ctx context.Context, id string) (*model.SampleSet, error)
	CreateSampleSet(ctx context.Context, s *model.SampleSet) error
	// ListSampleSetMembers returns members joined with their homes.
	ListSampleSetMembers(ctx context.Context, sampleSetID string) ([]model.SampleSetMember, error)
	// FindSampleSetMembership returns the membership of a home status in
	// any sample set, or (nil, nil).
	FindSampleSetMembership(ctx context.Context, homeStatusID string) (*model.SampleSetMember, error)
	// AddSampleSetMember adds a home status to a sample set or updates its
	// source-of-truth flag. It never moves a member between sets and returns
	// ErrOtherSampleSet instead.
	AddSampleSetMember(ctx context.Context, m model.SampleSetMember) error
	CertifySampleSet(ctx context.Context, id string, date time.Time) error
}

// RunStore persists import run records.
type RunStore interface {
	CreateRun(ctx context.Context, file string) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.Summary) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
}

// Store defines the persistence interface for the import pipeline.
type Store interface {
	ReferenceStore
	HomeStore
	SampleSetStore
	RunStore

	Migrate(ctx context.Context) error
	Close() error
}
