// Package resolve turns the textual reference fields of a row into store
// entities. Resolvers never fail for "not found": they return a missing
// reference carrying the diagnostic that explains why.
package resolve

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/homecert/internal/model"
)

// Lookup is the read side of the reference store the resolvers need.
type Lookup interface {
	FindOrganization(ctx context.Context, name, orgType string) (*model.Organization, error)
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	FindCounty(ctx context.Context, name, state string) (*model.County, error)
	GetCounty(ctx context.Context, id string) (*model.County, error)
	FindCities(ctx context.Context, name, state string) ([]model.City, error)
	GetCity(ctx context.Context, id string) (*model.City, error)
	FindCommunity(ctx context.Context, name string) (*model.Community, error)
	GetCommunity(ctx context.Context, id string) (*model.Community, error)
	FindSubdivisions(ctx context.Context, name string) ([]model.Subdivision, error)
	FindProgram(ctx context.Context, key string) (*model.Program, error)
	ListQuestions(ctx context.Context, programID string) ([]model.Question, error)
	FindFloorplan(ctx context.Context, name, ownerID string) (*model.Floorplan, error)
}

// Level selects which geographic area a GeographicArea request names.
type Level string

// Geographic levels.
const (
	LevelCity        Level = "city"
	LevelCounty      Level = "county"
	LevelCommunity   Level = "community"
	LevelSubdivision Level = "subdivision"
)

// Request describes one field to resolve.
type Request struct {
	Kind  model.RefKind
	Level Level
	Text  string
	// Row addresses the diagnostic attached to a missing reference.
	Row int
	// Column names the source column in diagnostics.
	Column string
	// State narrows city and county lookups.
	State string
	// OrgType narrows organization lookups; empty means builder.
	OrgType string
	// BuilderID disambiguates subdivisions and owns floorplans.
	BuilderID string
	// IgnoreMissing suppresses the not-found diagnostic; the caller intends
	// to create the entity.
	IgnoreMissing bool
}

// Resolver resolves references against a Lookup, caching positive and
// negative lookups for the life of one run.
type Resolver struct {
	lk        Lookup
	cache     map[string]model.Entity
	questions map[string][]model.Question
	log       *zap.Logger
}

// New creates a Resolver.
func New(lk Lookup) *Resolver {
	return &Resolver{
		lk:        lk,
		cache:     make(map[string]model.Entity),
		questions: make(map[string][]model.Question),
		log:       zap.L(),
	}
}

// WithLogger sets the logger used for lookup failures.
func (r *Resolver) WithLogger(log *zap.Logger) *Resolver {
	r.log = log
	return r
}

// Resolve dispatches on req.Kind.
func (r *Resolver) Resolve(ctx context.Context, req Request) model.Reference {
	switch req.Kind {
	case model.RefOrganization:
		return r.Organization(ctx, req)
	case model.RefGeographicArea:
		return r.Area(ctx, req)
	case model.RefProgram:
		return r.Program(ctx, req)
	case model.RefFloorplan:
		return r.Floorplan(ctx, req)
	case model.RefConstructionStage:
		return Stage(req.Row, req.Text)
	case model.RefConstructionDate:
		return Date(req.Row, req.Column, req.Text)
	default:
		return model.MissingRef(req.Kind, model.Errorf(req.Row, model.CodeInvalidValue, "cannot resolve %s", req.Kind))
	}
}

// Organization resolves an organization by name and type.
func (r *Resolver) Organization(ctx context.Context, req Request) model.Reference {
	orgType := req.OrgType
	if orgType == "" {
		orgType = model.OrgTypeBuilder
	}
	return r.cached(req, key("org", orgType, req.Text), func() (model.Entity, error) {
		o, err := r.lk.FindOrganization(ctx, req.Text, orgType)
		if o == nil {
			return nil, err
		}
		return o, err
	})
}

// Area resolves a city, county, community or subdivision.
func (r *Resolver) Area(ctx context.Context, req Request) model.Reference {
	switch req.Level {
	case LevelCity:
		return r.cached(req, key("city", req.State, req.Text), func() (model.Entity, error) {
			return r.city(ctx, req)
		})
	case LevelCounty:
		return r.cached(req, key("county", req.State, req.Text), func() (model.Entity, error) {
			c, err := r.lk.FindCounty(ctx, req.Text, req.State)
			if c == nil {
				return nil, err
			}
			return c, err
		})
	case LevelCommunity:
		return r.cached(req, key("community", req.Text), func() (model.Entity, error) {
			c, err := r.lk.FindCommunity(ctx, req.Text)
			if c == nil {
				return nil, err
			}
			return c, err
		})
	case LevelSubdivision:
		return r.cached(req, key("subdivision", req.BuilderID, req.Text), func() (model.Entity, error) {
			return r.subdivision(ctx, req)
		})
	default:
		return model.MissingRef(req.Kind, model.Errorf(req.Row, model.CodeInvalidValue, "unknown geographic level %q", req.Level))
	}
}

// city picks the single city matching name and state. A name shared by
// cities in different states without a state to tell them apart is
// treated as not found.
func (r *Resolver) city(ctx context.Context, req Request) (model.Entity, error) {
	cities, err := r.lk.FindCities(ctx, req.Text, req.State)
	if err != nil {
		return nil, err
	}
	if len(cities) != 1 {
		return nil, nil
	}
	c := cities[0]
	return &c, nil
}

// subdivision prefers the subdivision owned by req.BuilderID. Without a
// builder, a name must be unique.
func (r *Resolver) subdivision(ctx context.Context, req Request) (model.Entity, error) {
	subs, err := r.lk.FindSubdivisions(ctx, req.Text)
	if err != nil {
		return nil, err
	}
	if req.BuilderID != "" {
		for i := range subs {
			if subs[i].BuilderID == req.BuilderID {
				return &subs[i], nil
			}
		}
	}
	if len(subs) == 1 {
		return &subs[0], nil
	}
	return nil, nil
}

// Program resolves a program by slug or name.
func (r *Resolver) Program(ctx context.Context, req Request) model.Reference {
	return r.cached(req, key("program", req.Text), func() (model.Entity, error) {
		p, err := r.lk.FindProgram(ctx, req.Text)
		if p == nil {
			return nil, err
		}
		return p, err
	})
}

// Floorplan resolves a floorplan owned by req.BuilderID.
func (r *Resolver) Floorplan(ctx context.Context, req Request) model.Reference {
	return r.cached(req, key("floorplan", req.BuilderID, req.Text), func() (model.Entity, error) {
		f, err := r.lk.FindFloorplan(ctx, req.Text, req.BuilderID)
		if f == nil {
			return nil, err
		}
		return f, err
	})
}

// Questions returns a program's checklist, cached per run.
func (r *Resolver) Questions(ctx context.Context, programID string) ([]model.Question, error) {
	if qs, ok := r.questions[programID]; ok {
		return qs, nil
	}
	qs, err := r.lk.ListQuestions(ctx, programID)
	if err != nil {
		return nil, err
	}
	r.questions[programID] = qs
	return qs, nil
}

// Builder returns an organization by id. It is used when a subdivision
// implies the builder.
func (r *Resolver) Builder(ctx context.Context, id string) (*model.Organization, error) {
	if e, ok := r.cache[key("org#", id)]; ok {
		o, _ := e.(*model.Organization)
		return o, nil
	}
	o, err := r.lk.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache[key("org#", id)] = o
	return o, nil
}

// City returns a city by id. It is used to back-fill geography.
func (r *Resolver) City(ctx context.Context, id string) (*model.City, error) {
	if e, ok := r.cache[key("city#", id)]; ok {
		c, _ := e.(*model.City)
		return c, nil
	}
	c, err := r.lk.GetCity(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache[key("city#", id)] = c
	return c, nil
}

// County returns a county by id.
func (r *Resolver) County(ctx context.Context, id string) (*model.County, error) {
	if e, ok := r.cache[key("county#", id)]; ok {
		c, _ := e.(*model.County)
		return c, nil
	}
	c, err := r.lk.GetCounty(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache[key("county#", id)] = c
	return c, nil
}

// Community returns a community by id.
func (r *Resolver) Community(ctx context.Context, id string) (*model.Community, error) {
	if e, ok := r.cache[key("community#", id)]; ok {
		c, _ := e.(*model.Community)
		return c, nil
	}
	c, err := r.lk.GetCommunity(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache[key("community#", id)] = c
	return c, nil
}

// Forget drops cached negative lookups so entities created mid-run become
// visible.
func (r *Resolver) Forget() {
	for k, v := range r.cache {
		if v == nil {
			delete(r.cache, k)
		}
	}
}

func (r *Resolver) cached(req Request, k string, find func() (model.Entity, error)) model.Reference {
	e, ok := r.cache[k]
	if !ok {
		var err error
		e, err = find()
		if err != nil {
			r.log.Warn("resolve: lookup failed",
				zap.String("kind", string(req.Kind)),
				zap.String("text", req.Text),
				zap.Int("row", req.Row),
				zap.Error(err),
			)
			return model.MissingRef(req.Kind, model.Errorf(req.Row, model.CodeLookupFailed,
				"%s %q could not be looked up: %v", label(req), req.Text, err))
		}
		r.cache[k] = e
	}
	if e != nil {
		return model.Found(req.Kind, e)
	}
	if req.IgnoreMissing {
		return model.MissingRef(req.Kind, nil)
	}
	return model.MissingRef(req.Kind, model.Errorf(req.Row, model.CodeNotFound, "%s %q not found", label(req), req.Text))
}

func label(req Request) string {
	if req.Column != "" {
		return strings.ReplaceAll(req.Column, "_", " ")
	}
	if req.Level != "" {
		return string(req.Level)
	}
	return strings.ReplaceAll(string(req.Kind), "_", " ")
}

func key(parts ...string) string {
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, "\x1f")
}
