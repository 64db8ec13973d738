// Package registry loads reference data and mapping tables from YAML and
// seeds them into the store.
package registry

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/store"
)

// Reference is a YAML document of reference entities. Entities point at one
// another by name; Seed resolves those names in dependency order.
type Reference struct {
	Organizations []OrganizationDef `yaml:"organizations"`
	Metros        []string          `yaml:"metros"`
	Counties      []CountyDef       `yaml:"counties"`
	Cities        []CityDef         `yaml:"cities"`
	Communities   []CommunityDef    `yaml:"communities"`
	Subdivisions  []SubdivisionDef  `yaml:"subdivisions"`
	Programs      []ProgramDef      `yaml:"programs"`
	Floorplans    []FloorplanDef    `yaml:"floorplans"`
}

// OrganizationDef declares an organization.
type OrganizationDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// CountyDef declares a county and its optional metro area.
type CountyDef struct {
	Name  string `yaml:"name"`
	State string `yaml:"state"`
	Metro string `yaml:"metro"`
}

// CityDef declares a city inside a county.
type CityDef struct {
	Name   string `yaml:"name"`
	State  string `yaml:"state"`
	County string `yaml:"county"`
}

// CommunityDef declares a community inside a city.
type CommunityDef struct {
	Name  string `yaml:"name"`
	City  string `yaml:"city"`
	State string `yaml:"state"`
}

// SubdivisionDef declares a builder's subdivision.
type SubdivisionDef struct {
	Name      string `yaml:"name"`
	Builder   string `yaml:"builder"`
	Community string `yaml:"community"`
	City      string `yaml:"city"`
	State     string `yaml:"state"`
}

// ProgramDef declares a program and its checklist.
type ProgramDef struct {
	Slug              string        `yaml:"slug"`
	Name              string        `yaml:"name"`
	StartDate         *time.Time    `yaml:"start_date"`
	CloseDate         *time.Time    `yaml:"close_date"`
	RequiresQA        bool          `yaml:"requires_qa"`
	RequiresFloorplan bool          `yaml:"requires_floorplan"`
	Questions         []QuestionDef `yaml:"questions"`
}

// QuestionDef declares a checklist question.
type QuestionDef struct {
	Slug     string         `yaml:"slug"`
	Text     string         `yaml:"text"`
	Required bool           `yaml:"required"`
	Choices  []model.Choice `yaml:"choices"`
}

// FloorplanDef declares a floorplan owned by an organization.
type FloorplanDef struct {
	Name  string `yaml:"name"`
	Owner string `yaml:"owner"`
}

// SeedResult counts the entities Seed created, keyed by entity kind.
// Entities that already existed are not counted.
type SeedResult struct {
	Created map[string]int `json:"created"`
}

// Total returns the number of entities created.
func (r SeedResult) Total() int {
	n := 0
	for _, v := range r.Created {
		n += v
	}
	return n
}

// Kinds returns the created entity kinds in sorted order.
func (r SeedResult) Kinds() []string {
	kinds := make([]string, 0, len(r.Created))
	for k := range r.Created {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// LoadReference reads a reference document from a YAML file.
func LoadReference(path string) (*Reference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read reference file")
	}
	return ParseReference(data)
}

// ParseReference decodes a reference document.
func ParseReference(data []byte) (*Reference, error) {
	var ref Reference
	if err := yaml.Unmarshal(data, &ref); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal reference")
	}
	for _, p := range ref.Programs {
		if strings.TrimSpace(p.Slug) == "" {
			return nil, eris.Errorf("registry: program %q has no slug", p.Name)
		}
	}
	// Stores compare states exactly.
	for i := range ref.Counties {
		ref.Counties[i].State = strings.ToUpper(strings.TrimSpace(ref.Counties[i].State))
	}
	for i := range ref.Cities {
		ref.Cities[i].State = strings.ToUpper(strings.TrimSpace(ref.Cities[i].State))
	}
	for i := range ref.Communities {
		ref.Communities[i].State = strings.ToUpper(strings.TrimSpace(ref.Communities[i].State))
	}
	for i := range ref.Subdivisions {
		ref.Subdivisions[i].State = strings.ToUpper(strings.TrimSpace(ref.Subdivisions[i].State))
	}
	return &ref, nil
}

// seeder carries the ids resolved so far so later sections can refer to
// earlier ones by name.
type seeder struct {
	st     store.ReferenceStore
	result SeedResult
	orgs   map[string]string
	metros map[string]string
}

func (s *seeder) created(kind string) {
	s.result.Created[kind]++
}

// Seed writes ref into st, creating only what does not already exist.
// Running it twice with the same document creates nothing the second time.
func Seed(ctx context.Context, st store.ReferenceStore, ref *Reference) (SeedResult, error) {
	s := &seeder{
		st:     st,
		result: SeedResult{Created: make(map[string]int)},
		orgs:   make(map[string]string),
		metros: make(map[string]string),
	}
	if ref == nil {
		return s.result, nil
	}

	steps := []func(context.Context, *Reference) error{
		s.seedOrganizations,
		s.seedMetros,
		s.seedCounties,
		s.seedCities,
		s.seedCommunities,
		s.seedSubdivisions,
		s.seedPrograms,
		s.seedFloorplans,
	}
	for _, step := range steps {
		if err := step(ctx, ref); err != nil {
			return s.result, err
		}
	}

	zap.L().Info("registry: seed complete",
		zap.Int("created", s.result.Total()),
		zap.Strings("kinds", s.result.Kinds()),
	)
	return s.result, nil
}

func (s *seeder) seedOrganizations(ctx context.Context, ref *Reference) error {
	for _, def := range ref.Organizations {
		orgType := def.Type
		if orgType == "" {
			orgType = model.OrgTypeBuilder
		}
		org, err := s.st.FindOrganization(ctx, def.Name, orgType)
		if err != nil {
			return eris.Wrapf(err, "registry: find organization %s", def.Name)
		}
		if org == nil {
			org = &model.Organization{Name: def.Name, Type: orgType}
			if err := s.st.CreateOrganization(ctx, org); err != nil {
				return eris.Wrapf(err, "registry: create organization %s", def.Name)
			}
			s.created("organization")
		}
		s.orgs[strings.ToLower(def.Name)] = org.ID
	}
	return nil
}

// builder resolves a builder name from the document or the store.
func (s *seeder) builder(ctx context.Context, name string) (string, error) {
	if id, ok := s.orgs[strings.ToLower(name)]; ok {
		return id, nil
	}
	org, err := s.st.FindOrganization(ctx, name, model.OrgTypeBuilder)
	if err != nil {
		return "", eris.Wrapf(err, "registry: find organization %s", name)
	}
	if org == nil {
		return "", eris.Errorf("registry: unknown builder %q", name)
	}
	s.orgs[strings.ToLower(name)] = org.ID
	return org.ID, nil
}

func (s *seeder) seedMetros(ctx context.Context, ref *Reference) error {
	names := append([]string(nil), ref.Metros...)
	for _, c := range ref.Counties {
		if c.Metro != "" {
			names = append(names, c.Metro)
		}
	}
	for _, name := range names {
		if _, ok := s.metros[strings.ToLower(name)]; ok {
			continue
		}
		m, err := s.st.FindMetro(ctx, name)
		if err != nil {
			return eris.Wrapf(err, "registry: find metro %s", name)
		}
		if m == nil {
			m = &model.MetroArea{Name: name}
			if err := s.st.CreateMetro(ctx, m); err != nil {
				return eris.Wrapf(err, "registry: create metro %s", name)
			}
			s.created("metro")
		}
		s.metros[strings.ToLower(name)] = m.ID
	}
	return nil
}

func (s *seeder) seedCounties(ctx context.Context, ref *Reference) error {
	for _, def := range ref.Counties {
		c, err := s.st.FindCounty(ctx, def.Name, def.State)
		if err != nil {
			return eris.Wrapf(err, "registry: find county %s", def.Name)
		}
		if c != nil {
			continue
		}
		c = &model.County{
			Name:    def.Name,
			State:   def.State,
			MetroID: s.metros[strings.ToLower(def.Metro)],
		}
		if err := s.st.CreateCounty(ctx, c); err != nil {
			return eris.Wrapf(err, "registry: create county %s", def.Name)
		}
		s.created("county")
	}
	return nil
}

func (s *seeder) seedCities(ctx context.Context, ref *Reference) error {
	for _, def := range ref.Cities {
		existing, err := s.st.FindCities(ctx, def.Name, def.State)
		if err != nil {
			return eris.Wrapf(err, "registry: find city %s", def.Name)
		}
		if len(existing) > 0 {
			continue
		}
		county, err := s.st.FindCounty(ctx, def.County, def.State)
		if err != nil {
			return eris.Wrapf(err, "registry: find county %s", def.County)
		}
		if county == nil {
			return eris.Errorf("registry: city %s references unknown county %q", def.Name, def.County)
		}
		c := &model.City{Name: def.Name, State: def.State, CountyID: county.ID}
		if err := s.st.CreateCity(ctx, c); err != nil {
			return eris.Wrapf(err, "registry: create city %s", def.Name)
		}
		s.created("city")
	}
	return nil
}

// city returns the id of the single city matching name and state.
func (s *seeder) city(ctx context.Context, name, state string) (string, error) {
	if name == "" {
		return "", nil
	}
	cities, err := s.st.FindCities(ctx, name, state)
	if err != nil {
		return "", eris.Wrapf(err, "registry: find city %s", name)
	}
	switch len(cities) {
	case 0:
		return "", eris.Errorf("registry: unknown city %q", name)
	case 1:
		return cities[0].ID, nil
	default:
		return "", eris.Errorf("registry: city %q is ambiguous, give a state", name)
	}
}

func (s *seeder) seedCommunities(ctx context.Context, ref *Reference) error {
	for _, def := range ref.Communities {
		c, err := s.st.FindCommunity(ctx, def.Name)
		if err != nil {
			return eris.Wrapf(err, "registry: find community %s", def.Name)
		}
		if c != nil {
			continue
		}
		cityID, err := s.city(ctx, def.City, def.State)
		if err != nil {
			return err
		}
		c = &model.Community{Name: def.Name, CityID: cityID}
		if err := s.st.CreateCommunity(ctx, c); err != nil {
			return eris.Wrapf(err, "registry: create community %s", def.Name)
		}
		s.created("community")
	}
	return nil
}

func (s *seeder) seedSubdivisions(ctx context.Context, ref *Reference) error {
	for _, def := range ref.Subdivisions {
		builderID, err := s.builder(ctx, def.Builder)
		if err != nil {
			return err
		}
		existing, err := s.st.FindSubdivisions(ctx, def.Name)
		if err != nil {
			return eris.Wrapf(err, "registry: find subdivision %s", def.Name)
		}
		found := false
		for _, sub := range existing {
			if sub.BuilderID == builderID {
				found = true
				break
			}
		}
		if found {
			continue
		}

		sub := &model.Subdivision{Name: def.Name, BuilderID: builderID}
		if def.Community != "" {
			comm, err := s.st.FindCommunity(ctx, def.Community)
			if err != nil {
				return eris.Wrapf(err, "registry: find community %s", def.Community)
			}
			if comm == nil {
				return eris.Errorf("registry: subdivision %s references unknown community %q", def.Name, def.Community)
			}
			sub.CommunityID = comm.ID
			sub.CityID = comm.CityID
		}
		if def.City != "" {
			if sub.CityID, err = s.city(ctx, def.City, def.State); err != nil {
				return err
			}
		}
		if err := s.st.CreateSubdivision(ctx, sub); err != nil {
			return eris.Wrapf(err, "registry: create subdivision %s", def.Name)
		}
		s.created("subdivision")
	}
	return nil
}

func (s *seeder) seedPrograms(ctx context.Context, ref *Reference) error {
	for _, def := range ref.Programs {
		p, err := s.st.FindProgram(ctx, def.Slug)
		if err != nil {
			return eris.Wrapf(err, "registry: find program %s", def.Slug)
		}
		if p == nil {
			name := def.Name
			if name == "" {
				name = def.Slug
			}
			p = &model.Program{
				Slug:              def.Slug,
				Name:              name,
				StartDate:         def.StartDate,
				CloseDate:         def.CloseDate,
				RequiresQA:        def.RequiresQA,
				RequiresFloorplan: def.RequiresFloorplan,
			}
			if err := s.st.CreateProgram(ctx, p); err != nil {
				return eris.Wrapf(err, "registry: create program %s", def.Slug)
			}
			s.created("program")
		}

		questions, err := s.st.ListQuestions(ctx, p.ID)
		if err != nil {
			return eris.Wrapf(err, "registry: list questions for %s", def.Slug)
		}
		have := make(map[string]bool, len(questions))
		for _, q := range questions {
			have[strings.ToLower(q.Slug)] = true
		}
		for _, qd := range def.Questions {
			if have[strings.ToLower(qd.Slug)] {
				continue
			}
			q := &model.Question{
				ProgramID: p.ID,
				Slug:      qd.Slug,
				Text:      qd.Text,
				Required:  qd.Required,
				Choices:   qd.Choices,
			}
			if err := s.st.CreateQuestion(ctx, q); err != nil {
				return eris.Wrapf(err, "registry: create question %s", qd.Slug)
			}
			s.created("question")
		}
	}
	return nil
}

func (s *seeder) seedFloorplans(ctx context.Context, ref *Reference) error {
	for _, def := range ref.Floorplans {
		ownerID, err := s.builder(ctx, def.Owner)
		if err != nil {
			return err
		}
		f, err := s.st.FindFloorplan(ctx, def.Name, ownerID)
		if err != nil {
			return eris.Wrapf(err, "registry: find floorplan %s", def.Name)
		}
		if f != nil {
			continue
		}
		if err := s.st.CreateFloorplan(ctx, &model.Floorplan{Name: def.Name, OwnerID: ownerID}); err != nil {
			return eris.Wrapf(err, "registry: create floorplan %s", def.Name)
		}
		s.created("floorplan")
	}
	return nil
}
