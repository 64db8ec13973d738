// Package testutil provides a seeded SQLite store and spreadsheet helpers
// for tests that run the pipeline stages against real persistence.
package testutil

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/normalize"
	"github.com/sells-group/homecert/internal/registry"
	"github.com/sells-group/homecert/internal/store"
)

// ReferenceYAML is the reference data every fixture store is seeded with.
const ReferenceYAML = `
organizations:
  - {name: Acme Homes, type: builder}
  - {name: Brickline Homes, type: builder}
  - {name: Bright Rating, type: rater}
counties:
  - {name: Travis, state: TX, metro: Austin Metro}
  - {name: Williamson, state: TX, metro: Austin Metro}
  - {name: Dallas, state: TX, metro: Dallas Metro}
cities:
  - {name: Austin, state: TX, county: Travis}
  - {name: Round Rock, state: TX, county: Williamson}
  - {name: Dallas, state: TX, county: Dallas}
communities:
  - {name: Mueller, city: Austin, state: TX}
subdivisions:
  - {name: Mueller East, builder: Acme Homes, community: Mueller}
  - {name: Oak Ridge, builder: Brickline Homes, city: Dallas, state: TX}
programs:
  - slug: energy-star
    name: Energy Star
    start_date: 2020-01-01
    questions:
      - slug: insulation
        text: Insulation grade
        required: true
        choices:
          - {value: Grade I}
          - {value: Grade II}
          - {value: Grade III, failing: true}
      - slug: duct-leakage
        text: Duct leakage
        required: true
        choices:
          - {value: Pass}
          - {value: Fail, failing: true}
      - slug: windows
        text: Window type
  - slug: eto
    name: Energy Trust
    requires_qa: true
    questions:
      - slug: insulation
        text: Insulation grade
        required: true
        choices:
          - {value: Grade I}
          - {value: Grade III, failing: true}
floorplans:
  - {name: Plan A, owner: Acme Homes}
`

// Header is a spreadsheet header covering the canonical columns and two
// checklist columns.
var Header = []string{
	"Street Address", "City", "State", "Zip", "Builder", "Subdivision", "Program",
	"Sample Set", "Sample Set Role", "Construction Stage", "Certification Date",
	"Insulation", "Duct Leakage", "note:Rater Notes",
}

// Cells lays out values, keyed by Header label, as one data row.
func Cells(values map[string]string) []string {
	return CellsFor(Header, values)
}

// CellsFor lays out values, keyed by column label, under header.
func CellsFor(header []string, values map[string]string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = values[h]
	}
	return out
}

// HomeValues returns the values of a clean, ungrouped Acme row in Austin
// with overrides applied.
func HomeValues(street string, overrides map[string]string) map[string]string {
	values := map[string]string{
		"Street Address": street,
		"City":           "Austin",
		"State":          "TX",
		"Zip":            "78701",
		"Builder":        "Acme Homes",
		"Program":        "energy-star",
	}
	for k, v := range overrides {
		values[k] = v
	}
	return values
}

// Home returns the cells of HomeValues under Header.
func Home(street string, overrides map[string]string) []string {
	return Cells(HomeValues(street, overrides))
}

// Fixture is a migrated, seeded store plus the ids tests refer to.
type Fixture struct {
	Store *store.SQLiteStore

	Acme        *model.Organization
	Brick       *model.Organization
	Austin      *model.City
	Dallas      *model.City
	Mueller     *model.Subdivision
	OakRidge    *model.Subdivision
	EnergyStar  *model.Program
	ETO         *model.Program
	Questions   map[string]model.Question
	ETOQuestion map[string]model.Question
}

// NewStore opens a migrated SQLite store in a temporary directory.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "homecert.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// NewFixture returns a store seeded with ReferenceYAML.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	ctx := context.Background()
	st := NewStore(t)

	ref, err := registry.ParseReference([]byte(ReferenceYAML))
	require.NoError(t, err)
	_, err = registry.Seed(ctx, st, ref)
	require.NoError(t, err)

	f := &Fixture{Store: st}
	f.Acme = mustOrg(t, st, "Acme Homes")
	f.Brick = mustOrg(t, st, "Brickline Homes")
	f.Austin = mustCity(t, st, "Austin")
	f.Dallas = mustCity(t, st, "Dallas")
	f.Mueller = mustSubdivision(t, st, "Mueller East")
	f.OakRidge = mustSubdivision(t, st, "Oak Ridge")
	f.EnergyStar = mustProgram(t, st, "energy-star")
	f.ETO = mustProgram(t, st, "eto")
	f.Questions = questionsBySlug(t, st, f.EnergyStar.ID)
	f.ETOQuestion = questionsBySlug(t, st, f.ETO.ID)
	return f
}

// Certify seeds a certified home at street in Austin for program.
func (f *Fixture) Certify(t *testing.T, street string, program *model.Program, on time.Time) (*model.Home, *model.HomeStatus) {
	t.Helper()
	ctx := context.Background()
	h := &model.Home{
		Address:   model.Address{Street: street, City: "Austin", State: "TX", Zip: "78701"},
		CityID:    f.Austin.ID,
		BuilderID: f.Acme.ID,
	}
	require.NoError(t, f.Store.CreateHome(ctx, h))
	hs := &model.HomeStatus{HomeID: h.ID, ProgramID: program.ID, State: model.StateCertificationPending}
	require.NoError(t, f.Store.CreateHomeStatus(ctx, hs))
	n, err := f.Store.CertifyHomeStatuses(ctx, []string{hs.ID}, on)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	hs, err = f.Store.GetHomeStatusByID(ctx, hs.ID)
	require.NoError(t, err)
	return h, hs
}

// Rows normalises data rows under header with the default header map.
func Rows(t *testing.T, header []string, data ...[]string) []model.Row {
	t.Helper()
	n, err := normalize.New(header, normalize.DefaultHeaderMap())
	require.NoError(t, err)
	rows := make([]model.Row, 0, len(data))
	for i, cells := range data {
		rows = append(rows, n.Row(i, cells))
	}
	return rows
}

// WriteCSV writes header and data to a CSV file and returns its path.
func WriteCSV(t *testing.T, header []string, data ...[]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "homes.csv")
	fh, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(fh)
	require.NoError(t, w.Write(header))
	require.NoError(t, w.WriteAll(data))
	require.NoError(t, fh.Close())
	return path
}

// WriteXLSX writes header and data to the first sheet of an .xlsx file and
// returns its path.
func WriteXLSX(t *testing.T, header []string, data ...[]string) string {
	t.Helper()
	f := xlsx.NewFile()
	ws, err := f.AddSheet("Homes")
	require.NoError(t, err)
	for _, cells := range append([][]string{header}, data...) {
		row := ws.AddRow()
		for _, v := range cells {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "homes.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func mustOrg(t *testing.T, st store.Store, name string) *model.Organization {
	t.Helper()
	o, err := st.FindOrganization(context.Background(), name, model.OrgTypeBuilder)
	require.NoError(t, err)
	require.NotNil(t, o, name)
	return o
}

func mustCity(t *testing.T, st store.Store, name string) *model.City {
	t.Helper()
	cs, err := st.FindCities(context.Background(), name, "TX")
	require.NoError(t, err)
	require.Len(t, cs, 1, name)
	return &cs[0]
}

func mustSubdivision(t *testing.T, st store.Store, name string) *model.Subdivision {
	t.Helper()
	subs, err := st.FindSubdivisions(context.Background(), name)
	require.NoError(t, err)
	require.Len(t, subs, 1, name)
	return &subs[0]
}

func mustProgram(t *testing.T, st store.Store, slug string) *model.Program {
	t.Helper()
	p, err := st.FindProgram(context.Background(), slug)
	require.NoError(t, err)
	require.NotNil(t, p, slug)
	return p
}

func questionsBySlug(t *testing.T, st store.Store, programID string) map[string]model.Question {
	t.Helper()
	qs, err := st.ListQuestions(context.Background(), programID)
	require.NoError(t, err)
	out := make(map[string]model.Question, len(qs))
	for _, q := range qs {
		out[q.Slug] = q
	}
	return out
}
