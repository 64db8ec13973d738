package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/sheet"
)

func TestHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Street Address", "street address"},
		{"  City  ", "city"},
		{"Zip\tCode", "zip code"},
		{"Was the home inspected?.", "was the home inspected?"},
		{"Ｃｉｔｙ", "city"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Header(tt.in))
		})
	}
}

func TestNew_CanonicalColumns(t *testing.T) {
	header := []string{"Street Address", "City", "ST", "Zip Code", "Builder Name", "Program", "note:Builder", "Insulation grade"}

	n, err := New(header, DefaultHeaderMap())
	require.NoError(t, err)
	assert.Empty(t, n.Missing)
	assert.Empty(t, n.Deprecated)

	row := n.Row(0, []string{" 1 Main St ", "Austin", "TX", "78701", "Acme Homes", "eto", "call first", "I"})
	assert.Equal(t, 2, row.Ordinal)
	assert.Equal(t, "1 Main St", row.Field(model.ColStreet))
	assert.Equal(t, "TX", row.Field(model.ColState))
	assert.Equal(t, "Acme Homes", row.Field(model.ColBuilder))
	assert.Equal(t, map[string]string{"builder": "call first"}, row.Annotations)
	assert.Equal(t, []string{"I"}, row.Questions["insulation grade"])
}

func TestNew_MissingRequired(t *testing.T) {
	n, err := New([]string{"street", "city"}, DefaultHeaderMap())
	require.NoError(t, err)
	assert.Contains(t, n.Missing, model.ColState)
	assert.Contains(t, n.Missing, model.ColZip)
	assert.Contains(t, n.Missing, model.ColProgram)
	assert.Contains(t, n.Missing, "builder|subdivision")
}

func TestNew_SubdivisionSatisfiesBuilder(t *testing.T) {
	n, err := New([]string{"street", "city", "state", "zip", "program", "subdivision"}, DefaultHeaderMap())
	require.NoError(t, err)
	assert.Empty(t, n.Missing)
}

func TestNew_Deprecated(t *testing.T) {
	n, err := New([]string{"street", "city", "state", "zip", "EEP Program", "builder"}, DefaultHeaderMap())
	require.NoError(t, err)
	require.Len(t, n.Deprecated, 1)
	assert.Equal(t, DeprecatedHeader{Header: "EEP Program", Canonical: model.ColProgram}, n.Deprecated[0])
	assert.Empty(t, n.Missing)
}

func TestNew_AmbiguousKeepsFirstColumn(t *testing.T) {
	n, err := New([]string{"Street", "Address", "City"}, DefaultHeaderMap())
	require.NoError(t, err)
	require.Len(t, n.Ambiguous, 1)
	assert.Equal(t, AmbiguousHeader{Header: "Address", Kept: "Street", Canonical: model.ColStreet}, n.Ambiguous[0])

	row := n.Row(0, []string{"1 Main St", "9 Other Rd", "Austin"})
	assert.Equal(t, "1 Main St", row.Fields[model.ColStreet])
	assert.Empty(t, row.Questions)
}

func TestNew_EmptyHeader(t *testing.T) {
	_, err := New(nil, DefaultHeaderMap())
	assert.ErrorIs(t, err, sheet.ErrNoHeader)
}

func TestRow_RepeatedQuestionColumns(t *testing.T) {
	n, err := New([]string{"street", "Duct leakage", "Duct leakage."}, DefaultHeaderMap())
	require.NoError(t, err)

	row := n.Row(3, []string{"1 Main", "fail", "pass"})
	assert.Equal(t, 5, row.Ordinal)
	assert.Equal(t, []string{"fail", "pass"}, row.Questions["duct leakage"])
}

func TestRow_ShortAndBlankCells(t *testing.T) {
	n, err := New([]string{"street", "city", "state"}, DefaultHeaderMap())
	require.NoError(t, err)

	row := n.Row(0, []string{"1 Main", "  "})
	assert.Equal(t, map[string]string{model.ColStreet: "1 Main"}, row.Fields)
	assert.Nil(t, row.Questions)
}

func TestRows_SkipsBlank(t *testing.T) {
	n, err := New([]string{"street", "city"}, DefaultHeaderMap())
	require.NoError(t, err)

	rows := n.Rows(&sheet.Sheet{
		Header: []string{"street", "city"},
		Rows:   [][]string{{"1 Main", "Austin"}, {"", ""}, {"2 Main", "Austin"}},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Ordinal)
	assert.Equal(t, 4, rows[1].Ordinal)
}

func TestMerge(t *testing.T) {
	hm := DefaultHeaderMap().Merge(HeaderMap{
		Aliases: map[string][]string{model.ColBuilder: {"contractor"}},
	})
	n, err := New([]string{"Contractor"}, hm)
	require.NoError(t, err)
	row := n.Row(0, []string{"Acme"})
	assert.Equal(t, "Acme", row.Field(model.ColBuilder))

	_, err = New([]string{"builder name"}, hm)
	require.NoError(t, err)
}

func TestNormalize(t *testing.T) {
	row, err := Normalize([]string{"City"}, []string{"Austin"}, DefaultHeaderMap())
	require.NoError(t, err)
	assert.Equal(t, "Austin", row.Field(model.ColCity))
	assert.Equal(t, 2, row.Ordinal)
}
