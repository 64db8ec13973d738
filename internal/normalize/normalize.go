// Package normalize turns raw spreadsheet rows into canonical field maps
// using an explicit header-equivalence table.
package normalize

import (
	"sort"
	"strings"

	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/sheet"
)

type columnKind int

const (
	colIgnored columnKind = iota
	colCanonical
	colQuestion
	colAnnotation
)

type column struct {
	kind columnKind
	name string
}

// DeprecatedHeader records a column that matched a deprecated spelling.
type DeprecatedHeader struct {
	Header    string
	Canonical string
}

// AmbiguousHeader records a column ignored because an earlier column
// already maps to the same canonical column.
type AmbiguousHeader struct {
	Header    string
	Kept      string
	Canonical string
}

// Normalizer maps the cells of each data row onto canonical names. It is
// built once per file from the header row.
type Normalizer struct {
	columns []column
	// Missing lists required canonical columns absent from the header.
	Missing []string
	// Deprecated lists columns that matched deprecated spellings.
	Deprecated []DeprecatedHeader
	// Ambiguous lists columns ignored in favour of the first column with
	// the same canonical name.
	Ambiguous []AmbiguousHeader
}

// New builds a Normalizer for header. It fails only when the header is
// empty. Missing required columns and ambiguous columns are reported through
// Missing and Ambiguous so that the run can surface them.
func New(header []string, hm HeaderMap) (*Normalizer, error) {
	if len(header) == 0 {
		return nil, sheet.ErrNoHeader
	}

	idx := hm.index()
	n := &Normalizer{columns: make([]column, len(header))}
	seen := make(map[string]string)

	for i, raw := range header {
		h := Header(raw)
		switch {
		case h == "":
			n.columns[i] = column{kind: colIgnored}
		case strings.HasPrefix(h, model.AnnotationPrefix):
			typ := strings.TrimSpace(strings.TrimPrefix(h, model.AnnotationPrefix))
			if typ == "" {
				n.columns[i] = column{kind: colIgnored}
				continue
			}
			n.columns[i] = column{kind: colAnnotation, name: typ}
		default:
			target, ok := idx[h]
			if !ok {
				n.columns[i] = column{kind: colQuestion, name: h}
				continue
			}
			if prev, dup := seen[target.canonical]; dup {
				n.Ambiguous = append(n.Ambiguous, AmbiguousHeader{Header: raw, Kept: prev, Canonical: target.canonical})
				n.columns[i] = column{kind: colIgnored}
				continue
			}
			seen[target.canonical] = raw
			n.columns[i] = column{kind: colCanonical, name: target.canonical}
			if target.deprecated {
				n.Deprecated = append(n.Deprecated, DeprecatedHeader{Header: raw, Canonical: target.canonical})
			}
		}
	}

	for _, req := range model.RequiredColumns {
		if _, ok := seen[req]; !ok {
			n.Missing = append(n.Missing, req)
		}
	}
	// Builder or subdivision must be present, either satisfies the requirement.
	_, hasBuilder := seen[model.ColBuilder]
	_, hasSubdivision := seen[model.ColSubdivision]
	if !hasBuilder && !hasSubdivision {
		n.Missing = append(n.Missing, model.ColBuilder+"|"+model.ColSubdivision)
	}
	sort.Strings(n.Missing)

	return n, nil
}

// Row normalises the cells of the data row at zero-based index i. Cells
// beyond the header are ignored; missing trailing cells read as blank.
func (n *Normalizer) Row(i int, cells []string) model.Row {
	row := model.Row{
		Ordinal: i + 2,
		Fields:  make(map[string]string),
	}
	for j, col := range n.columns {
		if j >= len(cells) {
			break
		}
		v := strings.TrimSpace(cells[j])
		if v == "" {
			continue
		}
		switch col.kind {
		case colCanonical:
			row.Fields[col.name] = v
		case colQuestion:
			if row.Questions == nil {
				row.Questions = make(map[string][]string)
			}
			row.Questions[col.name] = append(row.Questions[col.name], v)
		case colAnnotation:
			if row.Annotations == nil {
				row.Annotations = make(map[string]string)
			}
			row.Annotations[col.name] = v
		}
	}
	return row
}

// Rows normalises every data row of sh, skipping fully blank rows.
func (n *Normalizer) Rows(sh *sheet.Sheet) []model.Row {
	rows := make([]model.Row, 0, len(sh.Rows))
	for i, cells := range sh.Rows {
		row := n.Row(i, cells)
		if len(row.Fields) == 0 && len(row.Questions) == 0 && len(row.Annotations) == 0 {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// Normalize is the single-row form: it builds a Normalizer for header and
// normalises raw as the first data row.
func Normalize(header, raw []string, hm HeaderMap) (model.Row, error) {
	n, err := New(header, hm)
	if err != nil {
		return model.Row{}, err
	}
	return n.Row(0, raw), nil
}
