package normalize

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/homecert/internal/model"
)

// HeaderMap is the explicit header-equivalence table: canonical column name
// to the header spellings that map onto it.
type HeaderMap struct {
	Aliases map[string][]string `yaml:"headers"`
	// Deprecated spellings still map but produce a warning.
	Deprecated map[string][]string `yaml:"deprecated"`
}

// DefaultHeaderMap returns the built-in equivalence table.
func DefaultHeaderMap() HeaderMap {
	return HeaderMap{
		Aliases: map[string][]string{
			model.ColStreet:            {"street", "street address", "address", "street line 1", "street_line1"},
			model.ColCity:              {"city"},
			model.ColCounty:            {"county"},
			model.ColState:             {"state", "st"},
			model.ColZip:               {"zip", "zip code", "zipcode", "postal code"},
			model.ColBuilder:           {"builder", "builder name", "builder organization"},
			model.ColSubdivision:       {"subdivision", "subdivision name"},
			model.ColCommunity:         {"community", "community name"},
			model.ColProgram:           {"program", "program name"},
			model.ColFloorplan:         {"floorplan", "floor plan", "floorplan name"},
			model.ColStage:             {"construction stage", "stage"},
			model.ColCertificationDate: {"certification date", "cert date"},
			model.ColSampleSet:         {"sample set", "sampleset", "sample set name"},
			model.ColSampleSetRole:     {"sample set role", "role"},
			model.ColQAPassed:          {"qa passed", "qa complete"},
		},
		Deprecated: map[string][]string{
			model.ColProgram:           {"eep program"},
			model.ColCertificationDate: {"certified date"},
			model.ColSampleSet:         {"sample set id"},
		},
	}
}

// Merge overlays other onto h; aliases listed in other replace the alias
// list of the same canonical column.
func (h HeaderMap) Merge(other HeaderMap) HeaderMap {
	out := HeaderMap{
		Aliases:    make(map[string][]string, len(h.Aliases)),
		Deprecated: make(map[string][]string, len(h.Deprecated)),
	}
	for k, v := range h.Aliases {
		out.Aliases[k] = v
	}
	for k, v := range h.Deprecated {
		out.Deprecated[k] = v
	}
	for k, v := range other.Aliases {
		out.Aliases[k] = v
	}
	for k, v := range other.Deprecated {
		out.Deprecated[k] = v
	}
	return out
}

type headerTarget struct {
	canonical  string
	deprecated bool
}

// index flattens the table into normalised spelling -> canonical column.
func (h HeaderMap) index() map[string]headerTarget {
	idx := make(map[string]headerTarget)
	for canonical, aliases := range h.Deprecated {
		for _, a := range aliases {
			idx[Header(a)] = headerTarget{canonical: canonical, deprecated: true}
		}
	}
	// Current spellings win over deprecated ones.
	for canonical, aliases := range h.Aliases {
		idx[Header(canonical)] = headerTarget{canonical: canonical}
		for _, a := range aliases {
			idx[Header(a)] = headerTarget{canonical: canonical}
		}
	}
	return idx
}

// Header canonicalises a header or question label: NFKC, lower case,
// collapsed whitespace, trailing periods removed.
func Header(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimSpace(strings.TrimRight(s, "."))
}

// QuestionMap maps spreadsheet question headers onto question slugs. Keys
// are canonicalised with Header on lookup.
type QuestionMap map[string]string

// Lookup returns the question slug configured for header.
func (m QuestionMap) Lookup(header string) (string, bool) {
	if len(m) == 0 {
		return "", false
	}
	h := Header(header)
	for k, v := range m {
		if Header(k) == h {
			return v, true
		}
	}
	return "", false
}
