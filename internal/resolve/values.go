package resolve

import (
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/homecert/internal/model"
)

var stageAliases = map[string]model.ConstructionStage{
	"permitted":   model.StagePermitted,
	"permit":      model.StagePermitted,
	"pre drywall": model.StagePreDrywall,
	"pre-drywall": model.StagePreDrywall,
	"predrywall":  model.StagePreDrywall,
	"pre_drywall": model.StagePreDrywall,
	"completed":   model.StageCompleted,
	"complete":    model.StageCompleted,
	"abandoned":   model.StageAbandoned,
}

// Stage parses a construction stage.
func Stage(row int, text string) model.Reference {
	s := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if stage, ok := stageAliases[s]; ok {
		return model.Found(model.RefConstructionStage, stage)
	}
	return model.MissingRef(model.RefConstructionStage,
		model.Errorf(row, model.CodeInvalidValue, "construction stage %q is not one of permitted, pre-drywall, completed, abandoned", text))
}

var dateLayouts = []string{
	time.DateOnly,
	"2006/01/02",
	"1/2/2006",
	"01/02/2006",
	"1/2/06",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	time.RFC3339,
	time.DateTime,
}

// excelEpoch is day zero of spreadsheet serial dates.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ParseDate parses the date spellings spreadsheets produce, including
// serial day numbers.
func ParseDate(text string) (time.Time, bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 && serial < 2958466 {
		return excelEpoch.AddDate(0, 0, int(serial)), true
	}
	return time.Time{}, false
}

// Date parses a date cell into a reference.
func Date(row int, column, text string) model.Reference {
	if t, ok := ParseDate(text); ok {
		return model.Found(model.RefConstructionDate, model.ConstructionDate{Time: t})
	}
	if column == "" {
		column = "date"
	}
	return model.MissingRef(model.RefConstructionDate,
		model.Errorf(row, model.CodeInvalidValue, "%s %q is not a date", strings.ReplaceAll(column, "_", " "), text))
}

// abbrToState maps lowercase state abbreviations to lowercase full names.
var abbrToState = map[string]string{
	"al": "alabama", "ak": "alaska", "az": "arizona", "ar": "arkansas",
	"ca": "california", "co": "colorado", "ct": "connecticut", "de": "delaware",
	"fl": "florida", "ga": "georgia", "hi": "hawaii", "id": "idaho",
	"il": "illinois", "in": "indiana", "ia": "iowa", "ks": "kansas",
	"ky": "kentucky", "la": "louisiana", "me": "maine", "md": "maryland",
	"ma": "massachusetts", "mi": "michigan", "mn": "minnesota", "ms": "mississippi",
	"mo": "missouri", "mt": "montana", "ne": "nebraska", "nv": "nevada",
	"nh": "new hampshire", "nj": "new jersey", "nm": "new mexico", "ny": "new york",
	"nc": "north carolina", "nd": "north dakota", "oh": "ohio", "ok": "oklahoma",
	"or": "oregon", "pa": "pennsylvania", "ri": "rhode island", "sc": "south carolina",
	"sd": "south dakota", "tn": "tennessee", "tx": "texas", "ut": "utah",
	"vt": "vermont", "va": "virginia", "wa": "washington", "wv": "west virginia",
	"wi": "wisconsin", "wy": "wyoming", "dc": "district of columbia",
}

// stateToAbbr maps lowercase full names to lowercase abbreviations.
var stateToAbbr = func() map[string]string {
	m := make(map[string]string, len(abbrToState))
	for abbr, full := range abbrToState {
		m[full] = abbr
	}
	return m
}()

// State normalizes a state abbreviation or full name to its upper-case
// two-letter code.
func State(text string) (string, bool) {
	lower := strings.Join(strings.Fields(strings.ToLower(strings.TrimRight(text, "."))), " ")
	if _, ok := abbrToState[lower]; ok {
		return strings.ToUpper(lower), true
	}
	if abbr, ok := stateToAbbr[lower]; ok {
		return strings.ToUpper(abbr), true
	}
	return "", false
}

// Zip normalizes a ZIP or ZIP+4 to five digits. Spreadsheets often drop the
// leading zeros of numeric ZIP cells; those are restored.
func Zip(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".0")
	if s == "" || len(s) > 5 {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return strings.Repeat("0", 5-len(s)) + s, true
}

// Bool parses yes/no style cells.
func Bool(text string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes", "true", "t", "1", "x", "passed", "pass":
		return true, true
	case "n", "no", "false", "f", "0", "failed", "fail":
		return false, true
	default:
		return false, false
	}
}
