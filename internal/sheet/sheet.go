// Package sheet reads the tabular import file (.xlsx or .csv) into a header
// row and data rows.
package sheet

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	// ErrNoHeader is returned when the file has no usable header row.
	ErrNoHeader = eris.New("sheet: no header row")
	// ErrMalformed is returned when the file cannot be parsed at all.
	ErrMalformed = eris.New("sheet: malformed file")
)

// Sheet is a parsed import file.
type Sheet struct {
	Header []string
	Rows   [][]string
}

// Options configures which worksheet of an .xlsx file is read.
type Options struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// Read parses path according to its extension.
func Read(path string, opts Options) (*Sheet, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, opts)
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "sheet: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(f)
	default:
		return nil, eris.Wrapf(ErrMalformed, "sheet: unsupported file type %q", filepath.Ext(path))
	}
}

// ReadXLSX reads one worksheet of an .xlsx file.
func ReadXLSX(path string, opts Options) (*Sheet, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(ErrMalformed, "xlsx: open %s: %v", path, err)
	}

	ws, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(ws.Rows))
	for _, row := range ws.Rows {
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		rows = append(rows, rowToStrings(row))
	}
	return build(rows)
}

// ReadCSV reads comma-separated input. A UTF-8 or UTF-16 byte order mark is
// honoured and stripped.
func ReadCSV(r io.Reader) (*Sheet, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrapf(ErrMalformed, "csv: read: %v", err)
	}
	return build(records)
}

func build(records [][]string) (*Sheet, error) {
	// Drop trailing blank rows.
	end := len(records)
	for end > 0 && blank(records[end-1]) {
		end--
	}
	records = records[:end]

	if len(records) == 0 || blank(records[0]) {
		return nil, ErrNoHeader
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}
	return &Sheet{Header: header, Rows: records[1:]}, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func getSheet(f *xlsx.File, opts Options) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		ws, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Wrapf(ErrMalformed, "xlsx: sheet %q not found", opts.SheetName)
		}
		return ws, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Wrapf(ErrMalformed, "xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
