// Package runlog is the row-scoped, append-only log of one pipeline run.
// Row 0 holds run-level entries. Every entry is mirrored to the process
// logger at the matching level.
package runlog

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/homecert/internal/model"
)

// Flags recorded on the flags side-channel.
const (
	FlagHomeCreated            = "home_created"
	FlagHomeCertified          = "home_certified"
	FlagCertifiedViaSampleSet  = "certified_via_sample_set"
	FlagSampleSetCreated       = "sample_set_created"
	FlagSubdivisionCreated     = "subdivision_created"
	FlagFloorplanCreated       = "floorplan_created"
	FlagAnswersReplaced        = "answers_replaced"
	FlagStateAdvanced          = "state_advanced"
	FlagHomeAlreadyCertified   = "home_already_certified"
	FlagSampleSetSourceOfTruth = "sample_set_source_of_truth"
)

// Link is a display reference to an entity created or touched by a row.
type Link struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Log collects diagnostics, flags and links for one run. It is safe for
// concurrent use, although the pipeline writes from a single goroutine.
type Log struct {
	mu      sync.Mutex
	runID   string
	entries []*model.Diagnostic
	flags   map[int]map[string]bool
	links   map[int][]Link
	log     *zap.Logger
}

// New creates a Log for runID.
func New(runID string) *Log {
	return &Log{
		runID: runID,
		flags: make(map[int]map[string]bool),
		links: make(map[int][]Link),
		log:   zap.L().With(zap.String("run_id", runID)),
	}
}

// RunID returns the id the log was created with.
func (l *Log) RunID() string { return l.runID }

// Add appends d and mirrors it to zap.
func (l *Log) Add(d *model.Diagnostic) {
	if d == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, d)
	l.mu.Unlock()

	fields := []zap.Field{zap.Int("row", d.Row), zap.String("code", d.Code)}
	msg := "runlog: " + d.Message
	switch d.Severity {
	case model.SeverityError:
		l.log.Error(msg, fields...)
	case model.SeverityWarning:
		l.log.Warn(msg, fields...)
	case model.SeverityInfo:
		l.log.Info(msg, fields...)
	default:
		l.log.Debug(msg, fields...)
	}
}

func (l *Log) add(row int, sev model.Severity, code string, format string, args ...any) {
	l.Add(&model.Diagnostic{
		Row:      row,
		Severity: sev,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Error records an error entry for row.
func (l *Log) Error(row int, code string, format string, args ...any) {
	l.add(row, model.SeverityError, code, format, args...)
}

// Warning records a warning entry for row.
func (l *Log) Warning(row int, code string, format string, args ...any) {
	l.add(row, model.SeverityWarning, code, format, args...)
}

// Info records an informational entry for row.
func (l *Log) Info(row int, code string, format string, args ...any) {
	l.add(row, model.SeverityInfo, code, format, args...)
}

// Debug records a debug entry for row.
func (l *Log) Debug(row int, code string, format string, args ...any) {
	l.add(row, model.SeverityDebug, code, format, args...)
}

// Flag sets a boolean flag on row.
func (l *Log) Flag(row int, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.flags[row] == nil {
		l.flags[row] = make(map[string]bool)
	}
	l.flags[row][name] = true
}

// HasFlag reports whether name was flagged on row.
func (l *Log) HasFlag(row int, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flags[row][name]
}

// Flags returns the sorted flag names set on row.
func (l *Log) Flags(row int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.flags[row]))
	for name, set := range l.flags[row] {
		if set {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Link records a display reference for row.
func (l *Log) Link(row int, kind, id, label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.links[row] = append(l.links[row], Link{Kind: kind, ID: id, Label: label})
}

// Links returns the links recorded for row.
func (l *Log) Links(row int) []Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Link(nil), l.links[row]...)
}

// ErrorCount returns the number of live error entries across all rows.
func (l *Log) ErrorCount() int {
	return l.count(func(d *model.Diagnostic) bool { return d.Severity == model.SeverityError })
}

// WarningCount returns the number of live warning entries across all rows.
func (l *Log) WarningCount() int {
	return l.count(func(d *model.Diagnostic) bool { return d.Severity == model.SeverityWarning })
}

// RowErrorCount returns the number of live error entries for row.
func (l *Log) RowErrorCount(row int) int {
	return l.count(func(d *model.Diagnostic) bool {
		return d.Row == row && d.Severity == model.SeverityError
	})
}

func (l *Log) count(match func(*model.Diagnostic) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, d := range l.entries {
		if !d.Superseded && match(d) {
			n++
		}
	}
	return n
}

// Entries returns the live entries for row in insertion order.
func (l *Log) Entries(row int) []model.Diagnostic {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Diagnostic
	for _, d := range l.entries {
		if d.Row == row && !d.Superseded {
			out = append(out, *d)
		}
	}
	return out
}

// All returns every live entry in insertion order.
func (l *Log) All() []model.Diagnostic {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Diagnostic, 0, len(l.entries))
	for _, d := range l.entries {
		if !d.Superseded {
			out = append(out, *d)
		}
	}
	return out
}

// HasCode reports whether row carries a live entry with code.
func (l *Log) HasCode(row int, code string) bool {
	return l.count(func(d *model.Diagnostic) bool { return d.Row == row && d.Code == code }) > 0
}

// Supersede retires the live entries for row with code and returns how many
// were retired. Superseded entries stay in the log but no longer count.
func (l *Log) Supersede(row int, code string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, d := range l.entries {
		if d.Row == row && d.Code == code && !d.Superseded {
			d.Superseded = true
			n++
		}
	}
	if n > 0 {
		l.log.Debug("runlog: superseded entries", zap.Int("row", row), zap.String("code", code), zap.Int("count", n))
	}
	return n
}
