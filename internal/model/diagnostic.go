package model

import "fmt"

// Severity orders run log entries.
type Severity string

// Severities, most to least serious.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityDebug   Severity = "debug"
)

// Diagnostic codes. Codes are stable so that callers can group and filter.
const (
	CodeMalformedFile           = "malformed_file"
	CodeMissingColumn           = "missing_column"
	CodeAmbiguousColumn         = "ambiguous_column"
	CodeMissingValue            = "missing_value"
	CodeDeprecatedColumn        = "deprecated_column"
	CodeNotFound                = "not_found"
	CodeLookupFailed            = "lookup_failed"
	CodeInvalidValue            = "invalid_value"
	CodeBuilderConflict         = "builder_conflict"
	CodeNoBuilder               = "no_builder_or_subdivision"
	CodeNoState                 = "no_state"
	CodeUnknownQuestion         = "unknown_question"
	CodeInvalidAnswer           = "invalid_answer"
	CodeDuplicateFailing        = "duplicate_failing_answer"
	CodeDuplicatePassing        = "duplicate_passing_answer"
	CodeMissingRequirement      = "missing_requirement"
	CodeIncompatibleSubdivision = "incompatible_subdivision"
	CodeIncompatibleBuilder     = "incompatible_builder"
	CodeIncompatibleMetro       = "incompatible_metro"
	CodeGroupCapacity           = "sample_set_capacity"
	CodeGroupConflictingDates   = "sample_set_conflicting_dates"
	CodeNoSourceOfTruth         = "sample_set_no_source"
	CodeGroupMemberNotStaged    = "sample_set_member_not_staged"
	CodeOtherSampleSet          = "sample_set_member_elsewhere"
	CodeAlreadyCertified        = "already_certified"
	CodeAlreadyHandled          = "already_handled"
	CodeReused                  = "reused"
	CodeCommitFailed            = "commit_failed"
	CodeCertificationBlocked    = "certification_blocked"
	CodeCertificationDeferred   = "certification_deferred"
	CodeRequirement             = "requirement"
	CodeAborted                 = "aborted"
)

// Diagnostic is one run log entry. Row 0 addresses the whole run.
type Diagnostic struct {
	Row        int      `json:"row"`
	Severity   Severity `json:"severity"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Superseded bool     `json:"superseded,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Row == 0 {
		return fmt.Sprintf("%s [%s] %s", d.Severity, d.Code, d.Message)
	}
	return fmt.Sprintf("row %d: %s [%s] %s", d.Row, d.Severity, d.Code, d.Message)
}

// Errorf builds an error-severity diagnostic.
func Errorf(row int, code, format string, args ...any) *Diagnostic {
	return &Diagnostic{Row: row, Severity: SeverityError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Warningf builds a warning-severity diagnostic.
func Warningf(row int, code, format string, args ...any) *Diagnostic {
	return &Diagnostic{Row: row, Severity: SeverityWarning, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Infof builds an info-severity diagnostic.
func Infof(row int, code, format string, args ...any) *Diagnostic {
	return &Diagnostic{Row: row, Severity: SeverityInfo, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Debugf builds a debug-severity diagnostic.
func Debugf(row int, code, format string, args ...any) *Diagnostic {
	return &Diagnostic{Row: row, Severity: SeverityDebug, Code: code, Message: fmt.Sprintf(format, args...)}
}
