package model

import "time"

// RunStatus is the lifecycle state of an import run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusAborted  RunStatus = "aborted"
	RunStatusFailed   RunStatus = "failed"
)

// Run is a persisted import run record.
type Run struct {
	ID        string    `json:"id"`
	File      string    `json:"file"`
	Status    RunStatus `json:"status"`
	Summary   *Summary  `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RowOutcome is the final disposition of one row.
type RowOutcome string

// Row outcomes.
const (
	OutcomeCommitted     RowOutcome = "committed"
	OutcomeReused        RowOutcome = "reused"
	OutcomeSkipped       RowOutcome = "skipped"
	OutcomeUnprocessable RowOutcome = "unprocessable"
	OutcomeStaged        RowOutcome = "staged"
)

// SkipReason categorises skipped and unprocessable rows.
type SkipReason string

// Skip reasons.
const (
	SkipNone              SkipReason = ""
	SkipNoBuilder         SkipReason = "no_builder_or_subdivision"
	SkipNoState           SkipReason = "no_state"
	SkipInvalid           SkipReason = "invalid"
	SkipIncompatibleGroup SkipReason = "incompatible_group"
	SkipGroupCapacity     SkipReason = "group_capacity"
	SkipAlreadyCertified  SkipReason = "already_certified"
	SkipAlreadyHandled    SkipReason = "already_handled"
	SkipCommitFailed      SkipReason = "commit_failed"
	SkipAborted           SkipReason = "aborted"
)

// Unprocessable reports whether the reason belongs to the "can't possibly
// proceed" bucket rather than the skipped bucket.
func (r SkipReason) Unprocessable() bool {
	return r == SkipNoBuilder || r == SkipNoState
}

// NoOp reports whether a row skipped for this reason needed no work, as
// opposed to having failed.
func (r SkipReason) NoOp() bool {
	return r == SkipAlreadyCertified || r == SkipAlreadyHandled
}

// RowResult is the per-row part of a run summary.
type RowResult struct {
	Row            int          `json:"row"`
	Outcome        RowOutcome   `json:"outcome"`
	Reason         SkipReason   `json:"reason,omitempty"`
	HomeID         string       `json:"home_id,omitempty"`
	State          HomeState    `json:"state,omitempty"`
	PctComplete    float64      `json:"pct_complete,omitempty"`
	Certified      bool         `json:"certified,omitempty"`
	AnswersCreated int          `json:"answers_created,omitempty"`
	AnswersDeleted int          `json:"answers_deleted,omitempty"`
	AnswersReused  int          `json:"answers_reused,omitempty"`
	Flags          []string     `json:"flags,omitempty"`
	Diagnostics    []Diagnostic `json:"diagnostics,omitempty"`
}

// RunResult distinguishes "nothing to do" from "everything failed" from
// partial success.
type RunResult string

// Run results.
const (
	ResultSuccess     RunResult = "success"
	ResultPartial     RunResult = "partial"
	ResultAllFailed   RunResult = "all_failed"
	ResultNothingToDo RunResult = "nothing_to_do"
	ResultAborted     RunResult = "aborted"
)

// Summary is the stable contract surfaced to callers of a run.
type Summary struct {
	RunID           string             `json:"run_id"`
	File            string             `json:"file"`
	Result          RunResult          `json:"result"`
	DryRun          bool               `json:"dry_run,omitempty"`
	TotalRows       int                `json:"total_rows"`
	Committed       int                `json:"committed"`
	Reused          int                `json:"reused"`
	Skipped         int                `json:"skipped"`
	SkippedBy       map[SkipReason]int `json:"skipped_by,omitempty"`
	Unprocessable   int                `json:"unprocessable"`
	UnprocessableBy map[SkipReason]int `json:"unprocessable_by,omitempty"`
	HomesCertified  int                `json:"homes_certified"`
	GroupsCertified int                `json:"groups_certified"`
	AnswersCreated  int                `json:"answers_created"`
	AnswersDeleted  int                `json:"answers_deleted"`
	AnswersReused   int                `json:"answers_reused"`
	Errors          int                `json:"errors"`
	Warnings        int                `json:"warnings"`
	Elapsed         time.Duration      `json:"elapsed_ns"`
	RunDiagnostics  []Diagnostic       `json:"run_diagnostics,omitempty"`
	Rows            []RowResult        `json:"rows"`
}

// Tally recomputes the counters and result from Rows. Rows skipped because
// they were already certified or already handled count as skipped but not
// as failures.
func (s *Summary) Tally() {
	s.Committed, s.Reused, s.Skipped, s.Unprocessable = 0, 0, 0, 0
	s.AnswersCreated, s.AnswersDeleted, s.AnswersReused = 0, 0, 0
	s.SkippedBy = make(map[SkipReason]int)
	s.UnprocessableBy = make(map[SkipReason]int)
	staged, failed := 0, 0
	for _, r := range s.Rows {
		s.AnswersCreated += r.AnswersCreated
		s.AnswersDeleted += r.AnswersDeleted
		s.AnswersReused += r.AnswersReused
		switch r.Outcome {
		case OutcomeCommitted:
			s.Committed++
		case OutcomeReused:
			s.Reused++
		case OutcomeStaged:
			staged++
		case OutcomeUnprocessable:
			s.Unprocessable++
			s.UnprocessableBy[r.Reason]++
		case OutcomeSkipped:
			s.Skipped++
			s.SkippedBy[r.Reason]++
			if !r.Reason.NoOp() {
				failed++
			}
		}
	}

	done := s.Committed + s.Reused + staged
	switch {
	case s.Result == ResultAborted:
	case done+failed == 0:
		s.Result = ResultNothingToDo
	case done == 0:
		s.Result = ResultAllFailed
	case failed > 0:
		s.Result = ResultPartial
	default:
		s.Result = ResultSuccess
	}
}
