package commit

import (
	"github.com/rotisserie/eris"
)

// Step is a row's position in the commit state machine.
type Step string

// Commit steps, in order. Abandoned and Skipped are terminal.
const (
	StepPending       Step = "pending_reference_resolution"
	StepReferenced    Step = "referenced"
	StepAnswered      Step = "answered"
	StepScored        Step = "scored"
	StepStateAdvanced Step = "state_advanced"
	StepCertified     Step = "certified"
	StepAbandoned     Step = "abandoned"
	StepSkipped       Step = "skipped"
)

// ErrOutOfOrder is returned for a transition the machine does not allow.
var ErrOutOfOrder = eris.New("commit: transition out of order")

var nextStep = map[Step]Step{
	StepPending:       StepReferenced,
	StepReferenced:    StepAnswered,
	StepAnswered:      StepScored,
	StepScored:        StepStateAdvanced,
	StepStateAdvanced: StepCertified,
}

// Machine tracks one row through commit.
type Machine struct {
	Row  int
	step Step
}

// NewMachine returns a machine for row at StepPending.
func NewMachine(row int) *Machine {
	return &Machine{Row: row, step: StepPending}
}

// Step returns the current step.
func (m *Machine) Step() Step { return m.step }

// Terminal reports whether the machine can no longer move.
func (m *Machine) Terminal() bool {
	switch m.step {
	case StepCertified, StepAbandoned, StepSkipped:
		return true
	}
	return false
}

// Advance moves to the step after the current one, which must be to.
// Abandoned is reachable only from Referenced; Skipped from any step that is
// not terminal.
func (m *Machine) Advance(to Step) error {
	switch {
	case m.Terminal():
	case to == StepSkipped:
		m.step = to
		return nil
	case to == StepAbandoned && m.step == StepReferenced:
		m.step = to
		return nil
	case nextStep[m.step] == to:
		m.step = to
		return nil
	}
	return eris.Wrapf(ErrOutOfOrder, "commit: row %d cannot move from %s to %s", m.Row, m.step, to)
}
