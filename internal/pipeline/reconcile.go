package pipeline

import (
	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/runlog"
)

// Codes a certified row no longer needs: the home is certified whatever the
// rules or the deferral said along the way.
var certifiedRetires = []string{
	model.CodeCertificationBlocked,
	model.CodeCertificationDeferred,
	model.CodeRequirement,
	model.CodeMissingRequirement,
}

// Codes describing work that a row skipped at commit never finished.
var skippedRetires = []string{
	model.CodeCertificationDeferred,
	model.CodeRequirement,
}

// reconcile retires diagnostics contradicted by each row's final state and
// returns how many were retired.
func reconcile(rl *runlog.Log, rows []model.RowResult) int {
	n := 0
	for _, r := range rows {
		switch {
		case r.Certified:
			for _, code := range certifiedRetires {
				n += rl.Supersede(r.Row, code)
			}
		case r.Outcome == model.OutcomeSkipped:
			for _, code := range skippedRetires {
				n += rl.Supersede(r.Row, code)
			}
		case rl.HasCode(r.Row, model.CodeCertificationBlocked):
			// The blocked warning explains the outcome; the deferral is stale.
			n += rl.Supersede(r.Row, model.CodeCertificationDeferred)
		}
	}
	return n
}
