package analysis

import (
	"fmt"

	"github.com/bench-history/tracker/types"
)

// Gate statuses
const (
	StatusPass        = "pass"
	StatusRegression  = "regression"
	StatusUnavailable = "unavailable"
)

// Process exit codes for CI
const (
	ExitPass        = 0
	ExitRegression  = 1
	ExitUnavailable = 2
)

// Outcome is the CI decision for one check
type Outcome struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	// Downgraded is set when warn-only mode turned a failing status into exit 0
	Downgraded bool   `json:"downgraded,omitempty"`
	Message    string `json:"message"`
}

// Gate maps a check result to a CI outcome. A missing verdict fails the build
// just like a regression does, unless warnOnly is set.
func Gate(report *types.RegressionReport, err error, warnOnly bool) Outcome {
	var out Outcome
	switch {
	case err != nil:
		out = Outcome{Status: StatusUnavailable, ExitCode: ExitUnavailable, Message: fmt.Sprintf("no verdict: %v", err)}
	case report == nil:
		out = Outcome{Status: StatusUnavailable, ExitCode: ExitUnavailable, Message: "no verdict: empty report"}
	case report.AnyRegression:
		out = Outcome{
			Status:   StatusRegression,
			ExitCode: ExitRegression,
			Message:  fmt.Sprintf("%d of %d metrics regressed", report.Count(types.VerdictRegressed), len(report.Metrics)),
		}
	default:
		return Outcome{Status: StatusPass, ExitCode: ExitPass, Message: "no regression detected"}
	}

	if warnOnly {
		out.ExitCode = ExitPass
		out.Downgraded = true
		out.Message += " (warn-only)"
	}
	return out
}
