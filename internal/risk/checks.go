package risk

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// CheckResult is the outcome of one named gate check.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
	Limit   string `json:"limit,omitempty"`
}

// Verdict aggregates every check into a single gate decision.
type Verdict struct {
	Approved        bool
	AutoApproved    bool
	RiskScore       decimal.Decimal
	Checks          []CheckResult
	RejectionReason string
}

// FailedChecks returns the subset of checks that did not pass.
func (v *Verdict) FailedChecks() []CheckResult {
	var failed []CheckResult
	for _, c := range v.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// MarshalChecks serializes check outcomes for storage on the proposal row.
func MarshalChecks(checks []CheckResult) string {
	b, err := json.Marshal(checks)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// UnmarshalChecks restores check outcomes from a proposal row.
func UnmarshalChecks(raw string) []CheckResult {
	if raw == "" {
		return nil
	}
	var checks []CheckResult
	if err := json.Unmarshal([]byte(raw), &checks); err != nil {
		return nil
	}
	return checks
}
