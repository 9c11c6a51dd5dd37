package writeback

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/resolution"
)

// Check names.
const (
	CheckComplianceApproved = "compliance_approved"
	CheckArtifactComplete   = "artifact_complete"
	CheckResolutionCode     = "resolution_code_valid"
	CheckModePermits        = "mode_permits"
	CheckCaseOpen           = "case_still_open"
	CheckSeverity           = "severity_appropriate"
)

// Check is one preflight verdict.
type Check struct {
	Name   string `json:"check"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Preflight evaluates every check against req and the case's current
// state. No check is skipped because an earlier one failed.
func Preflight(req Request, current contracts.Case, locales []string) []Check {
	checks := make([]Check, 0, 6)
	add := func(name string, ok bool, detail string) {
		checks = append(checks, Check{Name: name, Passed: ok, Detail: detail})
	}

	add(CheckComplianceApproved, req.Decision == contracts.DecisionApprove,
		fmt.Sprintf("compliance decision %s", orNone(string(req.Decision))))

	var missingTexts []string
	for _, m := range resolution.Missing(req.Artifact, locales) {
		if strings.HasPrefix(m, "texts.") {
			missingTexts = append(missingTexts, strings.TrimPrefix(m, "texts."))
		}
	}
	if len(missingTexts) == 0 {
		add(CheckArtifactComplete, true, fmt.Sprintf("texts present for %s", strings.Join(locales, ", ")))
	} else {
		add(CheckArtifactComplete, false, "missing texts for "+strings.Join(missingTexts, ", "))
	}

	code := strings.TrimSpace(req.Artifact.ResolutionCode)
	add(CheckResolutionCode, code != "", fmt.Sprintf("resolution code %s", orNone(code)))

	switch {
	case req.Mode == contracts.ModeAct:
		add(CheckModePermits, true, "ACT mode")
	case req.Mode == contracts.ModeTrain && req.HumanApproved:
		add(CheckModePermits, true, "TRAIN mode with human approval")
	case req.Mode == contracts.ModeTrain:
		add(CheckModePermits, false, "TRAIN mode requires human approval")
	default:
		add(CheckModePermits, false, fmt.Sprintf("%s mode never writes", orNone(string(req.Mode))))
	}

	add(CheckCaseOpen, current.Status.Actionable(), fmt.Sprintf("case status %s", orNone(string(current.Status))))

	sev := contracts.MaxSeverity(current.Severity, req.Case.Severity)
	add(CheckSeverity, sev == contracts.SeverityLow, fmt.Sprintf("severity %s", orNone(string(sev))))
	return checks
}

// Failed lists the names of failed checks.
func Failed(checks []Check) []string {
	var out []string
	for _, c := range checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
