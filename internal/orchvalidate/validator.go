// Package orchvalidate implements the Orchestrator Validator (C11):
// validates each role's output and recommends PROCEED / FIX /
// MODEL_SWITCH / ESCALATE, synthesizing a root-cause analysis when the
// upstream role didn't provide one, per spec.md §4.11. Grounded on the
// teacher's internal/agents review/synthesis prompt-building helpers,
// adapted here from free-text prompt assembly to a fixed templates
// table keyed by pattern.
package orchvalidate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/forgeloop/orchestrator/internal/classify"
	"github.com/forgeloop/orchestrator/internal/types"
)

const defaultMaxSameError = 3

// Tracker records (model, error_hash) attempt counts across iterations so
// the validator can recommend MODEL_SWITCH once a given model has failed
// on the same normalized error `maxSameError` times, per spec.md §4.11.
type Tracker struct {
	mu            sync.Mutex
	attempts      map[string]int // key: model + "|" + hash
	maxSameError  int
}

// NewTracker creates a Tracker; maxSameError defaults to 3 when <= 0.
func NewTracker(maxSameError int) *Tracker {
	if maxSameError <= 0 {
		maxSameError = defaultMaxSameError
	}
	return &Tracker{attempts: map[string]int{}, maxSameError: maxSameError}
}

func (t *Tracker) record(model, hash string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := model + "|" + hash
	t.attempts[key]++
	return t.attempts[key]
}

// ValidateCoderOutput implements spec.md §4.11's validate_coder_output.
func ValidateCoderOutput(codeOut string, createdFiles int, expectationsMet bool, truncatedFiles []string) types.ValidationDecision {
	trimmed := strings.TrimSpace(codeOut)
	if trimmed == "" || len(trimmed) < 50 {
		return types.ValidationDecision{Action: types.ActionFix, Target: types.RoleCoder, RootCause: "empty or near-empty coder output"}
	}
	if createdFiles == 0 {
		return types.ValidationDecision{Action: types.ActionFix, Target: types.RoleCoder, RootCause: "no files were parsed from coder output"}
	}
	if len(truncatedFiles) > 0 {
		return types.ValidationDecision{
			Action:      types.ActionModelSwitch,
			Target:      types.RoleCoder,
			ModelSwitch: true,
			RootCause:   "truncated files: " + strings.Join(truncatedFiles, ", "),
		}
	}
	if createdFiles < 3 && !expectationsMet {
		return types.ValidationDecision{Action: types.ActionProceed, Target: types.RoleReviewer, RootCause: "warning: fewer than 3 files and expectations not fully met"}
	}
	return types.ValidationDecision{Action: types.ActionProceed, Target: types.RoleReviewer}
}

// rootCauseKeywords count toward "review already contains a root-cause
// analysis" when >= 2 are present, per spec.md §4.11.
var rootCauseKeywords = []string{
	"ursache", "root cause", "grund", "lösung", "betroffene dateien",
	"affected files", "cause:", "solution:",
}

func countRootCauseKeywords(text string) int {
	low := strings.ToLower(text)
	n := 0
	for _, kw := range rootCauseKeywords {
		if strings.Contains(low, kw) {
			n++
		}
	}
	return n
}

// rootCauseTemplate renders the fixed prose template for a known error
// pattern, containing: symptom (<=500 chars), affected files, a cause
// sentence, and an ordered "LÖSUNG:" steps list, per spec.md §4.11.
func rootCauseTemplate(pattern, symptom string, affectedFiles []string) string {
	if len(symptom) > 500 {
		symptom = symptom[:500]
	}
	files := "none identified"
	if len(affectedFiles) > 0 {
		files = strings.Join(affectedFiles, ", ")
	}

	var cause string
	var steps []string
	switch pattern {
	case "circular_import":
		cause = "A circular import dependency exists between the affected modules."
		steps = []string{
			"Extract the shared symbols into a separate module with no back-reference.",
			"Re-run the import graph check after extraction.",
		}
	case "module_not_found":
		cause = "A module or package referenced in the code is missing or misnamed."
		steps = []string{
			"Verify the import path and package.json/requirements entry.",
			"Create the missing module or correct the typo in the import path.",
		}
	case "syntax_error":
		cause = "A syntax error is present in one of the affected files, likely from a truncated or malformed edit."
		steps = []string{
			"Re-open the affected file and locate the malformed statement.",
			"Regenerate only the broken section, keeping the rest of the file intact.",
		}
	case "name_error":
		cause = "A name is referenced before it is defined or imported."
		steps = []string{
			"Trace the undefined name back to its intended definition or import.",
			"Add the missing definition or import at the top of the file.",
		}
	default:
		cause = "The error does not match a known category; treat it as a general regression."
		steps = []string{
			"Re-read the sandbox output and isolate the first failing assertion or exception.",
			"Patch the minimal set of files required to clear that failure.",
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SYMPTOM: %s\n", symptom)
	fmt.Fprintf(&b, "BETROFFENE DATEIEN: %s\n", files)
	fmt.Fprintf(&b, "URSACHE: %s\n", cause)
	b.WriteString("LÖSUNG:\n")
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return b.String()
}

// errorPatternOf classifies raw error text into one of the fixed
// root-cause template keys, per spec.md §4.11.
func errorPatternOf(text string) string {
	low := strings.ToLower(text)
	switch {
	case strings.Contains(low, "circular import"):
		return "circular_import"
	case strings.Contains(low, "module not found"), strings.Contains(low, "cannot find module"):
		return "module_not_found"
	case strings.Contains(low, "syntaxerror"):
		return "syntax_error"
	case strings.Contains(low, "nameerror"), strings.Contains(low, "is not defined"):
		return "name_error"
	default:
		return "generic"
	}
}

// ValidateReviewOutput implements spec.md §4.11's validate_review_output.
func (t *Tracker) ValidateReviewOutput(review, verdict, sandboxResult string, sandboxFailed bool, codeOut string, affectedFiles []string, currentModel string) types.ValidationDecision {
	if verdict == "OK" && !sandboxFailed {
		return types.ValidationDecision{Action: types.ActionProceed, Target: types.RoleTester}
	}

	hash := classify.HashError(review, sandboxResult)
	feedback := review
	if countRootCauseKeywords(review) < 2 {
		pattern := errorPatternOf(review + "\n" + sandboxResult)
		feedback = rootCauseTemplate(pattern, classify.ExtractErrorPattern(review+"\n"+sandboxResult), affectedFiles)
	}

	attempts := t.record(currentModel, hash)
	decision := types.ValidationDecision{Action: types.ActionFix, Target: types.RoleCoder, RootCause: feedback, ErrorHash: hash}
	if attempts >= t.maxSameError {
		decision.Action = types.ActionModelSwitch
		decision.ModelSwitch = true
	}
	return decision
}

// Vulnerability is one security-scan finding.
type Vulnerability struct {
	Severity    string // "critical" | "high" | "medium" | "low"
	Description string
	Fix         string
}

func isBlocking(severity string) bool {
	low := strings.ToLower(severity)
	return low == "critical" || low == "high"
}

// ValidateSecurityOutput implements spec.md §4.11's
// validate_security_output, keying model-switch accounting on a hash of
// the first three vulnerability descriptions.
func (t *Tracker) ValidateSecurityOutput(vulns []Vulnerability, currentModel string) types.ValidationDecision {
	var blocking []Vulnerability
	for _, v := range vulns {
		if isBlocking(v.Severity) {
			blocking = append(blocking, v)
		}
	}
	if len(blocking) == 0 {
		return types.ValidationDecision{Action: types.ActionProceed}
	}

	var b strings.Builder
	b.WriteString("Security review found the following issues that must be fixed:\n")
	var descs []string
	for _, v := range blocking {
		fmt.Fprintf(&b, "- [%s] %s — fix: %s\n", strings.ToUpper(v.Severity), v.Description, v.Fix)
		descs = append(descs, v.Description)
	}

	keyDescs := descs
	if len(keyDescs) > 3 {
		keyDescs = keyDescs[:3]
	}
	hash := classify.HashError(strings.Join(keyDescs, "\n"), "")

	attempts := t.record(currentModel, hash)
	decision := types.ValidationDecision{Action: types.ActionFix, Target: types.RoleCoder, RootCause: b.String(), ErrorHash: hash}
	if attempts >= t.maxSameError {
		decision.Action = types.ActionModelSwitch
		decision.ModelSwitch = true
	}
	return decision
}
