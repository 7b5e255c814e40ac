package orchvalidate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgeloop/orchestrator/internal/types"
)

func TestValidateCoderOutputEmptyOutputFixesCoder(t *testing.T) {
	d := ValidateCoderOutput("", 0, false, nil)
	assert.Equal(t, types.ActionFix, d.Action)
	assert.Equal(t, types.RoleCoder, d.Target)
}

func TestValidateCoderOutputZeroFilesFixesCoder(t *testing.T) {
	d := ValidateCoderOutput(strings.Repeat("x", 100), 0, true, nil)
	assert.Equal(t, types.ActionFix, d.Action)
}

func TestValidateCoderOutputTruncatedTriggersModelSwitch(t *testing.T) {
	d := ValidateCoderOutput(strings.Repeat("x", 100), 2, true, []string{"a.js"})
	assert.Equal(t, types.ActionModelSwitch, d.Action)
	assert.True(t, d.ModelSwitch)
	assert.Contains(t, d.RootCause, "a.js")
}

func TestValidateCoderOutputFewFilesWarnsButProceeds(t *testing.T) {
	d := ValidateCoderOutput(strings.Repeat("x", 100), 2, false, nil)
	assert.Equal(t, types.ActionProceed, d.Action)
	assert.Equal(t, types.RoleReviewer, d.Target)
}

func TestValidateCoderOutputHappyPathProceedsToReviewer(t *testing.T) {
	d := ValidateCoderOutput(strings.Repeat("x", 100), 5, true, nil)
	assert.Equal(t, types.ActionProceed, d.Action)
	assert.Equal(t, types.RoleReviewer, d.Target)
}

func TestValidateReviewOutputOKNoSandboxFailureProceedsToTester(t *testing.T) {
	tr := NewTracker(3)
	d := tr.ValidateReviewOutput("OK", "OK", "", false, "code", nil, "model-a")
	assert.Equal(t, types.ActionProceed, d.Action)
	assert.Equal(t, types.RoleTester, d.Target)
}

func TestValidateReviewOutputSynthesizesRootCauseWhenMissing(t *testing.T) {
	tr := NewTracker(3)
	d := tr.ValidateReviewOutput("Module not found: './x'", "FAIL", "", true, "code", []string{"a.js"}, "model-a")
	assert.Equal(t, types.ActionFix, d.Action)
	assert.Contains(t, d.RootCause, "LÖSUNG:")
	assert.Contains(t, d.RootCause, "a.js")
}

func TestValidateReviewOutputSkipsSynthesisWhenAlreadyPresent(t *testing.T) {
	tr := NewTracker(3)
	review := "Ursache: bad import. Root cause analysis done. Betroffene Dateien: a.js. Grund: typo."
	d := tr.ValidateReviewOutput(review, "FAIL", "", true, "code", nil, "model-a")
	assert.Equal(t, review, d.RootCause)
}

func TestValidateReviewOutputEscalatesToModelSwitchAfterMaxSameError(t *testing.T) {
	tr := NewTracker(2)
	first := tr.ValidateReviewOutput("SyntaxError: bad", "FAIL", "", true, "code", nil, "model-a")
	assert.Equal(t, types.ActionFix, first.Action)
	second := tr.ValidateReviewOutput("SyntaxError: bad", "FAIL", "", true, "code", nil, "model-a")
	assert.Equal(t, types.ActionModelSwitch, second.Action)
	assert.True(t, second.ModelSwitch)
}

func TestValidateSecurityOutputNoCriticalOrHighProceeds(t *testing.T) {
	tr := NewTracker(3)
	d := tr.ValidateSecurityOutput([]Vulnerability{{Severity: "low", Description: "minor"}}, "model-a")
	assert.Equal(t, types.ActionProceed, d.Action)
}

func TestValidateSecurityOutputCriticalFixesCoder(t *testing.T) {
	tr := NewTracker(3)
	d := tr.ValidateSecurityOutput([]Vulnerability{{Severity: "critical", Description: "SQL injection", Fix: "parameterize"}}, "model-a")
	assert.Equal(t, types.ActionFix, d.Action)
	assert.Contains(t, d.RootCause, "SQL injection")
}

func TestValidateSecurityOutputEscalatesAfterMaxSameError(t *testing.T) {
	tr := NewTracker(2)
	vulns := []Vulnerability{{Severity: "high", Description: "XSS", Fix: "escape"}}
	first := tr.ValidateSecurityOutput(vulns, "model-a")
	assert.Equal(t, types.ActionFix, first.Action)
	second := tr.ValidateSecurityOutput(vulns, "model-a")
	assert.Equal(t, types.ActionModelSwitch, second.Action)
}
