// Package coordinator implements the Smoke + Review Coordinator (C13):
// sequences the second-opinion ("Vier-Augen") review and the optional
// external specialist review once the smoke test has passed; the smoke
// gate itself runs in the controller, per spec.md §4.13. Grounded on the teacher's router pause/
// restore idiom (mark_rate_limited before a probe call, mark_success
// after) already implemented in internal/router, and on its errgroup-based
// concurrent dispatch for the external-review side call.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/forgeloop/orchestrator/internal/config"
	"github.com/forgeloop/orchestrator/internal/logging"
	"github.com/forgeloop/orchestrator/internal/router"
	"github.com/forgeloop/orchestrator/internal/types"
)

// ReviewCaller performs one review-style LLM call and returns its raw
// text response.
type ReviewCaller interface {
	CallReview(ctx context.Context, model, prompt string, timeout time.Duration) (string, error)
}

// ReviewCallerFunc adapts a function to ReviewCaller.
type ReviewCallerFunc func(ctx context.Context, model, prompt string, timeout time.Duration) (string, error)

func (f ReviewCallerFunc) CallReview(ctx context.Context, model, prompt string, timeout time.Duration) (string, error) {
	return f(ctx, model, prompt, timeout)
}

// promptWindows are the fixed truncation windows for the Vier-Augen
// prompt, per spec.md §4.13: code 8k, sandbox 2k, tests 1k.
const (
	codeWindow    = 8000
	sandboxWindow = 2000
	testsWindow   = 1000
)

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func buildVierAugenPrompt(code, sandboxOutput, testOutput string) string {
	var b strings.Builder
	b.WriteString("Second-opinion review. Does this change look correct and safe to ship?\n\n")
	b.WriteString("CODE:\n")
	b.WriteString(clip(code, codeWindow))
	b.WriteString("\n\nSANDBOX OUTPUT:\n")
	b.WriteString(clip(sandboxOutput, sandboxWindow))
	b.WriteString("\n\nTEST OUTPUT:\n")
	b.WriteString(clip(testOutput, testsWindow))
	b.WriteString("\n\nRespond with OK if you agree, or describe the problem.")
	return b.String()
}

// SecondOpinionResult is the outcome of one second-opinion review pass.
type SecondOpinionResult struct {
	Dissented bool
	Response  string
	Model     string
}

// SecondOpinionReview implements spec.md §4.13's Vier-Augen sequencing:
// temporarily pauses the primary model via mark_rate_limited, asks the
// router for a different model, evaluates, then always restores the
// primary via mark_success.
func SecondOpinionReview(ctx context.Context, caller ReviewCaller, r *router.Router, cfg config.VierAugenConfig, role types.Role, primaryModel, code, sandboxOutput, testOutput string, baseTimeout time.Duration) SecondOpinionResult {
	log := logging.Get(logging.CategoryCoordinator)
	if !cfg.Enabled {
		return SecondOpinionResult{Dissented: false}
	}

	r.MarkRateLimited(primaryModel, baseTimeout*2)
	defer r.MarkSuccess(primaryModel)

	alt := r.Get(role)
	prompt := buildVierAugenPrompt(code, sandboxOutput, testOutput)
	timeout := time.Duration(float64(baseTimeout) * cfg.TimeoutFactor)

	resp, err := caller.CallReview(ctx, alt.Model, prompt, timeout)
	if err != nil {
		log.Warn("second-opinion review call failed", map[string]interface{}{"error": err.Error(), "model": alt.Model})
		if cfg.SkipOnError {
			return SecondOpinionResult{Dissented: false, Model: alt.Model}
		}
		return SecondOpinionResult{Dissented: true, Model: alt.Model}
	}

	dissented := !strings.HasPrefix(strings.TrimSpace(strings.ToUpper(resp)), "OK")
	return SecondOpinionResult{Dissented: dissented, Response: resp, Model: alt.Model}
}

// Severity buckets for external-review findings, per spec.md §4.13.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Finding is one external-specialist review result.
type Finding struct {
	Severity    Severity
	Description string
}

// ExternalReviewer performs the async specialist call.
type ExternalReviewer interface {
	Review(ctx context.Context, code string) ([]Finding, error)
}

// ExternalReviewResult is the outcome of the optional external-review step.
type ExternalReviewResult struct {
	Findings []Finding
	Blocks   bool
	Err      error
}

// ExternalReview dispatches the external specialist call on its own
// goroutine (so it never blocks the iteration loop waiting on a slow
// third-party service) and applies blocking/advisory policy, per
// spec.md §4.13.
func ExternalReview(ctx context.Context, reviewer ExternalReviewer, cfg config.ExternalSpecialistsConfig, code string) ExternalReviewResult {
	if !cfg.Enabled || reviewer == nil {
		return ExternalReviewResult{}
	}

	resultCh := make(chan ExternalReviewResult, 1)
	go func() {
		findings, err := reviewer.Review(ctx, code)
		if err != nil {
			resultCh <- ExternalReviewResult{Err: err}
			return
		}
		blocks := false
		if strings.EqualFold(cfg.Mode, "blocking") {
			for _, f := range findings {
				if f.Severity == SeverityCritical || f.Severity == SeverityHigh {
					blocks = true
					break
				}
			}
		}
		resultCh <- ExternalReviewResult{Findings: findings, Blocks: blocks}
	}()

	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		return ExternalReviewResult{Err: fmt.Errorf("coordinator: external review: %w", ctx.Err())}
	}
}

// Outcome is the final decision of the coordinator's success-path
// sequencing, per spec.md §4.12 step 9 / §4.13.
type Outcome struct {
	Proceed        bool
	RestartReason  string
	SecondOpinion  SecondOpinionResult
	ExternalResult ExternalReviewResult
}

// Coordinate sequences second-opinion review then external review under
// the success conditions already checked by the caller (review OK,
// sandbox not failed, security passed, >= 3 files); any dissent restarts
// the iteration, per spec.md §4.12 step 9.
func Coordinate(ctx context.Context, caller ReviewCaller, reviewer ExternalReviewer, r *router.Router, cfg config.VierAugenConfig, extCfg config.ExternalSpecialistsConfig, role types.Role, primaryModel, code, sandboxOutput, testOutput string, baseTimeout time.Duration) Outcome {
	so := SecondOpinionReview(ctx, caller, r, cfg, role, primaryModel, code, sandboxOutput, testOutput, baseTimeout)
	if so.Dissented {
		return Outcome{Proceed: false, RestartReason: "second-opinion review dissented", SecondOpinion: so}
	}

	ext := ExternalReview(ctx, reviewer, extCfg, code)
	if ext.Blocks {
		return Outcome{Proceed: false, RestartReason: "external review found blocking issues", SecondOpinion: so, ExternalResult: ext}
	}

	return Outcome{Proceed: true, SecondOpinion: so, ExternalResult: ext}
}
