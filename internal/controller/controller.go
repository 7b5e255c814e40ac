// Package controller implements the Iteration Controller (C12): the
// top-level per-iteration loop that ties every other component together
// — prompt building, ordered role calls, sandbox/smoke gating, review
// decisions, stagnation and ping-pong detection, and model-switch
// accounting — per spec.md §4.12. Grounded on the teacher's
// internal/agents orchestration loop (cmd/nerd/main.go's top-level run
// loop structure and internal/shards' per-shard retry bookkeeping),
// generalized here from the teacher's shard-completion loop to the
// spec's coder/reviewer/security/tester iteration.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/orchestrator/internal/classify"
	"github.com/forgeloop/orchestrator/internal/config"
	"github.com/forgeloop/orchestrator/internal/contextpkg"
	"github.com/forgeloop/orchestrator/internal/coordinator"
	"github.com/forgeloop/orchestrator/internal/eventbus"
	"github.com/forgeloop/orchestrator/internal/logging"
	"github.com/forgeloop/orchestrator/internal/memory"
	"github.com/forgeloop/orchestrator/internal/orchvalidate"
	"github.com/forgeloop/orchestrator/internal/patchexec"
	"github.com/forgeloop/orchestrator/internal/planner"
	"github.com/forgeloop/orchestrator/internal/projectio"
	"github.com/forgeloop/orchestrator/internal/router"
	"github.com/forgeloop/orchestrator/internal/sandbox"
	"github.com/forgeloop/orchestrator/internal/smoke"
	"github.com/forgeloop/orchestrator/internal/types"
	"github.com/forgeloop/orchestrator/internal/validate"
)

// maxStagnationIterations and maxEmptyPageIterations implement spec.md
// §4.12 step 11's symptom-escalation thresholds.
const (
	maxStagnationIterations = 4
	maxEmptyPageIterations  = 3
)

// RoleCaller performs one LLM call for a role and returns its cleaned
// text output, keeping the Controller decoupled from a concrete provider
// so it can be driven by fakes in tests.
type RoleCaller interface {
	CallRole(ctx context.Context, role types.Role, model, systemPrompt, userPrompt string, timeout time.Duration) (string, error)
}

// RoleCallerFunc adapts a function to RoleCaller.
type RoleCallerFunc func(ctx context.Context, role types.Role, model, systemPrompt, userPrompt string, timeout time.Duration) (string, error)

func (f RoleCallerFunc) CallRole(ctx context.Context, role types.Role, model, systemPrompt, userPrompt string, timeout time.Duration) (string, error) {
	return f(ctx, role, model, systemPrompt, userPrompt, timeout)
}

// patchCallerAdapter adapts a RoleCaller bound to one model into the
// patchexec.PatchCaller interface used by the Parallel Patch Executor.
type patchCallerAdapter struct {
	caller RoleCaller
	model  string
}

func (a patchCallerAdapter) CallPatch(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	return a.caller.CallRole(ctx, types.RoleCoder, a.model, "", prompt, timeout)
}

// reviewCallerAdapter adapts a RoleCaller into coordinator.ReviewCaller.
type reviewCallerAdapter struct {
	caller RoleCaller
	role   types.Role
}

func (a reviewCallerAdapter) CallReview(ctx context.Context, model, prompt string, timeout time.Duration) (string, error) {
	return a.caller.CallRole(ctx, a.role, model, "", prompt, timeout)
}

// Controller owns one run's IterationState exclusively, per spec.md §3
// "Ownership", and wires every other component together per iteration.
type Controller struct {
	Config      *config.Config
	Router      *router.Router
	Caller      RoleCaller
	Memory      *memory.Store
	Bus         *eventbus.Bus
	Tracker     *orchvalidate.Tracker
	ProjectRoot string
	Reviewer    coordinator.ExternalReviewer

	compressCache contextpkg.Cache
}

// IterationOutcome summarizes what happened in one RunIteration call.
type IterationOutcome struct {
	Finished    bool
	Success     bool
	NewFeedback string
	ModelSwitch bool
}

// RunIteration executes the full 14-step loop body of spec.md §4.12 for
// one iteration, given the current files and the feedback from the
// previous iteration (empty on iteration 0).
func (c *Controller) RunIteration(ctx context.Context, state *types.IterationState, files types.FileSet, feedback string, bp types.TechBlueprint) (types.FileSet, IterationOutcome, error) {
	log := logging.Get(logging.CategoryController)
	if state.RunID == "" {
		state.RunID = uuid.NewString()
	}
	iterationID := uuid.NewString()

	// Step 1: protect UTDS-fixed files from the previous turn.
	for f := range state.UTDSModifiedFiles {
		state.UTDSProtectedFiles[f] = true
	}
	utdsPending := len(state.UTDSModifiedFiles) > 0
	state.UTDSModifiedFiles = map[string]bool{}

	affected := planner.AffectedFiles(feedback)
	mode := planner.DecideMode(state.CurrentIteration, feedback, utdsPending, affected)

	coderModel := c.Router.Get(types.RoleCoder).Model

	// Steps 2-3: skip-coder gate and patch-mode selection.
	skipCoder := state.CurrentIteration == 0 && len(files) > 0
	if !skipCoder {
		affectedSet := types.FileSet{}
		for path, rec := range files {
			for _, b := range affected {
				if rec.Path != "" && basenameEq(path, b) {
					affectedSet[path] = rec
				}
			}
		}

		switch {
		case mode == planner.ModePatch && patchexec.ShouldActivate(c.Config.ParallelPatch, affectedSet) && len(affectedSet) > 0:
			groups := patchexec.ComputeGroups(affectedSet, files, c.Config.ParallelPatch)
			caller := patchCallerAdapter{caller: c.Caller, model: coderModel}
			validateFn := func(path, content, previous string) bool {
				return !projectio.ShrinkGuard(previous, content, 40)
			}
			merged, rejected, err := patchexec.Execute(ctx, caller, groups, files, feedback, c.Config.CoderTimeout(), c.compressCache, validateFn)
			if err != nil {
				return files, IterationOutcome{}, fmt.Errorf("controller: parallel patch: %w", err)
			}
			if len(rejected) > 0 {
				log.Warn("parallel patch rejected files", map[string]interface{}{"rejected": rejected})
			}
			files = merged
			for path := range affectedSet {
				state.UTDSModifiedFiles[path] = true
			}
		case mode == planner.ModePatch:
			prompt := buildCoderPrompt(files, feedback, c)
			blob, err := c.Caller.CallRole(ctx, types.RoleCoder, coderModel, "", prompt, c.Config.CoderTimeout())
			if err != nil {
				return files, IterationOutcome{}, fmt.Errorf("controller: coder call: %w", err)
			}
			parsed := projectio.ParseMultiFile(blob)
			for path, rec := range parsed {
				prev, existed := files[path]
				if existed && projectio.ShrinkGuard(prev.Content, rec.Content, 40) {
					continue
				}
				files[path] = rec
				state.UTDSModifiedFiles[path] = true
			}
		default: // full regeneration
			prompt := buildCoderPrompt(files, feedback, c)
			blob, err := c.Caller.CallRole(ctx, types.RoleCoder, coderModel, "", prompt, c.Config.CoderTimeout())
			if err != nil {
				return files, IterationOutcome{}, fmt.Errorf("controller: coder call: %w", err)
			}
			files = projectio.ParseMultiFile(blob)
		}
	}

	missingOrders := planner.MissingFilesOrders(files)

	// Step 4-5: write to disk and rebuild canonical form.
	if c.ProjectRoot != "" {
		if err := projectio.WriteFiles(c.ProjectRoot, files); err != nil {
			return files, IterationOutcome{}, fmt.Errorf("controller: write files: %w", err)
		}
	}
	currentCode := projectio.CanonicalForm(files)

	// Step 6: sandbox + tests.
	validateOpts := validate.Options{
		RequiresServer: bp.RequiresServer,
		RunScriptPath:  "run.sh",
		InstallCommand: bp.InstallCommand,
		RunCommand:     bp.RunCommand,
	}
	truncation := validate.RunAll(files, files, validateOpts)

	if !truncation.Passed {
		if truncatedFiles := truncatedPathsFrom(truncation.Issues); len(truncatedFiles) > 0 {
			state.TruncationRecoveryAttempts++
			repairPrompt := buildTruncationRepairPrompt(files, truncatedFiles)
			repaired, err := c.Caller.CallRole(ctx, types.RoleCoder, coderModel, "", repairPrompt, c.Config.CoderTimeout())
			if err != nil {
				log.Warn("truncation repair call failed", map[string]interface{}{"error": err.Error()})
			} else {
				parsed := projectio.ParseMultiFile(repaired)
				for _, path := range truncatedFiles {
					if rec, ok := parsed[path]; ok {
						files[path] = rec
					}
				}
				if c.ProjectRoot != "" {
					if err := projectio.WriteFiles(c.ProjectRoot, files); err != nil {
						return files, IterationOutcome{}, fmt.Errorf("controller: write repaired files: %w", err)
					}
				}
				currentCode = projectio.CanonicalForm(files)
				truncation = validate.RunAll(files, files, validateOpts)
			}
		}
	}

	sandboxResult, err := sandbox.Run(ctx, nil, c.Config.Docker, c.Config.Docker.Images["node"], c.ProjectRoot, bp.InstallCommand, "")
	if err != nil {
		return files, IterationOutcome{}, fmt.Errorf("controller: sandbox: %w", err)
	}
	sandboxFailed := sandboxResult.OverallStatus != "pass" || !truncation.Passed

	// Ping-pong override: a file that has already ping-ponged for >= 5
	// consecutive iterations, with no sandbox error outside that file set,
	// gets its stale sandbox_failed suppressed once per run, per spec.md
	// §4.12 step 12 / §8 scenario 2.
	if sandboxFailed && !state.PingPongOverrideUsed {
		priorMax := 0
		for _, b := range affected {
			if state.PingPongCounts[b] > priorMax {
				priorMax = state.PingPongCounts[b]
			}
		}
		if priorMax >= 5 && onlyReferencesFiles(sandboxResult.RawOutput, affected) {
			sandboxFailed = false
			state.PingPongOverrideUsed = true
			if c.Bus != nil {
				c.Bus.Emit(string(types.RoleCoder), "PingPongOverride", pingPongEventPayload(state.RunID, iterationID, affected, state.PingPongCounts))
			}
		}
	}

	// Step 7: review.
	compressed, newCache := contextpkg.Compress(files, feedback, c.compressCache)
	c.compressCache = newCache
	reviewerModel := c.Router.Get(types.RoleReviewer).Model
	reviewPrompt := buildReviewerPrompt(compressed, sandboxResult, feedback)
	review, err := c.Caller.CallRole(ctx, types.RoleReviewer, reviewerModel, "", reviewPrompt, c.Config.ReviewerTimeout())
	if err != nil {
		return files, IterationOutcome{}, fmt.Errorf("controller: reviewer call: %w", err)
	}
	verdict := "OK"
	if !looksOK(review) {
		verdict = "FAIL"
	}

	reviewDecision := c.Tracker.ValidateReviewOutput(review, verdict, sandboxResult.RawOutput, sandboxFailed, currentCode, affected, reviewerModel)

	// Step 8: security rescan.
	securityModel := c.Router.Get(types.RoleSecurity).Model
	securityPrompt := buildSecurityPrompt(compressed)
	securityRaw, err := c.Caller.CallRole(ctx, types.RoleSecurity, securityModel, "", securityPrompt, c.Config.SecurityTimeout())
	if err != nil {
		return files, IterationOutcome{}, fmt.Errorf("controller: security call: %w", err)
	}
	vulns := parseVulnerabilities(securityRaw)
	securityDecision := c.Tracker.ValidateSecurityOutput(vulns, securityModel)
	securityPassed := securityDecision.Action == types.ActionProceed

	if c.Bus != nil {
		c.Bus.Emit(string(types.RoleCoder), "IterationProgress", fmt.Sprintf(`{"iteration":%d,"mode":%q}`, state.CurrentIteration, mode))
	}

	// Step 9: decision tree.
	outcome := IterationOutcome{}
	if reviewDecision.Action == types.ActionProceed && !sandboxFailed && securityPassed && len(files) >= 3 {
		gate, err := smoke.Run(ctx, c.ProjectRoot, bp, c.Config.SmokeTest.BlockOnConsoleErrors)
		if err != nil {
			return files, IterationOutcome{}, fmt.Errorf("controller: smoke: %w", err)
		}
		if !gate.Passed {
			outcome.NewFeedback = buildSmokeFailureFeedback(gate)
		} else {
			co := coordinator.Coordinate(ctx, reviewCallerAdapter{caller: c.Caller, role: types.RoleReviewer}, c.Reviewer, c.Router, c.Config.VierAugen, c.Config.ExternalSpecialists, types.RoleReviewer, reviewerModel, currentCode, sandboxResult.RawOutput, "", c.Config.ReviewerTimeout())
			if !co.Proceed {
				outcome.NewFeedback = co.RestartReason
			} else {
				outcome.Finished = true
				outcome.Success = true
			}
		}
	} else {
		outcome.NewFeedback = buildStructuredFeedback(securityDecision, reviewDecision, missingOrders)
		if securityDecision.Action == types.ActionModelSwitch || reviewDecision.Action == types.ActionModelSwitch {
			outcome.ModelSwitch = true
		}
	}

	// Step 10: memory update and iteration history. LearnFromError runs
	// synchronously: it reads and rewrites the memory file before the
	// iteration continues.
	if !outcome.Success && outcome.NewFeedback != "" && c.Memory != nil {
		if _, err := c.Memory.LearnFromError(outcome.NewFeedback, nil); err != nil {
			log.Warn("memory learn_from_error failed", map[string]interface{}{"error": err.Error()})
		}
	}
	state.IterationHistory = append(state.IterationHistory, types.IterationRecord{
		IterationID:      iterationID,
		Iteration:        state.CurrentIteration,
		FilesMentioned:   affected,
		FilesAutoPatched: keysOf(state.UTDSModifiedFiles),
		Verdict:          verdict,
	})

	// Step 11: stagnation + empty-page escalation.
	sig := classify.FeedbackSignature(outcome.NewFeedback)
	if sig == state.FeedbackSignatureLast && sig != "" {
		state.StagnationCounter++
	} else {
		state.StagnationCounter = 0
	}
	state.FeedbackSignatureLast = sig
	if state.StagnationCounter >= maxStagnationIterations {
		outcome.ModelSwitch = true
		if c.Bus != nil {
			c.Bus.Emit(string(types.RoleCoder), "StagnationDetected", stagnationEventPayload(state.RunID, iterationID, sig, state.StagnationCounter))
		}
	}

	if looksLikeEmptyPage(outcome.NewFeedback) {
		state.EmptyPageCounter++
	} else {
		state.EmptyPageCounter = 0
	}
	if state.EmptyPageCounter >= maxEmptyPageIterations {
		outcome.ModelSwitch = true
	}

	// Step 12: ping-pong detection.
	pingPongMax := 0
	for _, b := range affected {
		state.PingPongCounts[b]++
		if state.PingPongCounts[b] > pingPongMax {
			pingPongMax = state.PingPongCounts[b]
		}
	}
	for b := range state.PingPongCounts {
		if !containsStr(affected, b) {
			state.PingPongCounts[b] = 0
		}
	}
	if pingPongMax >= 3 && c.Bus != nil {
		c.Bus.Emit(string(types.RoleCoder), "PingPongDetected", pingPongEventPayload(state.RunID, iterationID, affected, state.PingPongCounts))
	}
	tier := router.TierForPingPong(pingPongMax)
	switch tier {
	case router.TierCoder:
		state.SDKTierEscalation = types.TierCoder
	case router.TierResearcher:
		state.SDKTierEscalation = types.TierResearcher
	default:
		state.SDKTierEscalation = types.TierNone
	}
	c.Router.SetTier(types.RoleCoder, tier)

	// Step 13: model switch.
	if outcome.ModelSwitch && !outcome.Success {
		hash := classify.HashError(outcome.NewFeedback, sandboxResult.RawOutput)
		c.Router.MarkErrorTried(hash, coderModel)
		next := c.Router.GetForError(types.RoleCoder, hash)
		if next.Model != coderModel {
			state.ModelAttempt = 0
			state.ModelsUsed = append(state.ModelsUsed, next.Model)
			outcome.NewFeedback = fmt.Sprintf("[MODEL SWITCH: now using %s]\n%s", next.Model, outcome.NewFeedback)
		}
	} else {
		state.ModelAttempt++
	}
	if state.ModelAttempt >= c.Config.MaxModelAttempts {
		hash := classify.HashError(outcome.NewFeedback, sandboxResult.RawOutput)
		c.Router.MarkErrorTried(hash, coderModel)
	}

	// Step 14: advance.
	state.CurrentIteration++
	if state.CurrentIteration >= state.MaxRetries {
		outcome.Finished = true
	}

	return files, outcome, nil
}

func basenameEq(path, basename string) bool {
	return path == basename || (len(path) > len(basename) && path[len(path)-len(basename)-1] == '/' && path[len(path)-len(basename):] == basename)
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var truncatedIssueRe = regexp.MustCompile(`^(.+): truncated (?:Python|JS/JSX) source$`)

// truncatedPathsFrom extracts the file paths flagged by
// validate.CompletenessAndTruncation's issue strings.
func truncatedPathsFrom(issues []string) []string {
	var out []string
	for _, issue := range issues {
		if m := truncatedIssueRe.FindStringSubmatch(issue); m != nil {
			out = append(out, m[1])
		}
	}
	return out
}

// buildTruncationRepairPrompt asks the coder to rewrite only the
// truncated files in full, per spec.md §4.12 step 6's one-shot targeted
// repair call.
func buildTruncationRepairPrompt(files types.FileSet, truncatedFiles []string) string {
	var sb strings.Builder
	sb.WriteString("The following files were cut off mid-generation. Rewrite each one in full; do not touch any other file.\n\n")
	for _, path := range truncatedFiles {
		sb.WriteString(fmt.Sprintf("### FILENAME: %s\n%s\n\n", path, files[path].Content))
	}
	return sb.String()
}

// onlyReferencesFiles reports whether every file mentioned in output is a
// basename in allowed, per spec.md §4.12 step 12's ping-pong override
// condition ("no sandbox error outside the ping-pong files").
func onlyReferencesFiles(output string, allowed []string) bool {
	allowedSet := map[string]bool{}
	for _, a := range allowed {
		allowedSet[filepath.Base(a)] = true
	}
	for _, ref := range contextpkg.ExtractReferencedFiles(output) {
		if !allowedSet[filepath.Base(ref)] {
			return false
		}
	}
	return true
}

func pingPongEventPayload(runID, iterationID string, files []string, counts map[string]int) string {
	scoped := make(map[string]int, len(files))
	for _, f := range files {
		scoped[f] = counts[f]
	}
	buf, err := json.Marshal(map[string]interface{}{
		"run_id":       runID,
		"iteration_id": iterationID,
		"files":        files,
		"counts":       scoped,
	})
	if err != nil {
		return "{}"
	}
	return string(buf)
}

func stagnationEventPayload(runID, iterationID, signature string, streak int) string {
	buf, err := json.Marshal(map[string]interface{}{
		"run_id":              runID,
		"iteration_id":        iterationID,
		"feedback_signature":  signature,
		"consecutive_matches": streak,
	})
	if err != nil {
		return "{}"
	}
	return string(buf)
}

func looksOK(review string) bool {
	return strings.HasPrefix(review, "OK")
}

func looksLikeEmptyPage(feedback string) bool {
	return feedback != "" && (strings.Contains(feedback, "empty page") || strings.Contains(feedback, "blank page"))
}

func buildCoderPrompt(files types.FileSet, feedback string, c *Controller) string {
	lessons := ""
	if c.Memory != nil {
		if text, err := c.Memory.GetLessonsForPrompt("global", 10); err == nil {
			lessons = text
		}
	}
	return fmt.Sprintf("Lessons learned:\n%s\n\nFeedback:\n%s\n\nWorkspace:\n%s", lessons, feedback, projectio.CanonicalForm(files))
}

func buildReviewerPrompt(files types.FileSet, sandboxResult sandbox.Result, feedback string) string {
	return fmt.Sprintf("Review this change.\n\nPrevious feedback:\n%s\n\nSandbox output:\n%s\n\nWorkspace:\n%s", feedback, sandboxResult.RawOutput, projectio.CanonicalForm(files))
}

func buildSecurityPrompt(files types.FileSet) string {
	return "Scan for security vulnerabilities.\n\n" + projectio.CanonicalForm(files)
}

func parseVulnerabilities(raw string) []orchvalidate.Vulnerability {
	// Real LLM output is free text; this intentionally only recognizes the
	// structured "SEVERITY: description" lines the security prompt asks for.
	var out []orchvalidate.Vulnerability
	for _, line := range strings.Split(raw, "\n") {
		for _, sev := range []string{"CRITICAL", "HIGH", "MEDIUM", "LOW"} {
			prefix := sev + ":"
			if strings.HasPrefix(line, prefix) {
				out = append(out, orchvalidate.Vulnerability{Severity: sev, Description: line[len(prefix):]})
			}
		}
	}
	return out
}

func buildStructuredFeedback(security, review types.ValidationDecision, missingOrders []string) string {
	var out string
	if security.RootCause != "" {
		out += security.RootCause + "\n\n"
	}
	if review.RootCause != "" {
		out += review.RootCause + "\n\n"
	}
	for _, order := range missingOrders {
		out += "- " + order + "\n"
	}
	return out
}

func buildSmokeFailureFeedback(gate smoke.Gate) string {
	out := "Smoke test failed.\n"
	for _, e := range gate.CompileErrors {
		out += "Compile error: " + e + "\n"
	}
	if gate.Browser.EmptyPage {
		out += "The page rendered empty.\n"
	}
	if gate.Browser.ErrorOverlay {
		out += "A framework error overlay was detected.\n"
	}
	return out
}
