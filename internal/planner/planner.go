// Package planner implements the Patch Planner (C6): decides whether an
// iteration should patch or fully regenerate, and extracts the affected
// file set from reviewer feedback, per spec.md §4.6. Grounded on the
// teacher's internal/agents/coder.go "targeted fix" heuristics and its
// regex-driven affected-file scanner.
package planner

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/forgeloop/orchestrator/internal/contextpkg"
	"github.com/forgeloop/orchestrator/internal/types"
)

// Mode is the patch-vs-full decision for one iteration.
type Mode string

const (
	ModeFull  Mode = "full"
	ModePatch Mode = "patch"
)

const maxAffectedFiles = 30

// targetedFixIndicators are additive signals that a fix is narrowly
// scoped rather than a full rewrite, per spec.md §4.6.
var targetedFixIndicators = []string{
	"error", "exception", "traceback", "failed", "unit-test", "unit test",
	"dokumentation", "documentation", "pflicht", "required", "must",
}

// IsTargetedFix scans feedback for the fixed indicator set. Empty
// feedback is always false.
func IsTargetedFix(feedback string) bool {
	if strings.TrimSpace(feedback) == "" {
		return false
	}
	low := strings.ToLower(feedback)
	for _, ind := range targetedFixIndicators {
		if strings.Contains(low, ind) {
			return true
		}
	}
	return false
}

var basenameExtRe = regexp.MustCompile(`\b([\w-]+\.(?:js|jsx|ts|tsx|py|go|css|html|json))\b`)

// AffectedFiles returns up to maxAffectedFiles basenames (not full paths)
// mentioned in feedback, reusing C5's reference regex set and filtering
// the same blacklisted prose filenames, per spec.md §4.6.
func AffectedFiles(feedback string) []string {
	refs := contextpkg.ExtractReferencedFiles(feedback)
	seen := map[string]bool{}
	var out []string
	for _, r := range refs {
		base := filepath.Base(r)
		if !seen[base] {
			seen[base] = true
			out = append(out, base)
		}
		if len(out) >= maxAffectedFiles {
			return out
		}
	}
	// Fall back to a direct basename scan in case ExtractReferencedFiles
	// missed a bare mention without backticks or brackets.
	for _, m := range basenameExtRe.FindAllStringSubmatch(feedback, -1) {
		base := m[1]
		if !seen[base] {
			seen[base] = true
			out = append(out, base)
		}
		if len(out) >= maxAffectedFiles {
			break
		}
	}
	return out
}

// FileStatus classifies one workspace path relative to the affected set.
type FileStatus string

const (
	StatusNew     FileStatus = "new"
	StatusError   FileStatus = "error"
	StatusCorrect FileStatus = "correct"
)

// ClassifyFiles classifies every path in files against the affected
// basenames, plus any path named in affected that is absent from files
// (a "new" target). Returns per-path status and the error-ratio used for
// logging, per spec.md §4.6.
func ClassifyFiles(files types.FileSet, affectedBasenames []string) (map[string]FileStatus, float64) {
	affected := map[string]bool{}
	for _, b := range affectedBasenames {
		affected[b] = true
	}

	out := make(map[string]FileStatus, len(files))
	errorCount := 0
	for path := range files {
		if affected[filepath.Base(path)] {
			out[path] = StatusError
			errorCount++
		} else {
			out[path] = StatusCorrect
		}
	}

	onDisk := map[string]bool{}
	for path := range files {
		onDisk[filepath.Base(path)] = true
	}
	for b := range affected {
		if !onDisk[b] {
			out[b] = StatusNew
		}
	}

	ratio := 0.0
	if len(files) > 0 {
		ratio = float64(errorCount) / float64(len(files))
	}
	return out, ratio
}

var (
	fetchRe       = regexp.MustCompile(`fetch\(\s*['"]/api/([\w/-]+)['"]`)
	relativeImport = regexp.MustCompile(`from\s+["']\.{1,2}/([^"']+)["']`)
)

// MissingFilesOrders scans the workspace for references to files that do
// not exist — API routes without a handler file, relative imports to
// absent modules — and returns explicit creation orders appended verbatim
// to the next prompt, per spec.md §4.6.
func MissingFilesOrders(files types.FileSet) []string {
	var orders []string
	seen := map[string]bool{}

	for path, rec := range files {
		for _, m := range fetchRe.FindAllStringSubmatch(rec.Content, -1) {
			route := m[1]
			candidates := []string{
				"pages/api/" + route + ".js", "pages/api/" + route + ".ts",
				"app/api/" + route + "/route.js", "app/api/" + route + "/route.ts",
			}
			if !anyExists(files, candidates) {
				order := "Create an API route handler for /api/" + route
				if !seen[order] {
					seen[order] = true
					orders = append(orders, order)
				}
			}
		}

		base := filepath.Dir(path)
		for _, m := range relativeImport.FindAllStringSubmatch(rec.Content, -1) {
			rel := m[1]
			target := filepath.ToSlash(filepath.Join(base, rel))
			candidates := []string{target, target + ".js", target + ".ts", target + ".jsx", target + ".tsx", target + "/index.js"}
			if !anyExists(files, candidates) {
				order := "Create the missing module " + target + " imported from " + path
				if !seen[order] {
					seen[order] = true
					orders = append(orders, order)
				}
			}
		}
	}
	return orders
}

func anyExists(files types.FileSet, candidates []string) bool {
	for _, c := range candidates {
		if _, ok := files[c]; ok {
			return true
		}
	}
	return false
}

// DecideMode returns ModeFull on the very first iteration, and after it
// only when the feedback is blank with no UTDS tasks pending and no
// affected files; every other case is ModePatch, per spec.md §4.6 and
// §4.12 step 3.
func DecideMode(iteration int, feedback string, utdsPending bool, affected []string) Mode {
	if iteration == 0 {
		return ModeFull
	}
	if utdsPending || len(affected) > 0 || IsTargetedFix(feedback) {
		return ModePatch
	}
	if strings.TrimSpace(feedback) == "" {
		return ModeFull
	}
	return ModePatch
}
