// Package contextpkg implements the Context Compressor (C5): shrinks a
// file-set to FULL/SUMMARY based on feedback relevance plus the import
// graph, per spec.md §4.5. Modeled on the teacher's internal/context
// package, whose compressor.go performs the same three-category
// (referenced / import-dependency / everything-else) split before
// building a reviewer prompt, and whose activation.go tracks a
// content-hash cache across iterations of one run.
package contextpkg

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/forgeloop/orchestrator/internal/types"
)

// CacheEntry is a per-run, per-path cached structural summary, keyed by
// content hash so an unchanged file returns its cached summary verbatim
// (spec.md §4.5 invariant).
type CacheEntry struct {
	Hash    string
	Summary string
}

// Cache is the first-class (map, cache) pair spec.md §9 asks for, instead
// of reflection over a dict carrying a private "_cache" entry.
type Cache map[string]CacheEntry

// blacklistedFilenames are prose mentions that must never be treated as
// real affected files (spec.md §4.5 category A).
var blacklistedFilenames = map[string]bool{
	"next.js": true, "node.js": true, "vue.js": true, "react.js": true,
}

// referenceRes recognizes feedback-referenced files: [DATEI:x], tracebacks,
// "Error: x", markdown backtick bullets, next.js dynamic segments.
var referenceRes = []*regexp.Regexp{
	regexp.MustCompile(`\[DATEI:([^\]]+)\]`),
	regexp.MustCompile(`(?m)^\s*File "([^"]+)"`),
	regexp.MustCompile("`([\\w./-]+\\.\\w+)`"),
	regexp.MustCompile(`(?m)^\s*[-*]\s+([\w./-]+\.\w+)\b`),
	regexp.MustCompile(`\b([\w./-]+\.(?:js|jsx|ts|tsx|py|go|css|html|json))\b`),
}

// ExtractReferencedFiles returns the basenames/paths mentioned in feedback
// via the fixed regex set, filtering blacklisted prose filenames.
func ExtractReferencedFiles(feedback string) []string {
	seen := map[string]bool{}
	var out []string
	for _, re := range referenceRes {
		for _, m := range re.FindAllStringSubmatch(feedback, -1) {
			if len(m) < 2 {
				continue
			}
			name := strings.TrimSpace(m[1])
			low := strings.ToLower(filepath.Base(name))
			if blacklistedFilenames[low] {
				continue
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

var importRes = []*regexp.Regexp{
	regexp.MustCompile(`from\s+["']\.{1,2}/([^"']+)["']`),
	regexp.MustCompile(`require\(["']\.{1,2}/([^"']+)["']\)`),
	regexp.MustCompile(`import\(["']\.{1,2}/([^"']+)["']\)`),
}

var resolveExts = []string{"", ".js", ".jsx", ".ts", ".tsx", ".py", "/index.js", "/index.ts", "/__init__.py"}

// ResolveImports parses relative imports in content and resolves each
// against files by trying resolveExts, returning resolved paths present
// in files (spec.md §4.5 category B).
func ResolveImports(fromPath, content string, files types.FileSet) []string {
	base := filepath.Dir(fromPath)
	var out []string
	seen := map[string]bool{}
	for _, re := range importRes {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			if len(m) < 2 {
				continue
			}
			rel := m[1]
			candidateBase := filepath.ToSlash(filepath.Clean(filepath.Join(base, rel)))
			for _, ext := range resolveExts {
				candidate := candidateBase + ext
				if _, ok := files[candidate]; ok && !seen[candidate] {
					seen[candidate] = true
					out = append(out, candidate)
				}
			}
		}
	}
	return out
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Summarize produces a structural summary of a single file by extension:
// imports/exports, top-level functions/classes, route verbs, React hooks,
// CSS selectors, JSON top-level keys, per spec.md §4.5 category C.
func Summarize(rec types.FileRecord) string {
	switch rec.Extension {
	case "json":
		return summarizeJSON(rec.Content)
	case "css":
		return summarizeCSS(rec.Content)
	case "py":
		return summarizeGeneric(rec.Content, []string{"def ", "class ", "import ", "from "})
	case "go":
		return summarizeGeneric(rec.Content, []string{"func ", "type ", "import "})
	default:
		return summarizeGeneric(rec.Content, []string{"function ", "const ", "class ", "import ", "export ", "useState", "useEffect"})
	}
}

var jsonKeyRe = regexp.MustCompile(`(?m)^\s*"([\w.-]+)"\s*:`)

func summarizeJSON(content string) string {
	var keys []string
	for _, m := range jsonKeyRe.FindAllStringSubmatch(content, -1) {
		keys = append(keys, m[1])
		if len(keys) >= 20 {
			break
		}
	}
	return "(SUMMARY) json keys: " + strings.Join(keys, ", ")
}

var cssSelectorRe = regexp.MustCompile(`(?m)^([.#][\w-]+)\s*\{`)

func summarizeCSS(content string) string {
	var sels []string
	for _, m := range cssSelectorRe.FindAllStringSubmatch(content, -1) {
		sels = append(sels, m[1])
		if len(sels) >= 20 {
			break
		}
	}
	return "(SUMMARY) css selectors: " + strings.Join(sels, ", ")
}

func summarizeGeneric(content string, markers []string) string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, m := range markers {
			if strings.HasPrefix(trimmed, m) || strings.Contains(trimmed, m) {
				lines = append(lines, trimmed)
				break
			}
		}
		if len(lines) >= 30 {
			break
		}
	}
	return "(SUMMARY)\n" + strings.Join(lines, "\n")
}

// Compress implements the full C5 pipeline: category A (feedback-
// referenced), category B (A's import dependencies), category C
// (everything else, replaced by a structural summary, cache-assisted).
//
// Invariants honored (spec.md §8):
//   - keys(output) == keys(input) — no file is dropped.
//   - every file in A ∪ B appears with full, unmodified content.
//   - a file in cache with unchanged hash returns the cached summary
//     verbatim; the cache grows monotonically across calls.
func Compress(files types.FileSet, feedback string, cache Cache) (types.FileSet, Cache) {
	if cache == nil {
		cache = Cache{}
	}

	referenced := map[string]bool{}
	for _, name := range ExtractReferencedFiles(feedback) {
		for path := range files {
			if path == name || filepath.Base(path) == filepath.Base(name) {
				referenced[path] = true
			}
		}
	}

	dependencies := map[string]bool{}
	for path := range referenced {
		for _, dep := range ResolveImports(path, files[path].Content, files) {
			dependencies[dep] = true
		}
	}

	out := make(types.FileSet, len(files))
	for path, rec := range files {
		if referenced[path] || dependencies[path] {
			out[path] = rec
			continue
		}

		hash := contentHash(rec.Content)
		if entry, ok := cache[path]; ok && entry.Hash == hash {
			out[path] = types.FileRecord{Path: path, Content: entry.Summary, Extension: rec.Extension, IsSummary: true}
			continue
		}

		summary := Summarize(rec)
		cache[path] = CacheEntry{Hash: hash, Summary: summary}
		out[path] = types.FileRecord{Path: path, Content: summary, Extension: rec.Extension, IsSummary: true}
	}

	return out, cache
}
