// Package projectio implements Project I/O (C15): reads/writes the
// project workspace, parses "### FILENAME:" multi-file blobs, normalizes
// paths, and enforces a forbidden list, per spec.md §4.15. Modeled on the
// teacher's internal/world/fs.go workspace-walking conventions (skip
// .git/node_modules/__pycache__/.next/venv/dist/build) and its
// SHA256-based change detection idiom.
package projectio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forgeloop/orchestrator/internal/logging"
	"github.com/forgeloop/orchestrator/internal/types"
)

const fileMarkerPrefix = "### FILENAME:"

// ForbiddenPaths is never generated or diffed, per spec.md §3.
var ForbiddenPaths = map[string]bool{
	"package-lock.json": true,
	"node_modules":       true,
	".next":              true,
}

// excludedDirNames additionally excludes these directories anywhere in a
// path, matching the teacher's workspace scan exclusions.
var excludedDirNames = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, ".next": true,
	"venv": true, ".venv": true, "dist": true, "build": true, ".cache": true,
}

// IsForbidden reports whether posixPath should never be generated/diffed.
func IsForbidden(posixPath string) bool {
	base := filepath.Base(posixPath)
	if ForbiddenPaths[base] {
		return true
	}
	for _, part := range strings.Split(posixPath, "/") {
		if ForbiddenPaths[part] {
			return true
		}
	}
	return false
}

// NormalizePath converts an OS path to POSIX-normalized relative form,
// per spec.md §3 "Files are addressed by POSIX-normalized relative paths."
func NormalizePath(p string) string {
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(p, "./")
	return strings.TrimPrefix(p, "/")
}

// hyphenVariants lists the LLM-produced Unicode hyphen variants that
// sanitizeHyphens maps back to ASCII minus, per spec.md §4.15
// write_files().
var hyphenVariants = []string{"‐", "‑", "‒", "–", "—", "―", "−"}

func sanitizeHyphens(s string) string {
	for _, h := range hyphenVariants {
		s = strings.ReplaceAll(s, h, "-")
	}
	return s
}

// ParseMultiFile splits blob on lines starting with "### FILENAME:" and
// collects following lines until the next marker or EOF. One blank line
// directly before a marker is taken as the separator CanonicalForm puts
// between files and is not kept in the content, so parsing CanonicalForm
// output gives back files whose content ends in a newline. The shrink &
// truncation guard is the caller's responsibility (via ShrinkGuard)
// before accepting a write; forbidden paths are always skipped here, per
// spec.md §4.15.
func ParseMultiFile(blob string) types.FileSet {
	out := types.FileSet{}
	lines := strings.Split(blob, "\n")

	var currentPath string
	var buf []string
	flush := func() {
		if currentPath == "" {
			return
		}
		path := NormalizePath(currentPath)
		if IsForbidden(path) {
			currentPath = ""
			buf = nil
			return
		}
		content := sanitizeHyphens(strings.Join(buf, "\n"))
		out[path] = types.FileRecord{
			Path:      path,
			Content:   content,
			Extension: strings.TrimPrefix(filepath.Ext(path), "."),
		}
		buf = nil
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), fileMarkerPrefix) {
			if n := len(buf); n >= 2 && buf[n-1] == "" && buf[n-2] == "" {
				buf = buf[:n-1]
			}
			flush()
			currentPath = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fileMarkerPrefix))
			continue
		}
		if currentPath != "" {
			buf = append(buf, line)
		}
	}
	flush()
	return out
}

// ShrinkGuard rejects a candidate file that is strictly shorter than its
// previous on-disk version by more than threshold bytes, per spec.md
// §4.8's "shrink guard" and §4.15's patch-mode write rejection.
func ShrinkGuard(previous, candidate string, threshold int) bool {
	if threshold <= 0 {
		threshold = 40
	}
	return len(previous)-len(candidate) > threshold
}

// WriteFiles creates parent directories and writes UTF-8 content for each
// file in files rooted at root, per spec.md §4.15.
func WriteFiles(root string, files types.FileSet) error {
	log := logging.Get(logging.CategoryProjectIO)
	for path, rec := range files {
		if IsForbidden(path) {
			continue
		}
		full := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("projectio: mkdir for %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(sanitizeHyphens(rec.Content)), 0o644); err != nil {
			return fmt.Errorf("projectio: write %s: %w", path, err)
		}
		log.Debug("wrote file", map[string]interface{}{"path": path, "bytes": len(rec.Content)})
	}
	return nil
}

// allowedExtensions is the default set Project I/O considers text/source
// during a workspace read.
var allowedExtensions = map[string]bool{
	"go": true, "js": true, "jsx": true, "ts": true, "tsx": true, "py": true,
	"json": true, "yaml": true, "yml": true, "md": true, "css": true,
	"html": true, "txt": true, "sh": true, "toml": true, "mod": true, "sum": true,
}

// ReadWorkspace walks root excluding the conventional build/VCS dirs and
// returns FileSet for files whose extension is in includeExts (or the
// default set when includeExts is nil), per spec.md §4.15.
func ReadWorkspace(root string, includeExts map[string]bool) (types.FileSet, error) {
	if includeExts == nil {
		includeExts = allowedExtensions
	}
	out := types.FileSet{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if excludedDirNames[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if !includeExts[ext] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPosix := NormalizePath(rel)
		if IsForbidden(relPosix) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[relPosix] = types.FileRecord{Path: relPosix, Content: string(data), Extension: ext}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("projectio: walk %s: %w", root, err)
	}
	return out, nil
}

// CanonicalForm renders a FileSet back into "### FILENAME:" blob form,
// sorted by path, matching spec.md §8's parallel-patch-merge invariant:
// join("\n\n", sorted "### FILENAME: p\n<content>").
func CanonicalForm(files types.FileSet) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var parts []string
	for _, p := range paths {
		parts = append(parts, fmt.Sprintf("%s %s\n%s", fileMarkerPrefix, p, files[p].Content))
	}
	return strings.Join(parts, "\n\n")
}
