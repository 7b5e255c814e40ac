// Package patchexec implements the Parallel Patch Executor (C7): groups
// affected files by import-dependency using union-find, fans out one
// LLM patch call per group concurrently via golang.org/x/sync/errgroup,
// and merges the results back into the workspace under a truncation
// guard, per spec.md §4.7. Grounded on the teacher's internal/agents
// concurrent-dispatch pattern (errgroup.WithContext, one goroutine per
// unit of work) and its use of golang.org/x/sync/errgroup in
// internal/pipeline/parallel.go.
package patchexec

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgeloop/orchestrator/internal/config"
	"github.com/forgeloop/orchestrator/internal/contextpkg"
	"github.com/forgeloop/orchestrator/internal/logging"
	"github.com/forgeloop/orchestrator/internal/projectio"
	"github.com/forgeloop/orchestrator/internal/types"
)

// PatchCaller performs one group's LLM patch call. Implemented in
// practice by a small adapter over internal/invoker + internal/router,
// kept as an interface here so the executor is testable without a real
// provider.
type PatchCaller interface {
	CallPatch(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// PatchCallerFunc adapts a function to PatchCaller.
type PatchCallerFunc func(ctx context.Context, prompt string, timeout time.Duration) (string, error)

func (f PatchCallerFunc) CallPatch(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	return f(ctx, prompt, timeout)
}

// ShouldActivate reports whether the parallel path should be used for
// this set of affected files, per spec.md §4.7's activation condition.
func ShouldActivate(cfg config.ParallelPatchConfig, affected types.FileSet) bool {
	if !cfg.Enabled {
		return false
	}
	if len(affected) >= cfg.MinFilesForParallel {
		return true
	}
	total := 0
	for _, rec := range affected {
		total += len(rec.Content)
	}
	return total >= cfg.MinCharsForParallel
}

// unionFind is a minimal disjoint-set over file paths.
type unionFind struct {
	parent map[string]string
}

func newUnionFind(paths []string) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(paths))}
	for _, p := range paths {
		uf.parent[p] = p
	}
	return uf
}

func (uf *unionFind) find(x string) string {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[ra] = rb
	}
}

// Group is one unit of concurrent patch work.
type Group struct {
	Files types.FileSet
}

func (g Group) totalBytes() int {
	n := 0
	for _, rec := range g.Files {
		n += len(rec.Content)
	}
	return n
}

// ComputeGroups runs the union-find grouping algorithm of spec.md §4.7:
// files that import each other (within the affected set) live in the
// same connected component, then each component is split into
// size-capped sub-groups; an oversized single file occupies its own
// group.
func ComputeGroups(affected, fullWorkspace types.FileSet, cfg config.ParallelPatchConfig) []Group {
	paths := make([]string, 0, len(affected))
	for p := range affected {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	uf := newUnionFind(paths)
	for _, p := range paths {
		for _, dep := range contextpkg.ResolveImports(p, affected[p].Content, fullWorkspace) {
			if _, ok := affected[dep]; ok {
				uf.union(p, dep)
			}
		}
	}

	components := map[string][]string{}
	for _, p := range paths {
		root := uf.find(p)
		components[root] = append(components[root], p)
	}

	var rootsSorted []string
	for root := range components {
		rootsSorted = append(rootsSorted, root)
	}
	sort.Strings(rootsSorted)

	var groups []Group
	for _, root := range rootsSorted {
		members := components[root]
		sort.Strings(members)

		current := Group{Files: types.FileSet{}}
		for _, m := range members {
			rec := affected[m]
			if len(rec.Content) > cfg.MaxCharsPerGroup {
				if len(current.Files) > 0 {
					groups = append(groups, current)
					current = Group{Files: types.FileSet{}}
				}
				groups = append(groups, Group{Files: types.FileSet{m: rec}})
				continue
			}
			if len(current.Files) >= cfg.MaxFilesPerGroup || current.totalBytes()+len(rec.Content) > cfg.MaxCharsPerGroup {
				if len(current.Files) > 0 {
					groups = append(groups, current)
				}
				current = Group{Files: types.FileSet{}}
			}
			current.Files[m] = rec
		}
		if len(current.Files) > 0 {
			groups = append(groups, current)
		}
	}
	return groups
}

// filterFeedback keeps only the portions of feedback that mention any of
// this group's basenames, per spec.md §4.7.
func filterFeedback(feedback string, group Group) string {
	var basenames []string
	for p := range group.Files {
		basenames = append(basenames, filepath.Base(p))
	}
	var kept []string
	for _, line := range strings.Split(feedback, "\n") {
		for _, b := range basenames {
			if strings.Contains(line, b) {
				kept = append(kept, line)
				break
			}
		}
	}
	if len(kept) == 0 {
		return feedback
	}
	return strings.Join(kept, "\n")
}

func buildGroupPrompt(group Group, fullWorkspace types.FileSet, feedback string, cache contextpkg.Cache) (string, contextpkg.Cache) {
	pinned := fullWorkspace.Clone()
	for p, rec := range group.Files {
		pinned[p] = rec
	}
	compressed, newCache := contextpkg.Compress(pinned, feedback, cache)

	var b strings.Builder
	b.WriteString("Apply the following fix to these files only:\n\n")
	b.WriteString(filterFeedback(feedback, group))
	b.WriteString("\n\n")
	b.WriteString(projectio.CanonicalForm(compressed))
	return b.String(), newCache
}

// Execute launches one patch call per group concurrently (via
// errgroup.WithContext, bounded by a per-group timeout equal to the
// single-coder timeout), validates each returned file before accepting
// it, and returns the merged file set plus the list of rejected paths
// that were left unchanged, per spec.md §4.7 and §9's "rejected files
// are left unchanged" rule.
func Execute(ctx context.Context, caller PatchCaller, groups []Group, fullWorkspace types.FileSet, feedback string, timeout time.Duration, cache contextpkg.Cache, validate func(path, content, previous string) bool) (types.FileSet, []string, error) {
	log := logging.Get(logging.CategoryPatchExec)
	merged := fullWorkspace.Clone()
	var rejected []string

	type groupResult struct {
		files types.FileSet
	}
	results := make([]groupResult, len(groups))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, group := range groups {
		i, group := i, group
		eg.Go(func() error {
			prompt, _ := buildGroupPrompt(group, fullWorkspace, feedback, cache)
			callCtx, cancel := context.WithTimeout(egCtx, timeout)
			defer cancel()

			blob, err := caller.CallPatch(callCtx, prompt, timeout)
			if err != nil {
				log.Warn("group patch call failed", map[string]interface{}{"group": i, "error": err.Error()})
				return nil
			}
			parsed := projectio.ParseMultiFile(blob)
			results[i] = groupResult{files: parsed}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, fmt.Errorf("patchexec: %w", err)
	}

	for _, res := range results {
		for path, rec := range res.files {
			previous := fullWorkspace[path].Content
			if validate != nil && !validate(path, rec.Content, previous) {
				rejected = append(rejected, path)
				continue
			}
			merged[path] = rec
		}
	}

	return merged, rejected, nil
}
