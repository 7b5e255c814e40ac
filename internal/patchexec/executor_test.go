package patchexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/orchestrator/internal/config"
	"github.com/forgeloop/orchestrator/internal/projectio"
	"github.com/forgeloop/orchestrator/internal/types"
)

func TestShouldActivateByFileCount(t *testing.T) {
	cfg := config.ParallelPatchConfig{Enabled: true, MinFilesForParallel: 2, MinCharsForParallel: 1_000_000}
	affected := types.FileSet{"a.js": {Content: "x"}, "b.js": {Content: "y"}}
	assert.True(t, ShouldActivate(cfg, affected))
}

func TestShouldActivateByByteSize(t *testing.T) {
	cfg := config.ParallelPatchConfig{Enabled: true, MinFilesForParallel: 100, MinCharsForParallel: 3}
	affected := types.FileSet{"a.js": {Content: "xxxx"}}
	assert.True(t, ShouldActivate(cfg, affected))
}

func TestShouldActivateDisabled(t *testing.T) {
	cfg := config.ParallelPatchConfig{Enabled: false, MinFilesForParallel: 0, MinCharsForParallel: 0}
	affected := types.FileSet{"a.js": {Content: "xxxx"}}
	assert.False(t, ShouldActivate(cfg, affected))
}

func TestComputeGroupsUnitesImportingFiles(t *testing.T) {
	full := types.FileSet{
		"src/a.js": {Path: "src/a.js", Content: "import { b } from './b';"},
		"src/b.js": {Path: "src/b.js", Content: "export function b(){}"},
		"src/c.js": {Path: "src/c.js", Content: "export function c(){}"},
	}
	cfg := config.ParallelPatchConfig{MaxFilesPerGroup: 10, MaxCharsPerGroup: 10_000}
	groups := ComputeGroups(full, full, cfg)

	var sawAWithB bool
	for _, g := range groups {
		_, hasA := g.Files["src/a.js"]
		_, hasB := g.Files["src/b.js"]
		if hasA && hasB {
			sawAWithB = true
		}
	}
	assert.True(t, sawAWithB)
}

func TestComputeGroupsSplitsOversizedComponent(t *testing.T) {
	full := types.FileSet{
		"a.js": {Path: "a.js", Content: "aaaa"},
		"b.js": {Path: "b.js", Content: "bbbb"},
		"c.js": {Path: "c.js", Content: "cccc"},
	}
	cfg := config.ParallelPatchConfig{MaxFilesPerGroup: 1, MaxCharsPerGroup: 10_000}
	groups := ComputeGroups(full, full, cfg)
	require.Len(t, groups, 3)
	for _, g := range groups {
		assert.LessOrEqual(t, len(g.Files), 1)
	}
}

func TestComputeGroupsGivesOversizedFileItsOwnGroup(t *testing.T) {
	full := types.FileSet{
		"big.js":   {Path: "big.js", Content: "0123456789"},
		"small.js": {Path: "small.js", Content: "x"},
	}
	cfg := config.ParallelPatchConfig{MaxFilesPerGroup: 10, MaxCharsPerGroup: 5}
	groups := ComputeGroups(full, full, cfg)

	var bigAlone bool
	for _, g := range groups {
		if _, ok := g.Files["big.js"]; ok && len(g.Files) == 1 {
			bigAlone = true
		}
	}
	assert.True(t, bigAlone)
}

func TestExecuteMergesAcceptedAndSkipsRejected(t *testing.T) {
	full := types.FileSet{
		"a.js": {Path: "a.js", Content: "old-a"},
		"b.js": {Path: "b.js", Content: "old-b"},
	}
	groups := []Group{
		{Files: types.FileSet{"a.js": full["a.js"]}},
		{Files: types.FileSet{"b.js": full["b.js"]}},
	}

	caller := PatchCallerFunc(func(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
		if len(prompt) > 0 && containsBasename(prompt, "fix a.js") {
			return projectio.CanonicalForm(types.FileSet{"a.js": {Path: "a.js", Content: "new-a-content"}}), nil
		}
		return projectio.CanonicalForm(types.FileSet{"b.js": {Path: "b.js", Content: "x"}}), nil
	})

	validate := func(path, content, previous string) bool {
		return len(content) >= len(previous)
	}

	merged, rejected, err := Execute(context.Background(), caller, groups, full, "fix a.js\nfix b.js", time.Second, nil, validate)
	require.NoError(t, err)
	assert.Equal(t, "new-a-content", merged["a.js"].Content)
	assert.Contains(t, rejected, "b.js")
	assert.Equal(t, "old-b", merged["b.js"].Content)
}

func containsBasename(s, name string) bool {
	for i := 0; i+len(name) <= len(s); i++ {
		if s[i:i+len(name)] == name {
			return true
		}
	}
	return false
}
