package projectio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/orchestrator/internal/types"
)

func TestParseMultiFileBasic(t *testing.T) {
	blob := "### FILENAME: a.go\npackage a\n\n### FILENAME: sub/b.go\npackage b\n"
	files := ParseMultiFile(blob)
	require.Len(t, files, 2)
	assert.Equal(t, "package a\n", files["a.go"].Content)
	assert.Equal(t, "package b\n", files["sub/b.go"].Content)
}

func TestParseMultiFileSkipsForbidden(t *testing.T) {
	blob := "### FILENAME: package-lock.json\n{}\n### FILENAME: a.go\npackage a\n"
	files := ParseMultiFile(blob)
	_, ok := files["package-lock.json"]
	assert.False(t, ok)
	_, ok = files["a.go"]
	assert.True(t, ok)
}

func TestParseWriteRoundTrip(t *testing.T) {
	original := types.FileSet{
		"a.go":     {Path: "a.go", Content: "package a\n"},
		"sub/b.go": {Path: "sub/b.go", Content: "package b\n"},
	}
	blob := CanonicalForm(original)
	parsed := ParseMultiFile(blob)

	// Compare ignoring the Extension field, which round-trips via
	// ReadWorkspace rather than ParseMultiFile.
	for k, v := range parsed {
		v.Extension = ""
		parsed[k] = v
	}
	if diff := cmp.Diff(original, parsed); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteThenReadWorkspaceRoundTrip(t *testing.T) {
	root := t.TempDir()
	files := types.FileSet{
		"main.go":    {Path: "main.go", Content: "package main\n"},
		"pkg/lib.go": {Path: "pkg/lib.go", Content: "package pkg\n"},
	}
	require.NoError(t, WriteFiles(root, files))

	read, err := ReadWorkspace(root, nil)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", read["main.go"].Content)
	assert.Equal(t, "package pkg\n", read["pkg/lib.go"].Content)
}

func TestReadWorkspaceExcludesNodeModules(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "x", "index.js"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.js"), []byte("console.log(1)"), 0o644))

	read, err := ReadWorkspace(root, nil)
	require.NoError(t, err)
	_, ok := read["node_modules/x/index.js"]
	assert.False(t, ok)
	_, ok = read["app.js"]
	assert.True(t, ok)
}

func TestShrinkGuardRejectsShrunkFile(t *testing.T) {
	prev := "this is a reasonably long file with lots of content in it to compare against"
	candidate := "short"
	assert.True(t, ShrinkGuard(prev, candidate, 10))
	assert.False(t, ShrinkGuard(prev, prev, 10))
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "a/b.go", NormalizePath("./a/b.go"))
	assert.Equal(t, "a/b.go", NormalizePath("/a/b.go"))
}

func TestIsForbidden(t *testing.T) {
	assert.True(t, IsForbidden("package-lock.json"))
	assert.True(t, IsForbidden("node_modules/foo/index.js"))
	assert.False(t, IsForbidden("src/app.js"))
}
