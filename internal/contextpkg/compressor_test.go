package contextpkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/orchestrator/internal/types"
)

func sampleFiles() types.FileSet {
	return types.FileSet{
		"src/a.js": {Path: "src/a.js", Content: "import { b } from './b';\nfunction a() { return b(); }\n", Extension: "js"},
		"src/b.js": {Path: "src/b.js", Content: "export function b() { return 1; }\n", Extension: "js"},
		"src/c.js": {Path: "src/c.js", Content: "export function c() { return 2; }\n", Extension: "js"},
	}
}

func TestExtractReferencedFilesBacktickAndDatei(t *testing.T) {
	fb := "The error is in `src/a.js` and also [DATEI:src/b.js]"
	refs := ExtractReferencedFiles(fb)
	assert.Contains(t, refs, "src/a.js")
	assert.Contains(t, refs, "src/b.js")
}

func TestExtractReferencedFilesSkipsBlacklistedProse(t *testing.T) {
	fb := "This happens because of Next.js routing rules"
	refs := ExtractReferencedFiles(fb)
	for _, r := range refs {
		assert.NotEqual(t, "next.js", r)
	}
}

func TestResolveImportsFindsRelativeDependency(t *testing.T) {
	files := sampleFiles()
	deps := ResolveImports("src/a.js", files["src/a.js"].Content, files)
	assert.Contains(t, deps, "src/b.js")
}

func TestCompressKeepsAllKeys(t *testing.T) {
	files := sampleFiles()
	out, _ := Compress(files, "`src/a.js` is broken", nil)
	require.Len(t, out, len(files))
	for k := range files {
		_, ok := out[k]
		assert.True(t, ok)
	}
}

func TestCompressReferencedAndDependencyKeepFullContent(t *testing.T) {
	files := sampleFiles()
	out, _ := Compress(files, "`src/a.js` is broken", nil)

	assert.Equal(t, files["src/a.js"].Content, out["src/a.js"].Content)
	assert.False(t, out["src/a.js"].IsSummary)

	assert.Equal(t, files["src/b.js"].Content, out["src/b.js"].Content)
	assert.False(t, out["src/b.js"].IsSummary)
}

func TestCompressSummarizesUnrelatedFiles(t *testing.T) {
	files := sampleFiles()
	out, _ := Compress(files, "`src/a.js` is broken", nil)

	assert.True(t, out["src/c.js"].IsSummary)
	assert.NotEqual(t, files["src/c.js"].Content, out["src/c.js"].Content)
}

func TestCompressCacheHitReturnsVerbatimAndGrowsMonotonically(t *testing.T) {
	files := sampleFiles()
	_, cache := Compress(files, "`src/a.js` is broken", nil)
	require.Contains(t, cache, "src/c.js")
	first := cache["src/c.js"]

	out2, cache2 := Compress(files, "`src/a.js` is broken", cache)
	assert.Equal(t, first.Summary, out2["src/c.js"].Content)
	assert.GreaterOrEqual(t, len(cache2), len(cache))
}

func TestCompressCacheInvalidatesOnContentChange(t *testing.T) {
	files := sampleFiles()
	_, cache := Compress(files, "`src/a.js` is broken", nil)

	changed := files.Clone()
	changed["src/c.js"] = types.FileRecord{Path: "src/c.js", Content: "export function c() { return 999; }\n", Extension: "js"}

	oldHash := cache["src/c.js"].Hash
	out2, cache2 := Compress(changed, "`src/a.js` is broken", cache)
	assert.NotEqual(t, oldHash, cache2["src/c.js"].Hash)
	assert.Contains(t, out2["src/c.js"].Content, "SUMMARY")
}

func TestSummarizeJSONExtractsKeys(t *testing.T) {
	rec := types.FileRecord{Extension: "json", Content: "{\n  \"name\": \"app\",\n  \"version\": \"1.0.0\"\n}\n"}
	s := Summarize(rec)
	assert.Contains(t, s, "name")
	assert.Contains(t, s, "version")
}

func TestSummarizeCSSExtractsSelectors(t *testing.T) {
	rec := types.FileRecord{Extension: "css", Content: ".button {\n  color: red;\n}\n#header {\n  height: 10px;\n}\n"}
	s := Summarize(rec)
	assert.Contains(t, s, ".button")
	assert.Contains(t, s, "#header")
}
