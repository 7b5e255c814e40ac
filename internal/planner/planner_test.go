package planner

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgeloop/orchestrator/internal/types"
)

func TestIsTargetedFixEmptyFeedbackFalse(t *testing.T) {
	assert.False(t, IsTargetedFix(""))
	assert.False(t, IsTargetedFix("   "))
}

func TestIsTargetedFixDetectsIndicators(t *testing.T) {
	assert.True(t, IsTargetedFix("this MUST be fixed"))
	assert.True(t, IsTargetedFix("Traceback (most recent call last)"))
	assert.False(t, IsTargetedFix("looks great, ship it"))
}

func TestAffectedFilesExtractsBasenames(t *testing.T) {
	fb := "The error is in `src/a.js`, also see [DATEI:pkg/sub/b.go]"
	files := AffectedFiles(fb)
	assert.Contains(t, files, "a.js")
	assert.Contains(t, files, "b.go")
}

func TestAffectedFilesCapsAtThirty(t *testing.T) {
	fb := ""
	for i := 0; i < 50; i++ {
		fb += "`file" + strconv.Itoa(i) + ".js` "
	}
	files := AffectedFiles(fb)
	assert.LessOrEqual(t, len(files), maxAffectedFiles)
}

func TestClassifyFilesMarksErrorNewCorrect(t *testing.T) {
	files := types.FileSet{
		"src/a.js": {Path: "src/a.js", Content: "x"},
		"src/c.js": {Path: "src/c.js", Content: "y"},
	}
	statuses, ratio := ClassifyFiles(files, []string{"a.js", "missing.js"})
	assert.Equal(t, StatusError, statuses["src/a.js"])
	assert.Equal(t, StatusCorrect, statuses["src/c.js"])
	assert.Equal(t, StatusNew, statuses["missing.js"])
	assert.InDelta(t, 0.5, ratio, 0.001)
}

func TestMissingFilesOrdersDetectsUnroutedFetch(t *testing.T) {
	files := types.FileSet{
		"pages/index.js": {Path: "pages/index.js", Content: "fetch('/api/widgets')"},
	}
	orders := MissingFilesOrders(files)
	assert.NotEmpty(t, orders)
}

func TestMissingFilesOrdersSkipsExistingRoute(t *testing.T) {
	files := types.FileSet{
		"pages/index.js":        {Path: "pages/index.js", Content: "fetch('/api/widgets')"},
		"pages/api/widgets.js": {Path: "pages/api/widgets.js", Content: "export default function(req,res){}"},
	}
	orders := MissingFilesOrders(files)
	assert.Empty(t, orders)
}

func TestMissingFilesOrdersDetectsAbsentRelativeImport(t *testing.T) {
	files := types.FileSet{
		"src/a.js": {Path: "src/a.js", Content: "import { helper } from './helper'"},
	}
	orders := MissingFilesOrders(files)
	assert.NotEmpty(t, orders)
}

func TestDecideModeFirstIterationAlwaysFull(t *testing.T) {
	assert.Equal(t, ModeFull, DecideMode(0, "MUST fix this", true, []string{"a.js"}))
}

func TestDecideModePatchWhenAffectedFilesPresent(t *testing.T) {
	assert.Equal(t, ModePatch, DecideMode(1, "some feedback", false, []string{"a.js"}))
}

func TestDecideModeFullWhenEmptyFeedbackNoAffected(t *testing.T) {
	assert.Equal(t, ModeFull, DecideMode(1, "", false, nil))
}

func TestDecideModePatchWhenUTDSPending(t *testing.T) {
	assert.Equal(t, ModePatch, DecideMode(2, "", true, nil))
}
