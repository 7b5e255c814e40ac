package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgeloop/orchestrator/internal/types"
)

func TestIsPythonTruncatedDetectsTrailingColon(t *testing.T) {
	assert.True(t, IsPythonTruncated("def foo():\n    x = 1\nif x:"))
}

func TestIsPythonTruncatedAcceptsCompleteFile(t *testing.T) {
	assert.False(t, IsPythonTruncated("def foo():\n    return 1\n"))
}

func TestIsJSTruncatedDetectsUnbalancedBrace(t *testing.T) {
	assert.True(t, IsJSTruncated("function foo() {\n  return 1;\n"))
}

func TestIsJSTruncatedAcceptsBalanced(t *testing.T) {
	assert.False(t, IsJSTruncated("function foo() {\n  return 1;\n}\n"))
}

func TestIsJSTruncatedDetectsUnclosedJSXTag(t *testing.T) {
	assert.True(t, IsJSTruncated("function App() { return (<div><span></div>); }"))
}

func TestCompletenessAndTruncationAppliesShrinkGuard(t *testing.T) {
	files := types.FileSet{"a.py": {Path: "a.py", Extension: "py", Content: "x = 1\n"}}
	previous := types.FileSet{"a.py": {Path: "a.py", Extension: "py", Content: "x = 1\ny = 2\nz = 3\nw = 4\nq = 5\n"}}
	res := CompletenessAndTruncation(files, previous, 5)
	assert.False(t, res.Passed)
}

func TestReferenceValidatorFlagsMissingLocalTarget(t *testing.T) {
	files := types.FileSet{
		"index.html": {Path: "index.html", Extension: "html", Content: `<script src="missing.js"></script>`},
	}
	res := ReferenceValidator(files)
	assert.False(t, res.Passed)
}

func TestReferenceValidatorIgnoresExternalURL(t *testing.T) {
	files := types.FileSet{
		"index.html": {Path: "index.html", Extension: "html", Content: `<script src="https://cdn.example.com/x.js"></script>`},
	}
	res := ReferenceValidator(files)
	assert.True(t, res.Passed)
}

func TestRunScriptValidatorRejectsPause(t *testing.T) {
	files := types.FileSet{"run.sh": {Path: "run.sh", Content: "npm install && npm start\npause\n"}}
	res := RunScriptValidator(files, true, "run.sh", "npm install", "npm start")
	assert.False(t, res.Passed)
}

func TestRunScriptValidatorRequiresExistence(t *testing.T) {
	res := RunScriptValidator(types.FileSet{}, true, "run.sh", "", "")
	assert.False(t, res.Passed)
}

func TestTemplateStructureValidatorFlagsMissing(t *testing.T) {
	res := TemplateStructureValidator(types.FileSet{}, []string{"README.md"})
	assert.False(t, res.Passed)
}

func TestFrameworkStructureValidatorRequiresGlobalsCSS(t *testing.T) {
	files := types.FileSet{"app/_app.js": {Path: "app/_app.js"}}
	res := FrameworkStructureValidator(files, `{"dependencies":{"react":"18","react-dom":"18"}}`)
	assert.False(t, res.Passed)
}

func TestFrameworkStructureValidatorRequiresReactDOM(t *testing.T) {
	files := types.FileSet{
		"app/_app.js":          {Path: "app/_app.js"},
		"styles/globals.css": {Path: "styles/globals.css"},
	}
	res := FrameworkStructureValidator(files, `{"dependencies":{"react":"18"}}`)
	assert.False(t, res.Passed)
}

func TestImportDependencyValidatorFlagsUndeclared(t *testing.T) {
	files := types.FileSet{
		"src/a.js": {Path: "src/a.js", Extension: "js", Content: `import axios from "axios";`},
	}
	res := ImportDependencyValidator(files, map[string]bool{})
	assert.False(t, res.Passed)
}

func TestImportDependencyValidatorIgnoresPathAliasAndBuiltins(t *testing.T) {
	files := types.FileSet{
		"src/a.js": {Path: "src/a.js", Extension: "js", Content: "import x from \"@/lib/x\";\nconst fs = require(\"fs\");"},
	}
	res := ImportDependencyValidator(files, map[string]bool{})
	assert.True(t, res.Passed)
}

func TestInlineSVGPagesRouterForbiddenLibValidatorWarnsOnConflict(t *testing.T) {
	files := types.FileSet{
		"pages/index.js": {Path: "pages/index.js"},
		"app/layout.js":  {Path: "app/layout.js"},
	}
	res := InlineSVGPagesRouterForbiddenLibValidator(files, map[string]bool{"better-sqlite3": true})
	assert.True(t, res.Passed)
	assert.NotEmpty(t, res.Warnings)
}

func TestPyPIVersionValidatorFailsOpenOnNetworkError(t *testing.T) {
	checker := func(pkg, version string) (bool, error) { return false, errors.New("network down") }
	res := PyPIVersionValidator("flask==2.0.0\n", checker)
	assert.True(t, res.Passed)
}

func TestPyPIVersionValidator404IsError(t *testing.T) {
	checker := func(pkg, version string) (bool, error) { return false, nil }
	res := PyPIVersionValidator("flask==99.99.99\n", checker)
	assert.False(t, res.Passed)
}

func TestCircularImportValidatorDetectsCycle(t *testing.T) {
	files := types.FileSet{
		"a.py": {Path: "a.py", Extension: "py", Content: "import b\n"},
		"b.py": {Path: "b.py", Extension: "py", Content: "import a\n"},
	}
	res := CircularImportValidator(files)
	assert.False(t, res.Passed)
}

func TestCircularImportValidatorPassesAcyclic(t *testing.T) {
	files := types.FileSet{
		"a.py": {Path: "a.py", Extension: "py", Content: "import b\n"},
		"b.py": {Path: "b.py", Extension: "py", Content: "x = 1\n"},
	}
	res := CircularImportValidator(files)
	assert.True(t, res.Passed)
}

func TestInvalidPyPIPackageValidatorFlagsJSPackages(t *testing.T) {
	res := InvalidPyPIPackageValidator("jquery==1.0\nflask==2.0\n")
	assert.False(t, res.Passed)
}
