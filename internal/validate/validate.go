// Package validate implements the Pre-Sandbox Validators (C8): a fixed
// battery that each returns {passed, issues[], warnings[]}, run before
// handing a workspace to the sandbox, per spec.md §4.8. Grounded on the
// teacher's tree-sitter-backed parsers in internal/world (python_parser.go,
// ast_treesitter.go) for AST-based truncation detection, and on its
// internal/world/fs.go conventions for workspace scanning.
package validate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/forgeloop/orchestrator/internal/projectio"
	"github.com/forgeloop/orchestrator/internal/types"
)

// Result is the shape every validator returns, per spec.md §4.8.
type Result struct {
	Passed   bool
	Issues   []string
	Warnings []string
}

func merge(results ...Result) Result {
	out := Result{Passed: true}
	for _, r := range results {
		out.Issues = append(out.Issues, r.Issues...)
		out.Warnings = append(out.Warnings, r.Warnings...)
		if !r.Passed {
			out.Passed = false
		}
	}
	return out
}

// truncationSuffixes lists trailing tokens on Python/JS-family source
// whose presence on the last non-blank line indicates truncation, per
// spec.md §4.8.
var truncationSuffixes = []string{
	"(", "[", "{", ":", ",", "def", "class", "if", "for", "while",
	"return", "yield", "raise", "import", "from",
}

func lastNonBlankLine(content string) string {
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func endsWithTruncationSuffix(line string) bool {
	for _, suf := range truncationSuffixes {
		if strings.HasSuffix(line, suf) {
			return true
		}
		// bare keywords (def/class/...) appear as the whole trailing word,
		// not necessarily glued to the line end with no space.
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[len(fields)-1] == suf {
			return true
		}
	}
	return false
}

func balanced(content string, opens, closes string) bool {
	var stack []rune
	pairs := map[rune]rune{}
	for i, o := range opens {
		pairs[rune(closes[i])] = o
		_ = o
	}
	inString := false
	var quote rune
	for _, r := range content {
		if inString {
			if r == quote {
				inString = false
			}
			continue
		}
		switch {
		case r == '\'' || r == '"' || r == '`':
			inString = true
			quote = r
		case strings.ContainsRune(opens, r):
			stack = append(stack, r)
		case strings.ContainsRune(closes, r):
			if len(stack) == 0 {
				return false
			}
			want := pairs[r]
			if stack[len(stack)-1] != want {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

// IsPythonTruncated parses content with go-tree-sitter's python grammar
// and additionally checks the last-line heuristic, per spec.md §4.8.
func IsPythonTruncated(content string) bool {
	if endsWithTruncationSuffix(lastNonBlankLine(content)) {
		return true
	}
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, []byte(content))
	if err != nil || tree == nil {
		return true
	}
	defer tree.Close()
	return treeHasError(tree.RootNode())
}

// IsJSTruncated checks brace/bracket/paren and quote balance for
// JS/JSX-family content, an open-JSX-tag check, and finally a tree-sitter
// AST walk for error/missing nodes, mirroring IsPythonTruncated's
// AST-error escalation, per spec.md §4.8.
func IsJSTruncated(content string) bool {
	stripped := stripComments(content)
	if !balanced(stripped, "([{", ")]}") {
		return true
	}
	if hasUnclosedJSXTag(stripped) {
		return true
	}
	tree, err := ParseJSWithTreeSitter(content)
	if err != nil || tree == nil {
		return true
	}
	defer tree.Close()
	return treeHasError(tree.RootNode())
}

var lineCommentRe = regexp.MustCompile(`//.*`)
var blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)

func stripComments(content string) string {
	content = blockCommentRe.ReplaceAllString(content, "")
	content = lineCommentRe.ReplaceAllString(content, "")
	return content
}

var jsxOpenRe = regexp.MustCompile(`<([A-Za-z][\w.]*)(?:\s[^>]*)?>`)
var jsxCloseRe = regexp.MustCompile(`</([A-Za-z][\w.]*)>`)
var jsxSelfCloseRe = regexp.MustCompile(`<([A-Za-z][\w.]*)[^>]*/>`)

func hasUnclosedJSXTag(content string) bool {
	opens := map[string]int{}
	for _, m := range jsxOpenRe.FindAllStringSubmatch(content, -1) {
		opens[m[1]]++
	}
	for _, m := range jsxSelfCloseRe.FindAllStringSubmatch(content, -1) {
		opens[m[1]]--
	}
	for _, m := range jsxCloseRe.FindAllStringSubmatch(content, -1) {
		opens[m[1]]--
	}
	for _, count := range opens {
		if count > 0 {
			return true
		}
	}
	return false
}

func treeHasError(n *sitter.Node) bool {
	if n.IsError() || n.IsMissing() {
		return true
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if treeHasError(n.Child(i)) {
			return true
		}
	}
	return false
}

// CompletenessAndTruncation runs the completeness/truncation validator
// across every source file, rejecting anything strictly shorter than its
// previous version by more than the shrink-guard threshold, per spec.md
// §4.8.
func CompletenessAndTruncation(files types.FileSet, previous types.FileSet, shrinkThreshold int) Result {
	res := Result{Passed: true}
	for path, rec := range files {
		switch rec.Extension {
		case "py":
			if IsPythonTruncated(rec.Content) {
				res.Passed = false
				res.Issues = append(res.Issues, fmt.Sprintf("%s: truncated Python source", path))
			}
		case "js", "jsx", "ts", "tsx":
			if IsJSTruncated(rec.Content) {
				res.Passed = false
				res.Issues = append(res.Issues, fmt.Sprintf("%s: truncated JS/JSX source", path))
			}
		}
		if prev, ok := previous[path]; ok && projectio.ShrinkGuard(prev.Content, rec.Content, shrinkThreshold) {
			res.Passed = false
			res.Issues = append(res.Issues, fmt.Sprintf("%s: shrunk below guard threshold", path))
		}
	}
	return res
}

var srcAttrRe = regexp.MustCompile(`(?:src|href)\s*=\s*["']([^"']+)["']`)

// ReferenceValidator checks local <script src>/<link href> targets exist
// in the workspace, per spec.md §4.8; external URLs are ignored.
func ReferenceValidator(files types.FileSet) Result {
	res := Result{Passed: true}
	for path, rec := range files {
		if rec.Extension != "html" && rec.Extension != "htm" {
			continue
		}
		for _, m := range srcAttrRe.FindAllStringSubmatch(rec.Content, -1) {
			target := m[1]
			if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
				continue
			}
			target = strings.TrimPrefix(target, "/")
			if _, ok := files[target]; !ok {
				res.Passed = false
				res.Issues = append(res.Issues, fmt.Sprintf("%s: missing local reference %s", path, target))
			}
		}
	}
	return res
}

// RunScriptValidator enforces spec.md §4.8's run-script rules when
// requiresServer is true.
func RunScriptValidator(files types.FileSet, requiresServer bool, runScriptPath, installCommand, runCommand string) Result {
	if !requiresServer {
		return Result{Passed: true}
	}
	rec, ok := files[runScriptPath]
	if !ok {
		return Result{Passed: false, Issues: []string{"run script " + runScriptPath + " does not exist"}}
	}
	res := Result{Passed: true}
	body := strings.TrimSpace(rec.Content)
	if len(body) < 10 {
		res.Passed = false
		res.Issues = append(res.Issues, "run script is empty beyond boilerplate")
	}
	if strings.Contains(strings.ToLower(body), "%1") || strings.Contains(body, "$1") || strings.Contains(body, "argv[1]") {
		res.Passed = false
		res.Issues = append(res.Issues, "run script requires CLI arguments")
	}
	if strings.Contains(strings.ToLower(body), "pause") {
		res.Passed = false
		res.Issues = append(res.Issues, "run script contains 'pause', which deadlocks non-interactive launchers")
	}
	if installCommand != "" && !looseContains(body, installCommand) {
		res.Warnings = append(res.Warnings, "run script does not appear to include the declared install command")
	}
	if runCommand != "" && !looseContains(body, runCommand) {
		res.Warnings = append(res.Warnings, "run script does not appear to include the declared run command")
	}
	return res
}

func looseContains(haystack, needle string) bool {
	h := strings.ToLower(strings.Join(strings.Fields(haystack), " "))
	n := strings.ToLower(strings.Join(strings.Fields(needle), " "))
	return strings.Contains(h, n)
}

// TemplateStructureValidator checks every required_files entry exists
// when a project template id is set, per spec.md §4.8.
func TemplateStructureValidator(files types.FileSet, requiredFiles []string) Result {
	res := Result{Passed: true}
	for _, rf := range requiredFiles {
		if _, ok := files[rf]; !ok {
			res.Passed = false
			res.Issues = append(res.Issues, "required template file missing: "+rf)
		}
	}
	return res
}

func hasAnyPrefix(files types.FileSet, prefixes ...string) bool {
	for path := range files {
		for _, p := range prefixes {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
	}
	return false
}

// FrameworkStructureValidator is the Next.js fallback used when no
// template id is set, per spec.md §4.8.
func FrameworkStructureValidator(files types.FileSet, packageJSON string) Result {
	res := Result{Passed: true}
	if !hasAnyPrefix(files, "app/_app.", "pages/_app.") {
		res.Passed = false
		res.Issues = append(res.Issues, "missing app/_app.* or pages/_app.*")
	}
	if !hasAnyPrefix(files, "app/layout.") {
		res.Warnings = append(res.Warnings, "missing app/layout.* (App Router)")
	}
	if _, ok := files["styles/globals.css"]; !ok {
		res.Passed = false
		res.Issues = append(res.Issues, "missing styles/globals.css")
	}
	if strings.Contains(packageJSON, `"react"`) && !strings.Contains(packageJSON, `"react-dom"`) {
		res.Passed = false
		res.Issues = append(res.Issues, "react-dom must be declared alongside react")
	}
	if strings.Contains(packageJSON, `"@next/jest"`) {
		res.Passed = false
		res.Issues = append(res.Issues, "@next/jest is forbidden")
	}
	exportsMethodRe := regexp.MustCompile(`exports\.(GET|POST|PUT|DELETE|PATCH)\s*=`)
	for path, rec := range files {
		if strings.HasPrefix(path, "pages/api/") && exportsMethodRe.MatchString(rec.Content) {
			res.Passed = false
			res.Issues = append(res.Issues, path+": pages/api handlers must use export default")
		}
	}
	return res
}

var bareImportRe = regexp.MustCompile(`(?:from\s+["']([^."'][^"']*)["']|require\(["']([^."'][^"']*)["']\))`)

var nodeBuiltins = map[string]bool{
	"fs": true, "path": true, "http": true, "https": true, "crypto": true,
	"os": true, "util": true, "events": true, "stream": true, "url": true,
	"querystring": true, "child_process": true, "assert": true, "buffer": true,
}

var frameworkProvided = map[string]bool{
	"react": true, "react-dom": true, "next": true, "next/link": true,
	"next/image": true, "next/router": true, "next/head": true, "next/script": true,
}

func packageRoot(spec string) string {
	if strings.HasPrefix(spec, "@") {
		parts := strings.SplitN(spec, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return spec
	}
	parts := strings.SplitN(spec, "/", 2)
	return parts[0]
}

// ImportDependencyValidator scans JS/TS/JSX/TSX files for bare imports
// and flags any package not declared in package.json dependencies, per
// spec.md §4.8.
func ImportDependencyValidator(files types.FileSet, declaredDeps map[string]bool) Result {
	res := Result{Passed: true}
	seen := map[string]bool{}
	for path, rec := range files {
		switch rec.Extension {
		case "js", "jsx", "ts", "tsx":
		default:
			continue
		}
		for _, m := range bareImportRe.FindAllStringSubmatch(rec.Content, -1) {
			spec := m[1]
			if spec == "" {
				spec = m[2]
			}
			if spec == "" || strings.HasPrefix(spec, "@/") {
				continue
			}
			root := packageRoot(spec)
			if nodeBuiltins[root] || frameworkProvided[root] {
				continue
			}
			if !declaredDeps[root] {
				key := path + ":" + root
				if !seen[key] {
					seen[key] = true
					res.Passed = false
					res.Issues = append(res.Issues, fmt.Sprintf("%s: imports undeclared package %s", path, root))
				}
			}
		}
	}
	return res
}

var forbiddenLibs = map[string]bool{
	"better-sqlite3": true, "sharp": true, "canvas": true,
}

// InlineSVGPagesRouterForbiddenLibValidator emits warnings for
// data:image/svg+xml URLs, coexisting pages/ + app/ routers, and
// libraries known to break under the containerized runtime, per
// spec.md §4.8.
func InlineSVGPagesRouterForbiddenLibValidator(files types.FileSet, declaredDeps map[string]bool) Result {
	res := Result{Passed: true}
	for path, rec := range files {
		if strings.Contains(rec.Content, "data:image/svg+xml") {
			res.Warnings = append(res.Warnings, path+": inline SVG data URL detected")
		}
	}
	if hasAnyPrefix(files, "pages/") && hasAnyPrefix(files, "app/") {
		res.Warnings = append(res.Warnings, "both pages/ and app/ directories present")
	}
	for lib := range forbiddenLibs {
		if declaredDeps[lib] {
			res.Warnings = append(res.Warnings, "declared library "+lib+" is known to break under the containerized runtime")
		}
	}
	return res
}

var pinnedVersionRe = regexp.MustCompile(`(?m)^([A-Za-z0-9_.-]+)==([\w.]+)\s*$`)

// PyPIVersionChecker abstracts the HEAD request so tests can stub it.
type PyPIVersionChecker func(pkg, version string) (exists bool, networkErr error)

// PyPIVersionValidator validates requirements.txt pinned lines against a
// checker; network failures fail-open (pass), 404s are errors, per
// spec.md §4.8.
func PyPIVersionValidator(requirementsTxt string, check PyPIVersionChecker) Result {
	res := Result{Passed: true}
	if check == nil {
		return res
	}
	for _, m := range pinnedVersionRe.FindAllStringSubmatch(requirementsTxt, -1) {
		pkg, version := m[1], m[2]
		exists, err := check(pkg, version)
		if err != nil {
			continue
		}
		if !exists {
			res.Passed = false
			res.Issues = append(res.Issues, fmt.Sprintf("%s==%s not found on PyPI", pkg, version))
		}
	}
	return res
}

var pyImportRe = regexp.MustCompile(`(?m)^\s*(?:from\s+([\w.]+)\s+import|import\s+([\w.]+))`)

// CircularImportValidator runs a DFS over the intra-project Python
// import graph and emits an error describing the first cycle found, per
// spec.md §4.8.
func CircularImportValidator(files types.FileSet) Result {
	graph := map[string][]string{}
	moduleOf := map[string]string{}
	for path, rec := range files {
		if rec.Extension != "py" {
			continue
		}
		mod := strings.TrimSuffix(strings.ReplaceAll(path, "/", "."), ".py")
		moduleOf[mod] = path
	}
	for path, rec := range files {
		if rec.Extension != "py" {
			continue
		}
		mod := strings.TrimSuffix(strings.ReplaceAll(path, "/", "."), ".py")
		for _, m := range pyImportRe.FindAllStringSubmatch(rec.Content, -1) {
			target := m[1]
			if target == "" {
				target = m[2]
			}
			if _, ok := moduleOf[target]; ok {
				graph[mod] = append(graph[mod], target)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string
	var cycle []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		path = append(path, node)
		for _, next := range graph[node] {
			if color[next] == gray {
				cycle = append(append([]string{}, path...), next)
				return true
			}
			if color[next] == white && dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return false
	}

	var modules []string
	for m := range graph {
		modules = append(modules, m)
	}
	for _, m := range modules {
		if color[m] == white {
			if dfs(m) {
				return Result{Passed: false, Issues: []string{"circular import: " + strings.Join(cycle, " -> ")}}
			}
		}
	}
	return Result{Passed: true}
}

// invalidPyPIPackages is the hardcoded blacklist of npm/JS-world package
// names that are sometimes hallucinated into requirements.txt, per
// spec.md §4.8.
var invalidPyPIPackages = map[string]bool{
	"bootstrap": true, "jquery": true, "react": true, "vue": true, "angular": true,
}

// InvalidPyPIPackageValidator flags requirements.txt entries that name a
// known non-Python package.
func InvalidPyPIPackageValidator(requirementsTxt string) Result {
	res := Result{Passed: true}
	for _, line := range strings.Split(requirementsTxt, "\n") {
		name := strings.ToLower(strings.TrimSpace(strings.SplitN(strings.SplitN(line, "==", 2)[0], ">=", 2)[0]))
		if name == "" {
			continue
		}
		if invalidPyPIPackages[name] {
			res.Passed = false
			res.Issues = append(res.Issues, "invalid PyPI package in requirements.txt: "+name)
		}
	}
	return res
}

// RunAll executes the full validator battery and ANDs the results, per
// spec.md §4.8's "All run; their results are ANDed" rule.
func RunAll(files, previous types.FileSet, opts Options) Result {
	results := []Result{
		CompletenessAndTruncation(files, previous, opts.ShrinkThreshold),
		ReferenceValidator(files),
		RunScriptValidator(files, opts.RequiresServer, opts.RunScriptPath, opts.InstallCommand, opts.RunCommand),
		TemplateStructureValidator(files, opts.RequiredFiles),
	}
	if len(opts.RequiredFiles) == 0 {
		results = append(results, FrameworkStructureValidator(files, opts.PackageJSON))
	}
	results = append(results,
		ImportDependencyValidator(files, opts.DeclaredDeps),
		InlineSVGPagesRouterForbiddenLibValidator(files, opts.DeclaredDeps),
		CircularImportValidator(files),
		InvalidPyPIPackageValidator(opts.RequirementsTxt),
	)
	if opts.PyPIChecker != nil {
		results = append(results, PyPIVersionValidator(opts.RequirementsTxt, opts.PyPIChecker))
	}
	return merge(results...)
}

// Options bundles the context every validator in RunAll needs.
type Options struct {
	ShrinkThreshold int
	RequiresServer  bool
	RunScriptPath   string
	InstallCommand  string
	RunCommand      string
	RequiredFiles   []string
	PackageJSON     string
	DeclaredDeps    map[string]bool
	RequirementsTxt string
	PyPIChecker     PyPIVersionChecker
}

// ParseJSWithTreeSitter parses content with the javascript grammar; used
// by IsJSTruncated's final AST-error-walk pass.
func ParseJSWithTreeSitter(content string) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())
	return parser.ParseCtx(context.Background(), nil, []byte(content))
}
