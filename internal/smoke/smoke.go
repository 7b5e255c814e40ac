// Package smoke implements the Smoke-Test Gate (C10) for all three
// tech_blueprint app_type values, per spec.md §4.10. The web path spawns
// the generated app's server subprocess, waits for the port and for an
// HTML response, and drives a headless browser over it with
// github.com/go-rod/rod, grounded on the teacher's
// internal/browser/session_manager.go (launcher.New()...Headless(...).
// Launch(), rod.New().ControlURL(...), proto.RuntimeConsoleAPICalled
// event capture) adapted from a persistent multi-session browser manager
// to a single one-shot smoke check. The cli and desktop paths are
// grounded on agents/tester_cli.py's no-shell subprocess.run with a
// captured-output check and agents/tester_desktop.py's spawn-then-poll
// crash detection; the pack carries no Go analogue of tester_desktop.py's
// PyAutoGUI screenshot capture, so the desktop path degrades to a
// process-liveness check rather than a visual baseline comparison.
package smoke

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/forgeloop/orchestrator/internal/classify"
	"github.com/forgeloop/orchestrator/internal/logging"
	"github.com/forgeloop/orchestrator/internal/types"
)

// portTimeouts are the framework-derived port-wait floors from spec.md
// §4.10: "Node family: 90s; Python: 30s; blueprint may raise but not
// lower the floor."
var portTimeouts = map[string]time.Duration{
	"node":   90 * time.Second,
	"python": 30 * time.Second,
}

// ResolvePort picks server_port explicitly when set, else derives one
// heuristically from the run command or project type, per spec.md §4.10.
func ResolvePort(bp types.TechBlueprint) int {
	if bp.ServerPort > 0 {
		return bp.ServerPort
	}
	switch {
	case strings.Contains(bp.RunCommand, "next"):
		return 3000
	case strings.Contains(bp.RunCommand, "vite"):
		return 5173
	case strings.Contains(bp.ProjectType, "flask"):
		return 5000
	case strings.Contains(bp.ProjectType, "django"):
		return 8000
	default:
		return 3000
	}
}

// PortTimeout returns the framework floor for bp, raised (never lowered)
// by bp.ServerStartupMS when present.
func PortTimeout(bp types.TechBlueprint) time.Duration {
	floor := portTimeouts["node"]
	if strings.Contains(bp.Language, "python") {
		floor = portTimeouts["python"]
	}
	if bp.ServerStartupMS > 0 {
		declared := time.Duration(bp.ServerStartupMS) * time.Millisecond
		if declared > floor {
			return declared
		}
	}
	return floor
}

// Server tracks a spawned process group for later termination.
type Server struct {
	cmd    *exec.Cmd
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

// Spawn starts runCommand in projectDir inside a new process group so the
// whole tree can be signaled together, per spec.md §4.10 step 3.
func Spawn(ctx context.Context, projectDir, runCommand string) (*Server, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", runCommand)
	cmd.Dir = projectDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("smoke: spawn server: %w", err)
	}
	return &Server{cmd: cmd, stdout: &stdout, stderr: &stderr}, nil
}

// Terminate SIGTERMs the whole process group, then SIGKILLs it if it has
// not exited by the deadline, per spec.md §4.10's termination rule.
func (s *Server) Terminate(deadline time.Duration) {
	if s == nil || s.cmd.Process == nil {
		return
	}
	pgid := s.cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// Alive reports whether the spawned process group leader is still
// running, without reaping it, per tester_desktop.py's proc.poll() check.
func (s *Server) Alive() bool {
	if s == nil || s.cmd.Process == nil {
		return false
	}
	pid := s.cmd.Process.Pid
	if syscall.Kill(pid, syscall.Signal(0)) != nil {
		return false
	}
	// An exited child that has not been reaped still accepts signal 0;
	// /proc reports it in state Z.
	if stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		if i := strings.LastIndexByte(string(stat), ')'); i >= 0 && i+2 < len(stat) && stat[i+2] == 'Z' {
			return false
		}
	}
	return true
}

// Output returns the combined stdout+stderr captured so far.
func (s *Server) Output() string {
	if s == nil {
		return ""
	}
	return s.stdout.String() + s.stderr.String()
}

// WaitForPort polls host:port until it accepts a TCP connection or ctx
// expires, per spec.md §4.10 step 4.
func WaitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("smoke: port %d not open after %s", port, timeout)
}

// WaitForAppReady polls url until the response body is longer than 100
// bytes and contains "<div" or "<html>", per spec.md §4.10 step 5.
func WaitForAppReady(ctx context.Context, url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 5 * time.Second}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			text := string(body)
			if len(text) > 100 && (strings.Contains(text, "<div") || strings.Contains(text, "<html>")) {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("smoke: app at %s not ready after %s", url, timeout)
}

// BrowserResult captures the headless-browser pass of spec.md §4.10 step 6.
type BrowserResult struct {
	ConsoleErrors []string
	ScreenshotPNG []byte
	EmptyPage     bool
	ErrorOverlay  bool
}

// knownFrameworkOverlaySelectors detects the dev-mode error overlays that
// Next.js/CRA/Vite inject on a compile error.
var knownFrameworkOverlaySelectors = []string{
	"nextjs-portal", "#webpack-dev-server-client-overlay", "vite-error-overlay",
}

// DriveBrowser loads url in a headless Chrome instance, captures console
// errors, takes a screenshot, and detects an empty page or framework
// error overlay, per spec.md §4.10 step 6.
func DriveBrowser(ctx context.Context, url string, timeout time.Duration) (BrowserResult, error) {
	log := logging.Get(logging.CategorySmoke)

	launchURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return BrowserResult{}, fmt.Errorf("smoke: launch browser: %w", err)
	}
	browser := rod.New().ControlURL(launchURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return BrowserResult{}, fmt.Errorf("smoke: connect browser: %w", err)
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return BrowserResult{}, fmt.Errorf("smoke: open page: %w", err)
	}
	defer func() { _ = page.Close() }()

	var result BrowserResult
	stopEvents := page.Context(ctx).EachEvent(func(ev *proto.RuntimeConsoleAPICalled) {
		if ev.Type == proto.RuntimeConsoleAPICalledTypeError {
			var parts []string
			for _, arg := range ev.Args {
				if arg.Value.Val() != nil {
					parts = append(parts, fmt.Sprintf("%v", arg.Value.Val()))
				}
			}
			result.ConsoleErrors = append(result.ConsoleErrors, strings.Join(parts, " "))
		}
	})

	if err := page.Context(ctx).Timeout(timeout).Navigate(url); err != nil {
		stopEvents()
		return result, fmt.Errorf("smoke: navigate: %w", err)
	}
	_ = page.WaitLoad()
	time.Sleep(500 * time.Millisecond)
	stopEvents()

	html, err := page.HTML()
	if err == nil {
		result.EmptyPage = len(strings.TrimSpace(html)) < 200
		for _, sel := range knownFrameworkOverlaySelectors {
			if strings.Contains(html, sel) {
				result.ErrorOverlay = true
			}
		}
	}

	if png, err := page.Screenshot(false, nil); err == nil {
		result.ScreenshotPNG = png
	} else {
		log.Warn("screenshot failed", map[string]interface{}{"error": err.Error()})
	}

	return result, nil
}

var compileErrorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Module not found`),
	regexp.MustCompile(`Failed to compile`),
	regexp.MustCompile(`SyntaxError`),
	regexp.MustCompile(`TypeError`),
	regexp.MustCompile(`ENOENT`),
	regexp.MustCompile(`ReferenceError`),
	regexp.MustCompile(`Cannot find module`),
}

var harmlessOutputPrefixes = []string{"warn", "notice", "deprecated", "npm warn", "[notice]"}

// ExtractCompileErrors scans server output for known compile-error
// patterns, filtering harmless warning lines first, per spec.md §4.10
// step 7.
func ExtractCompileErrors(output string) []string {
	var errs []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		low := strings.ToLower(trimmed)
		harmless := false
		for _, prefix := range harmlessOutputPrefixes {
			if strings.HasPrefix(low, prefix) {
				harmless = true
				break
			}
		}
		if harmless {
			continue
		}
		for _, re := range compileErrorPatterns {
			if re.MatchString(trimmed) {
				errs = append(errs, trimmed)
				break
			}
		}
	}
	return errs
}

// Gate is the pass/fail outcome of one smoke-test run, per spec.md §4.10's
// "Pass iff server started AND page loaded AND zero compile errors".
type Gate struct {
	Passed        bool
	CompileErrors []string
	ConsoleErrors []string
	Browser       BrowserResult
	ServerOutput  string
}

// Run dispatches to the app_type-specific smoke path, per spec.md §4.10.
func Run(ctx context.Context, projectDir string, bp types.TechBlueprint, blockOnConsoleErrors bool) (Gate, error) {
	switch bp.AppType {
	case types.AppTypeCLI:
		return RunCLI(ctx, projectDir, bp)
	case types.AppTypeDesktop:
		if !bp.RequiresServer {
			return Gate{Passed: true}, nil
		}
		return RunDesktop(ctx, projectDir, bp)
	default:
		if !bp.RequiresServer {
			return Gate{Passed: true}, nil
		}
		return runWeb(ctx, projectDir, bp, blockOnConsoleErrors)
	}
}

// RunCLI executes the generated CLI app once through `sh -c` and checks
// its exit code, grounded on agents/tester_cli.py's
// subprocess.run(argv, shell=False, timeout=30); unlike that call, the
// command goes through a shell.
func RunCLI(ctx context.Context, projectDir string, bp types.TechBlueprint) (Gate, error) {
	runCommand := strings.TrimSpace(bp.RunCommand)
	if runCommand == "" {
		runCommand = "python main.py --help"
	}

	cliCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cliCtx, "sh", "-c", runCommand)
	cmd.Dir = projectDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	output := stdout.String() + stderr.String()

	if cliCtx.Err() == context.DeadlineExceeded {
		return Gate{Passed: false, ServerOutput: output, CompileErrors: []string{"CLI timed out after 30s"}}, nil
	}
	if runErr != nil {
		return Gate{Passed: false, ServerOutput: output, CompileErrors: ExtractCompileErrors(output)}, nil
	}

	if out := stdout.String(); out != "" {
		_ = os.WriteFile(filepath.Join(projectDir, "cli_output.txt"), []byte(out), 0o644)
	}
	return Gate{Passed: true, ServerOutput: output}, nil
}

// RunDesktop spawns the generated desktop app and checks it survives past
// its declared startup window, grounded on agents/tester_desktop.py's
// spawn-then-poll crash check. There is no Go analogue in the pack of
// PyAutoGUI's screenshot-and-baseline-compare step, so this is a
// liveness check rather than a visual regression test.
func RunDesktop(ctx context.Context, projectDir string, bp types.TechBlueprint) (Gate, error) {
	server, err := Spawn(ctx, projectDir, bp.RunCommand)
	if err != nil {
		return Gate{}, err
	}
	defer server.Terminate(5 * time.Second)

	startup := time.Duration(bp.ServerStartupMS) * time.Millisecond
	if startup <= 0 {
		startup = 3 * time.Second
	}
	time.Sleep(startup)

	if !server.Alive() {
		return Gate{Passed: false, ServerOutput: server.Output(), CompileErrors: []string{"desktop app exited before the startup window elapsed"}}, nil
	}
	return Gate{Passed: true, ServerOutput: server.Output()}, nil
}

// runWeb is the original browser-driven smoke path.
func runWeb(ctx context.Context, projectDir string, bp types.TechBlueprint, blockOnConsoleErrors bool) (Gate, error) {
	log := logging.Get(logging.CategorySmoke)

	port := ResolvePort(bp)
	server, err := Spawn(ctx, projectDir, bp.RunCommand)
	if err != nil {
		return Gate{}, err
	}
	defer server.Terminate(5 * time.Second)

	portTimeout := PortTimeout(bp)
	if err := WaitForPort(ctx, port, portTimeout); err != nil {
		return Gate{Passed: false, ServerOutput: server.Output(), CompileErrors: ExtractCompileErrors(server.Output())}, nil
	}

	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := WaitForAppReady(ctx, url, portTimeout); err != nil {
		return Gate{Passed: false, ServerOutput: server.Output(), CompileErrors: ExtractCompileErrors(server.Output())}, nil
	}

	browserResult, err := DriveBrowser(ctx, url, 30*time.Second)
	if err != nil {
		log.Warn("browser drive failed", map[string]interface{}{"error": err.Error()})
	}

	compileErrors := ExtractCompileErrors(server.Output())
	if !classify.IsHarmlessWarningOnly(server.Output(), "") && len(compileErrors) > 0 {
		return Gate{Passed: false, CompileErrors: compileErrors, Browser: browserResult, ServerOutput: server.Output()}, nil
	}

	passed := len(compileErrors) == 0 && !browserResult.EmptyPage && !browserResult.ErrorOverlay
	if blockOnConsoleErrors && len(browserResult.ConsoleErrors) > 0 {
		passed = false
	}

	return Gate{
		Passed:        passed,
		CompileErrors: compileErrors,
		ConsoleErrors: browserResult.ConsoleErrors,
		Browser:       browserResult,
		ServerOutput:  server.Output(),
	}, nil
}
