// Package sandbox implements the Sandbox Orchestrator (C9): runs
// install+test for a workspace either on the host, in a persistent
// container, or in a one-shot container, classifying output via the
// Error Classifier's harmless-warning predicate, per spec.md §4.9.
// Grounded on the teacher's use of github.com/testcontainers/testcontainers-go
// (codeready-toolchain-tarsy's test/util/database.go sets up and tears
// down containers per test) adapted here from a Postgres module to a
// GenericContainer running shell commands, plus the teacher's own
// internal/shards/tester/detection.go for host-exec conventions.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/forgeloop/orchestrator/internal/classify"
	"github.com/forgeloop/orchestrator/internal/config"
	"github.com/forgeloop/orchestrator/internal/logging"
)

// TestOutcome is one section of the Result shape (unit or UI tests).
type TestOutcome struct {
	Status      string // "pass" | "fail" | "skipped"
	Passed      int
	FailedCount int
	Summary     string
	Details     string
}

// Result is the Sandbox Orchestrator's return shape, per spec.md §4.9.
type Result struct {
	UnitTests     TestOutcome
	UITests       TestOutcome
	OverallStatus string // "pass" | "fail"
	RawOutput     string
}

// Handle represents a persistent container the caller holds across
// iterations so repeated install/test cycles reuse the same environment.
type Handle struct {
	container testcontainers.Container
	image     string
}

// Healthy reports whether the held container is still running.
func (h *Handle) Healthy(ctx context.Context) bool {
	if h == nil || h.container == nil {
		return false
	}
	state, err := h.container.State(ctx)
	return err == nil && state.Running
}

// StartPersistent launches a long-lived container for image, mounting
// projectDir read-write, and waits for it to report healthy.
func StartPersistent(ctx context.Context, image, projectDir string) (*Handle, error) {
	req := testcontainers.ContainerRequest{
		Image:      image,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		WaitingFor: wait.ForExec([]string{"true"}).WithStartupTimeout(30 * time.Second),
		Mounts: testcontainers.ContainerMounts{
			{
				Source: testcontainers.GenericBindMountSource{HostPath: projectDir},
				Target: "/workspace",
			},
		},
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: start persistent container: %w", err)
	}
	return &Handle{container: c, image: image}, nil
}

func (h *Handle) exec(ctx context.Context, cmd []string) (int, string, error) {
	code, reader, err := h.container.Exec(ctx, cmd)
	if err != nil {
		return -1, "", err
	}
	out, _ := io.ReadAll(reader)
	return code, string(out), nil
}

// runOneShot spawns a throwaway container for installCommand && testCommand
// combined into a single shell invocation (so state is shared between the
// two), applies the configured memory/CPU caps, and removes it afterwards.
func runOneShot(ctx context.Context, cfg config.DockerConfig, image, projectDir, installCommand, testCommand string) (int, string, error) {
	combined := installCommand
	if testCommand != "" {
		if combined != "" {
			combined += " && " + testCommand
		} else {
			combined = testCommand
		}
	}

	req := testcontainers.ContainerRequest{
		Image: image,
		Cmd:   []string{"sh", "-c", combined},
		Mounts: testcontainers.ContainerMounts{
			{
				Source: testcontainers.GenericBindMountSource{HostPath: projectDir},
				Target: "/workspace",
			},
		},
		HostConfigModifier: func(hc *dockercontainer.HostConfig) {
			applyResourceCaps(hc, cfg)
		},
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutTest)*time.Second)
	defer cancel()

	c, err := testcontainers.GenericContainer(runCtx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return -1, "", fmt.Errorf("sandbox: run one-shot container: %w", err)
	}
	defer func() { _ = c.Terminate(ctx) }()

	if err := waitForExit(runCtx, c); err != nil {
		return -1, "", err
	}

	logsReader, err := c.Logs(ctx)
	if err != nil {
		return -1, "", err
	}
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, logsReader)

	state, err := c.State(ctx)
	if err != nil {
		return -1, buf.String(), err
	}
	return state.ExitCode, buf.String(), nil
}

// waitForExit polls the container until it stops running or ctx expires.
func waitForExit(ctx context.Context, c testcontainers.Container) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			state, err := c.State(ctx)
			if err != nil {
				return err
			}
			if !state.Running {
				return nil
			}
		}
	}
}

// applyResourceCaps translates the configured memory/CPU limits into the
// container's host config, per spec.md §4.9's "apply memory/CPU caps".
func applyResourceCaps(hc *dockercontainer.HostConfig, cfg config.DockerConfig) {
	if cfg.MemoryLimitMB > 0 {
		hc.Memory = int64(cfg.MemoryLimitMB) * 1024 * 1024
	}
	if cfg.CPULimit > 0 {
		hc.NanoCPUs = int64(cfg.CPULimit * 1e9)
	}
}

// runOnHost runs installCommand then testCommand as host subprocesses,
// concatenating combined output, per spec.md §4.9's host fallback path.
func runOnHost(ctx context.Context, projectDir, installCommand, testCommand string) (int, string, error) {
	var out bytes.Buffer
	exitCode := 0

	run := func(command string) error {
		if strings.TrimSpace(command) == "" {
			return nil
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = projectDir
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return err
			}
		}
		return nil
	}

	if err := run(installCommand); err != nil {
		return -1, out.String(), err
	}
	if err := run(testCommand); err != nil {
		return -1, out.String(), err
	}
	return exitCode, out.String(), nil
}

// Run implements the C9 decision tree: persistent container if healthy,
// else one-shot container if enabled, else host, then classifies output
// via classify.IsHarmlessWarningOnly, per spec.md §4.9.
func Run(ctx context.Context, handle *Handle, cfg config.DockerConfig, image, projectDir, installCommand, testCommand string) (Result, error) {
	log := logging.Get(logging.CategorySandbox)

	var (
		exitCode int
		output   string
		err      error
		mode     string
	)

	switch {
	case handle != nil && handle.Healthy(ctx):
		mode = "persistent-container"
		var installOut, testOut string
		if installCommand != "" {
			_, installOut, err = handle.exec(ctx, []string{"sh", "-c", installCommand})
			if err != nil {
				return Result{}, fmt.Errorf("sandbox: persistent install: %w", err)
			}
		}
		exitCode, testOut, err = handle.exec(ctx, []string{"sh", "-c", testCommand})
		if err != nil {
			return Result{}, fmt.Errorf("sandbox: persistent test: %w", err)
		}
		output = installOut + testOut
	case cfg.Enabled:
		mode = "one-shot-container"
		exitCode, output, err = runOneShot(ctx, cfg, image, projectDir, installCommand, testCommand)
		if err != nil && cfg.FallbackToHost {
			log.Warn("container sandbox failed, falling back to host", map[string]interface{}{"error": err.Error()})
			mode = "host-fallback"
			exitCode, output, err = runOnHost(ctx, projectDir, installCommand, testCommand)
		}
	default:
		mode = "host"
		exitCode, output, err = runOnHost(ctx, projectDir, installCommand, testCommand)
	}
	if err != nil {
		return Result{}, err
	}

	log.Info("sandbox run complete", map[string]interface{}{"mode": mode, "exit_code": exitCode})

	passed := exitCode == 0 || classify.IsHarmlessWarningOnly(output, "")
	status := "pass"
	if !passed {
		status = "fail"
	}

	outcome := TestOutcome{
		Status:  status,
		Summary: summarize(output),
		Details: output,
	}
	if status == "fail" {
		outcome.FailedCount = 1
	} else {
		outcome.Passed = 1
	}

	return Result{
		UnitTests:     outcome,
		OverallStatus: status,
		RawOutput:     output,
	}, nil
}

func summarize(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	return strings.Join(lines, "\n")
}
