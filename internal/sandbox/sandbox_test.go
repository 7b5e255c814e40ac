package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/orchestrator/internal/config"
)

func TestRunOnHostCapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	exitCode, out, err := runOnHost(context.Background(), dir, "echo installing", "echo testing")
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Contains(t, out, "installing")
	assert.Contains(t, out, "testing")
}

func TestRunOnHostCapturesNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	exitCode, _, err := runOnHost(context.Background(), dir, "", "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, exitCode)
}

func TestRunUsesHostWhenDockerDisabled(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DockerConfig{Enabled: false}
	res, err := Run(context.Background(), nil, cfg, "", dir, "", "echo ok")
	require.NoError(t, err)
	assert.Equal(t, "pass", res.OverallStatus)
	assert.Contains(t, res.RawOutput, "ok")
}

func TestRunClassifiesNonZeroRealErrorAsFail(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DockerConfig{Enabled: false}
	res, err := Run(context.Background(), nil, cfg, "", dir, "", "echo 'TypeError: x is not a function' >&2; exit 1")
	require.NoError(t, err)
	assert.Equal(t, "fail", res.OverallStatus)
}

func TestRunTreatsHarmlessWarningsAsPass(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DockerConfig{Enabled: false}
	res, err := Run(context.Background(), nil, cfg, "", dir, "", "echo 'npm WARN deprecated foo@1.0.0'; exit 1")
	require.NoError(t, err)
	assert.Equal(t, "pass", res.OverallStatus)
}

func TestApplyResourceCapsSetsMemoryAndCPU(t *testing.T) {
	hc := &dockercontainer.HostConfig{}
	applyResourceCaps(hc, config.DockerConfig{MemoryLimitMB: 512, CPULimit: 1.5})
	assert.Equal(t, int64(512*1024*1024), hc.Memory)
	assert.Equal(t, int64(1.5e9), hc.NanoCPUs)
}

func TestSummarizeTrimsToLastLines(t *testing.T) {
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, "line")
	}
	out := summarize(joinLines(lines))
	assert.LessOrEqual(t, len(splitLines(out)), 10)
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func TestHandleHealthyNilIsFalse(t *testing.T) {
	var h *Handle
	assert.False(t, h.Healthy(context.Background()))
}

func TestRunOnHostUsesProjectDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))
	exitCode, out, err := runOnHost(context.Background(), dir, "", "ls")
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Contains(t, out, "marker.txt")
}
