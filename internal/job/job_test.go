package job

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/coderunr/engine/internal/eventbus"
	"github.com/coderunr/engine/internal/isolation"
	"github.com/coderunr/engine/internal/supervisor"
	"github.com/coderunr/engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if supervisor.IsChildInvocation(os.Args) {
		if err := supervisor.RunChild(os.Args); err != nil {
			os.Stderr.WriteString(err.Error())
			os.Exit(97)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func testProvider(t *testing.T, count int) *isolation.Provider {
	p, err := isolation.NewProvider(isolation.Config{
		Root:    t.TempDir(),
		BaseUID: os.Getuid(),
		BaseGID: os.Getgid(),
		Count:   count,
	})
	require.NoError(t, err)
	return p
}

func interpretedRuntime(t *testing.T) *types.RuntimeDescriptor {
	scriptsDir := t.TempDir()
	runScript := writeScript(t, scriptsDir, "run", `cat "$1" && shift && echo "args:$@"`)
	return &types.RuntimeDescriptor{
		Language:       "shell",
		Version:        semver.MustParse("1.0.0"),
		RunScript:      runScript,
		Timeouts:       types.Timeouts{Run: 5 * time.Second},
		MemoryLimits:   types.MemoryLimits{Run: -1},
		MaxProcesses:   16,
		MaxOpenFiles:   64,
		MaxFileSize:    1 << 20,
		MaxOutputBytes: 1 << 16,
	}
}

func compiledRuntime(t *testing.T, compileBody string) *types.RuntimeDescriptor {
	scriptsDir := t.TempDir()
	compileScript := writeScript(t, scriptsDir, "compile", compileBody)
	runScript := writeScript(t, scriptsDir, "run", `echo "ran $1"`)
	return &types.RuntimeDescriptor{
		Language:       "compiled",
		Version:        semver.MustParse("1.0.0"),
		CompileScript:  compileScript,
		RunScript:      runScript,
		Timeouts:       types.Timeouts{Compile: 5 * time.Second, Run: 5 * time.Second},
		MemoryLimits:   types.MemoryLimits{Compile: -1, Run: -1},
		MaxProcesses:   16,
		MaxOpenFiles:   64,
		MaxFileSize:    1 << 20,
		MaxOutputBytes: 1 << 16,
	}
}

func TestExecuteInterpretedRunsEntryFile(t *testing.T) {
	rt := interpretedRuntime(t)
	provider := testProvider(t, 1)

	req := types.JobRequest{
		Files: []types.CodeFile{{Name: "main.sh", Content: "hello world\n"}},
		Args:  []string{"a", "b"},
	}
	j := New("job-1", rt, req)

	result, err := j.Execute(context.Background(), provider)
	require.NoError(t, err)
	require.NotNil(t, result.Run)
	assert.Equal(t, 0, *result.Run.ExitCode)
	assert.Contains(t, result.Run.Stdout, "hello world")
	assert.Contains(t, result.Run.Stdout, "args:a b")
	assert.Equal(t, types.JobCleaned, j.State())
}

func TestExecuteSkipsRunWhenCompileFails(t *testing.T) {
	rt := compiledRuntime(t, `exit 1`)
	provider := testProvider(t, 1)

	req := types.JobRequest{Files: []types.CodeFile{{Name: "main.src", Content: "broken"}}}
	j := New("job-2", rt, req)

	result, err := j.Execute(context.Background(), provider)
	require.NoError(t, err)
	require.NotNil(t, result.Compile)
	assert.Equal(t, 1, *result.Compile.ExitCode)
	assert.Nil(t, result.Run)
}

func TestExecuteRunsAfterSuccessfulCompile(t *testing.T) {
	rt := compiledRuntime(t, `exit 0`)
	provider := testProvider(t, 1)

	req := types.JobRequest{Files: []types.CodeFile{{Name: "main.src", Content: "ok"}}}
	j := New("job-3", rt, req)

	result, err := j.Execute(context.Background(), provider)
	require.NoError(t, err)
	require.NotNil(t, result.Compile)
	require.NotNil(t, result.Run)
	assert.Equal(t, 0, *result.Compile.ExitCode)
	assert.Contains(t, result.Run.Stdout, "ran main.src")
}

func TestPrimeRejectsPathTraversal(t *testing.T) {
	rt := interpretedRuntime(t)
	provider := testProvider(t, 1)

	req := types.JobRequest{Files: []types.CodeFile{{Name: "../../etc/passwd", Content: "x"}}}
	j := New("job-4", rt, req)

	err := j.Prime(provider)
	assert.Error(t, err)
}

func TestExecuteInteractivePublishesStageAndExitEvents(t *testing.T) {
	rt := interpretedRuntime(t)
	provider := testProvider(t, 1)
	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	req := types.JobRequest{Files: []types.CodeFile{{Name: "main.sh", Content: "interactive\n"}}}
	j := New("job-5", rt, req)

	result, err := j.ExecuteInteractive(context.Background(), provider, bus)
	require.NoError(t, err)
	require.NotNil(t, result.Run)

	var sawStage, sawExit bool
	timeout := time.After(2 * time.Second)
	for !sawStage || !sawExit {
		select {
		case ev := <-sub:
			switch ev.Topic {
			case eventbus.TopicStage:
				sawStage = true
			case eventbus.TopicExit:
				sawExit = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for stage/exit events (stage=%v exit=%v)", sawStage, sawExit)
		}
	}
}

func TestWriteStdinFailsWhenNotExecuting(t *testing.T) {
	rt := interpretedRuntime(t)
	req := types.JobRequest{Files: []types.CodeFile{{Name: "main.sh", Content: "x"}}}
	j := New("job-6", rt, req)

	err := j.WriteStdin([]byte("x"))
	assert.ErrorIs(t, err, ErrNotExecuting)
}

func TestSendSignalRejectsUnknownSignal(t *testing.T) {
	rt := interpretedRuntime(t)
	req := types.JobRequest{Files: []types.CodeFile{{Name: "main.sh", Content: "x"}}}
	j := New("job-7", rt, req)

	err := j.SendSignal("SIGBOGUS")
	assert.Error(t, err)
}

func TestCleanupIsIdempotent(t *testing.T) {
	rt := interpretedRuntime(t)
	provider := testProvider(t, 1)
	req := types.JobRequest{Files: []types.CodeFile{{Name: "main.sh", Content: "x"}}}
	j := New("job-8", rt, req)

	require.NoError(t, j.Prime(provider))
	j.Cleanup()
	j.Cleanup()
	assert.Equal(t, types.JobCleaned, j.State())
}
