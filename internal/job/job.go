// Package job implements the Job (spec.md §4.D): the per-submission state
// machine that stages source files into a leased isolation.Slot, drives
// the compile and run phases through the supervisor, and reports results
// either as one batch ExecutionResult or as a stream of eventbus events.
package job

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coderunr/engine/internal/eventbus"
	"github.com/coderunr/engine/internal/isolation"
	"github.com/coderunr/engine/internal/supervisor"
	"github.com/coderunr/engine/internal/types"
	"github.com/sirupsen/logrus"
)

// ErrNotExecuting is returned by WriteStdin/SendSignal when no phase is
// currently running to receive them.
var ErrNotExecuting = errors.New("job: not currently executing")

// ErrBackpressure is returned when a non-blocking stdin or signal send
// would have to wait; the caller already buffered as much as the job
// allows.
var ErrBackpressure = errors.New("job: channel saturated")

const signalChannelBuffer = 32

// Job is a single code execution submission. A Job's ID is assigned by
// its creator (Manager.NewJob generates a UUID); it is otherwise transport
// agnostic.
type Job struct {
	ID       string
	Runtime  *types.RuntimeDescriptor
	Files    []types.CodeFile
	Args     []string
	Stdin    string
	Timeouts types.Timeouts
	Memory   types.MemoryLimits

	logger *logrus.Entry

	mu    sync.Mutex
	state types.JobState

	provider *isolation.Provider
	slot     *isolation.Slot

	stdinChan  chan []byte
	signalChan chan string

	cleanupOnce sync.Once
}

// New constructs a Job in the Created state. Unset timeouts/memory limits
// fall back to the runtime descriptor's own defaults. A file without a name
// is staged as "file<i>.code", i being its index in the request.
func New(id string, rt *types.RuntimeDescriptor, req types.JobRequest) *Job {
	timeouts := rt.Timeouts
	memory := rt.MemoryLimits

	files := make([]types.CodeFile, len(req.Files))
	copy(files, req.Files)
	for i := range files {
		if files[i].Name == "" {
			files[i].Name = fmt.Sprintf("file%d.code", i)
		}
	}

	j := &Job{
		ID:       id,
		Runtime:  rt,
		Files:    files,
		Args:     req.Args,
		Stdin:    req.Stdin,
		Timeouts: timeouts,
		Memory:   memory,
		state:    types.JobCreated,
		logger:   logrus.WithField("job", id),
	}

	if req.CompileTimeout != nil {
		j.Timeouts.Compile = msToDuration(*req.CompileTimeout)
	}
	if req.RunTimeout != nil {
		j.Timeouts.Run = msToDuration(*req.RunTimeout)
	}
	if req.CompileMemoryLimit != nil {
		j.Memory.Compile = *req.CompileMemoryLimit
	}
	if req.RunMemoryLimit != nil {
		j.Memory.Run = *req.RunMemoryLimit
	}

	return j
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// State returns the Job's current lifecycle state.
func (j *Job) State() types.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s types.JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Prime acquires a sandbox slot from provider and stages the job's files
// into it. Priming twice is an error; priming after Cleanup is an error.
func (j *Job) Prime(provider *isolation.Provider) error {
	if j.State() != types.JobCreated {
		return fmt.Errorf("job: cannot prime from state %s", j.State())
	}

	slot, err := provider.Acquire()
	if err != nil {
		return err
	}

	if err := j.stageFiles(slot); err != nil {
		provider.Release(slot)
		return err
	}

	j.mu.Lock()
	j.provider = provider
	j.slot = slot
	j.state = types.JobPrimed
	j.mu.Unlock()
	return nil
}

func (j *Job) stageFiles(slot *isolation.Slot) error {
	for _, f := range j.Files {
		path, err := stagedPath(slot.Dir, f.Name)
		if err != nil {
			return fmt.Errorf("job: file %q: %w", f.Name, err)
		}

		content, err := decodeContent(f.Content, f.Encoding)
		if err != nil {
			return fmt.Errorf("job: file %q: %w", f.Name, err)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}

		mode := os.FileMode(0644)
		if f.Executable {
			mode = 0755
		}
		if err := os.WriteFile(path, content, mode); err != nil {
			return err
		}
		_ = os.Chown(path, slot.UID, slot.GID)
	}
	return nil
}

// stagedPath resolves name against dir, rejecting any path that would
// escape dir (absolute paths, "..", a join that lands outside dir).
func stagedPath(dir, name string) (string, error) {
	if name == "" {
		return "", errors.New("empty file name")
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes sandbox: %q", name)
	}
	full := filepath.Join(dir, clean)
	if full != dir && !strings.HasPrefix(full, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes sandbox: %q", name)
	}
	return full, nil
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf8":
		return []byte(content), nil
	case "base64":
		return base64.StdEncoding.DecodeString(content)
	case "hex":
		return hex.DecodeString(content)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

func (j *Job) fileNames() []string {
	names := make([]string, len(j.Files))
	for i, f := range j.Files {
		names[i] = f.Name
	}
	return names
}

func (j *Job) entryFile() string {
	if len(j.Files) == 0 {
		return ""
	}
	return j.Files[0].Name
}

// ensurePrimed primes the job from a provider if it hasn't been already.
func (j *Job) ensurePrimed(provider *isolation.Provider) error {
	if j.State() == types.JobCreated {
		return j.Prime(provider)
	}
	return nil
}

// Execute runs the job to completion in batch mode: compile (if the
// runtime has a compile phase), then run, returning the full result.
// Execute always cleans up the job's slot before returning, successful or
// not.
func (j *Job) Execute(ctx context.Context, provider *isolation.Provider) (*types.ExecutionResult, error) {
	if err := j.ensurePrimed(provider); err != nil {
		return nil, err
	}
	defer j.Cleanup()

	j.setState(types.JobExecuting)
	result := &types.ExecutionResult{Language: j.Runtime.Language, Version: j.Runtime.Version.String()}

	if j.Runtime.Compiled() {
		compileResult, err := j.runPhase(ctx, j.Runtime.CompileScript, j.Timeouts.Compile, j.Memory.Compile,
			j.fileNames(), supervisor.StdinSource{}, nil, nil)
		if err != nil {
			j.setState(types.JobDone)
			return nil, err
		}
		result.Compile = compileResult
		if compileResult.ExitCode == nil || *compileResult.ExitCode != 0 {
			j.setState(types.JobDone)
			return result, nil
		}
	}

	runArgs := append([]string{j.entryFile()}, j.Args...)
	runResult, err := j.runPhase(ctx, j.Runtime.RunScript, j.Timeouts.Run, j.Memory.Run,
		runArgs, supervisor.StdinSource{Initial: []byte(j.Stdin)}, nil, nil)
	if err != nil {
		j.setState(types.JobDone)
		return nil, err
	}
	result.Run = runResult
	j.setState(types.JobDone)
	return result, nil
}

// ExecuteInteractive runs the job the same way as Execute, but publishes
// stage/stdout/stderr/exit events to bus as they happen, and accepts
// client stdin/signal input via WriteStdin/SendSignal for the duration of
// the call.
func (j *Job) ExecuteInteractive(ctx context.Context, provider *isolation.Provider, bus *eventbus.Bus) (*types.ExecutionResult, error) {
	if err := j.ensurePrimed(provider); err != nil {
		return nil, err
	}
	defer j.Cleanup()

	j.mu.Lock()
	j.stdinChan = make(chan []byte, signalChannelBuffer)
	j.signalChan = make(chan string, signalChannelBuffer)
	j.mu.Unlock()
	defer func() {
		// Not closed: WriteStdin/SendSignal read the channel reference
		// under j.mu and then send outside the lock, so closing here
		// could race a send against a close and panic. The supervisor
		// side already stops reading on its own "done" (process exit),
		// so the channels just become unreferenced and are collected.
		j.mu.Lock()
		j.stdinChan = nil
		j.signalChan = nil
		j.mu.Unlock()
	}()

	j.setState(types.JobExecuting)
	result := &types.ExecutionResult{Language: j.Runtime.Language, Version: j.Runtime.Version.String()}

	if j.Runtime.Compiled() {
		bus.Publish(eventbus.Event{Topic: eventbus.TopicStage, Stage: "compile"})
		sink, bridgeDone := bridgeEvents(bus)
		compileResult, err := j.runPhase(ctx, j.Runtime.CompileScript, j.Timeouts.Compile, j.Memory.Compile,
			j.fileNames(), supervisor.StdinSource{Chunks: j.stdinChan}, j.signalChan, sink)
		<-bridgeDone
		if err != nil {
			j.setState(types.JobDone)
			return nil, err
		}
		result.Compile = compileResult
		bus.Publish(eventbus.Event{Topic: eventbus.TopicExit, Stage: "compile", Payload: compileResult})
		if compileResult.ExitCode == nil || *compileResult.ExitCode != 0 {
			j.setState(types.JobDone)
			return result, nil
		}
	}

	bus.Publish(eventbus.Event{Topic: eventbus.TopicStage, Stage: "run"})
	runSink, runBridgeDone := bridgeEvents(bus)
	runArgs := append([]string{j.entryFile()}, j.Args...)
	runResult, err := j.runPhase(ctx, j.Runtime.RunScript, j.Timeouts.Run, j.Memory.Run,
		runArgs, supervisor.StdinSource{Chunks: j.stdinChan}, j.signalChan, runSink)
	<-runBridgeDone
	if err != nil {
		j.setState(types.JobDone)
		return nil, err
	}
	result.Run = runResult
	j.setState(types.JobDone)
	bus.Publish(eventbus.Event{Topic: eventbus.TopicExit, Stage: "run", Payload: runResult})
	return result, nil
}

// bridgeEvents adapts a supervisor output sink onto an eventbus, so the
// supervisor package never needs to know eventbus exists. The returned
// done channel closes once the bridge goroutine has drained ch and
// published every event onto bus; callers must wait on it before
// publishing a phase's exit event, or trailing stdout/stderr could
// arrive on the bus after the exit that is supposed to follow them.
func bridgeEvents(bus *eventbus.Bus) (chan<- supervisor.Event, <-chan struct{}) {
	ch := make(chan supervisor.Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			topic := eventbus.TopicStdout
			if ev.Stream == "stderr" {
				topic = eventbus.TopicStderr
			}
			bus.Publish(eventbus.Event{Topic: topic, Data: ev.Data})
		}
	}()
	return ch, done
}

func (j *Job) runPhase(ctx context.Context, script string, timeout time.Duration, mem int64, args []string, stdin supervisor.StdinSource, signals <-chan string, sink chan<- supervisor.Event) (*types.PhaseResult, error) {
	limits := supervisor.Limits{
		WallMs:           timeout.Milliseconds(),
		MemoryBytes:      mem,
		MaxProcesses:     j.Runtime.MaxProcesses,
		MaxOpenFiles:     j.Runtime.MaxOpenFiles,
		MaxFileSizeBytes: j.Runtime.MaxFileSize,
	}

	argv := append([]string{script}, args...)
	env := append(append([]string{}, j.Runtime.BaseEnv...), "HOME=/tmp")

	result, err := supervisor.Run(ctx, supervisor.RunParams{
		Cmd:            script,
		Argv:           argv,
		Cwd:            j.slot.Dir,
		Env:            env,
		UID:            j.slot.UID,
		GID:            j.slot.GID,
		Stdin:          stdin,
		Limits:         limits,
		Signals:        signals,
		Sink:           sink,
		OutputCapBytes: j.Runtime.MaxOutputBytes,
	})
	if sink != nil {
		close(sink)
	}
	return result, err
}

// WriteStdin forwards data to the currently running phase's standard
// input. It is a non-blocking send: if the job's internal buffer is full,
// ErrBackpressure is returned rather than stalling the caller.
func (j *Job) WriteStdin(data []byte) error {
	j.mu.Lock()
	ch := j.stdinChan
	j.mu.Unlock()
	if ch == nil {
		return ErrNotExecuting
	}
	select {
	case ch <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendSignal forwards a POSIX signal name to the process group of the
// currently running phase. name must be in the supervisor's allow-list.
func (j *Job) SendSignal(name string) error {
	if !supervisor.IsAllowedSignal(name) {
		return fmt.Errorf("job: signal %q is not allowed", name)
	}
	j.mu.Lock()
	ch := j.signalChan
	j.mu.Unlock()
	if ch == nil {
		return ErrNotExecuting
	}
	select {
	case ch <- name:
		return nil
	default:
		return ErrBackpressure
	}
}

// Cleanup releases the job's sandbox slot (if any) and transitions to
// Cleaned. Cleanup is idempotent and safe to call from any state,
// including before Prime.
func (j *Job) Cleanup() {
	j.cleanupOnce.Do(func() {
		j.mu.Lock()
		slot, provider := j.slot, j.provider
		j.state = types.JobCleaned
		j.mu.Unlock()

		if provider != nil && slot != nil {
			provider.Release(slot)
		}
	})
}
