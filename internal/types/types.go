// Package types holds the data model shared by the job execution engine
// and its transport/config/CLI collaborators.
package types

import (
	"time"

	"github.com/Masterminds/semver/v3"
)

// JobState is the Job lifecycle state. Transitions are monotonic: a state
// is never re-entered once left, except that Cleaned is reachable from any
// state (the abort path).
type JobState int

const (
	JobCreated JobState = iota
	JobPrimed
	JobExecuting
	JobDone
	JobCleaned
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobPrimed:
		return "primed"
	case JobExecuting:
		return "executing"
	case JobDone:
		return "done"
	case JobCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// CodeFile is one source file supplied with a job request. The first file
// in a Job's file list is the entry point by convention.
type CodeFile struct {
	Name       string `json:"name"`
	Content    string `json:"content"`
	Encoding   string `json:"encoding,omitempty"` // "utf8" (default), "base64", or "hex"
	Executable bool   `json:"executable,omitempty"`
}

// Timeouts holds the wall-clock budgets for each phase.
type Timeouts struct {
	Compile time.Duration `json:"compile"`
	Run     time.Duration `json:"run"`
}

// MemoryLimits holds the memory ceilings for each phase, in bytes.
// -1 means unlimited, subject to the configured ceiling.
type MemoryLimits struct {
	Compile int64 `json:"compile"`
	Run     int64 `json:"run"`
}

// RuntimeDescriptor is immutable, process-lifetime metadata identifying a
// (language, version) pair and how to compile/run code under it. See
// spec.md §3 "Runtime descriptor" and §4.A.
type RuntimeDescriptor struct {
	Language      string          `json:"language"`
	Version       *semver.Version `json:"version"`
	Aliases       []string        `json:"aliases"`
	InstallPrefix string          `json:"install_prefix"`
	CompileScript string          `json:"compile_script,omitempty"` // empty => interpreted language
	RunScript     string          `json:"run_script"`
	BaseEnv       []string        `json:"base_env"`
	RuntimeLabel  string          `json:"runtime"` // free-form toolchain family label

	Timeouts        Timeouts     `json:"timeouts"`
	MemoryLimits    MemoryLimits `json:"memory_limits"`
	MaxProcesses    int          `json:"max_processes"`
	MaxOpenFiles    int          `json:"max_open_files"`
	MaxFileSize     int64        `json:"max_file_size"`
	MaxOutputBytes  int          `json:"max_output_bytes"`
}

// Compiled reports whether this descriptor has a compile phase.
func (r *RuntimeDescriptor) Compiled() bool {
	return r.CompileScript != ""
}

// PhaseResult is the outcome of one supervised compile or run phase.
// Exactly one of ExitCode/Signal is non-nil for a process that actually
// started; both nil with Message set means the phase failed to launch.
type PhaseResult struct {
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`
	CombinedOutput string `json:"combined_output"`
	ExitCode       *int   `json:"exit_code"`
	Signal         string `json:"signal,omitempty"`
	WallMs         int64  `json:"wall_ms"`
	Message        string `json:"message,omitempty"`
}

// ExecutionResult is the final outcome returned for a Job.
type ExecutionResult struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Compile  *PhaseResult `json:"compile,omitempty"`
	Run      *PhaseResult `json:"run"`
}

// JobRequest is the external, transport-agnostic shape of a batch or
// interactive-init request (spec.md §6).
type JobRequest struct {
	Language           string     `json:"language"`
	Version            string     `json:"version"`
	Files              []CodeFile `json:"files"`
	Args               []string   `json:"args,omitempty"`
	Stdin              string     `json:"stdin,omitempty"`
	RunTimeout         *int       `json:"run_timeout,omitempty"`
	CompileTimeout     *int       `json:"compile_timeout,omitempty"`
	RunMemoryLimit     *int64     `json:"run_memory_limit,omitempty"`
	CompileMemoryLimit *int64     `json:"compile_memory_limit,omitempty"`
}

// PackageInfo/RuntimeInfo are API-facing projections, kept separate from
// the internal descriptor so the wire format can evolve independently.
type RuntimeInfo struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
	Runtime  string   `json:"runtime,omitempty"`
}

type PackageInfo struct {
	Language        string `json:"language"`
	LanguageVersion string `json:"language_version"`
	Installed       bool   `json:"installed"`
}

type Package struct {
	Language string          `json:"language"`
	Version  *semver.Version `json:"version"`
	Download string          `json:"download"`
	Checksum string          `json:"checksum"`
}

// WebSocketMessage is the wire shape for both client->server and
// server->client interactive session messages (spec.md §6).
type WebSocketMessage struct {
	Type     string      `json:"type"`
	Stream   string      `json:"stream,omitempty"`
	Data     string      `json:"data,omitempty"`
	Stage    string      `json:"stage,omitempty"`
	Signal   string      `json:"signal,omitempty"`
	Message  string      `json:"message,omitempty"`
	Code     *int        `json:"exit_code,omitempty"`
	Language string      `json:"language,omitempty"`
	Version  string      `json:"version,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
}

// ErrorResponse is the batch-request error body.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
