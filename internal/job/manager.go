package job

import (
	"context"

	"github.com/coderunr/engine/internal/eventbus"
	"github.com/coderunr/engine/internal/isolation"
	"github.com/coderunr/engine/internal/types"
	"github.com/google/uuid"
)

// Manager binds the Job lifecycle to a concrete isolation.Provider so
// handlers don't need to thread the provider through every call.
type Manager struct {
	provider *isolation.Provider
}

// NewManager creates a Manager backed by provider.
func NewManager(provider *isolation.Provider) *Manager {
	return &Manager{provider: provider}
}

// NewJob creates a fresh Job with a generated ID.
func (m *Manager) NewJob(rt *types.RuntimeDescriptor, req *types.JobRequest) *Job {
	return New(uuid.NewString(), rt, *req)
}

// Execute runs j to completion in batch mode.
func (m *Manager) Execute(ctx context.Context, j *Job) (*types.ExecutionResult, error) {
	return j.Execute(ctx, m.provider)
}

// ExecuteInteractive runs j to completion, publishing progress to bus.
func (m *Manager) ExecuteInteractive(ctx context.Context, j *Job, bus *eventbus.Bus) (*types.ExecutionResult, error) {
	return j.ExecuteInteractive(ctx, m.provider, bus)
}

// Capacity returns the total number of sandbox slots available.
func (m *Manager) Capacity() int {
	return m.provider.Count()
}
