package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/coderunr/engine/internal/governor"
	"github.com/coderunr/engine/internal/job"
	"github.com/coderunr/engine/internal/runtime"
	"github.com/coderunr/engine/internal/types"
	"github.com/sirupsen/logrus"
)

// clientKey reduces a request's RemoteAddr ("ip:port") to just the IP, so
// the governor's per-client cap bounds one client rather than one TCP
// connection (every connection gets a fresh ephemeral port).
func clientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Handler contains the dependencies for HTTP handlers.
type Handler struct {
	jobManager *job.Manager
	governor   *governor.Governor
	logger     *logrus.Logger
}

// NewHandler creates a new handler instance.
func NewHandler(jobManager *job.Manager, gov *governor.Governor, logger *logrus.Logger) *Handler {
	return &Handler{
		jobManager: jobManager,
		governor:   gov,
		logger:     logger,
	}
}

// GetVersion returns the API version.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"message": "CodeRunr engine v1.0.0",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ExecuteCode executes code synchronously (spec.md §6, batch request).
func (h *Handler) ExecuteCode(w http.ResponseWriter, r *http.Request) {
	var request types.JobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&request); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.sendError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.sendError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}

	if err := h.validateJobRequest(&request); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rt, err := runtime.Lookup(request.Language, request.Version)
	if err != nil {
		h.sendError(w, fmt.Sprintf("%s-%s runtime is unknown", request.Language, request.Version), http.StatusBadRequest)
		return
	}

	if err := h.validateConstraints(&request, rt); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	token, err := h.governor.TryEnter(clientKey(r.RemoteAddr))
	if err != nil {
		h.sendError(w, "too many concurrent jobs for this client", http.StatusTooManyRequests)
		return
	}
	defer h.governor.Leave(token)

	j := h.jobManager.NewJob(rt, &request)
	result, err := h.jobManager.Execute(r.Context(), j)
	if err != nil {
		h.logger.WithError(err).Error("job execution failed")
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// Piston-compatible fallback: a run-less result (compile failed before a
	// run phase ever started) still reports something under "run".
	if result.Run == nil && result.Compile != nil {
		result.Run = result.Compile
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// GetRuntimes returns the set of available runtimes.
func (h *Handler) GetRuntimes(w http.ResponseWriter, r *http.Request) {
	descriptors := runtime.List()

	response := make([]types.RuntimeInfo, len(descriptors))
	for i, rt := range descriptors {
		runtimeName := rt.RuntimeLabel
		if runtimeName == "" {
			runtimeName = rt.Language
		}
		response[i] = types.RuntimeInfo{
			Language: rt.Language,
			Version:  rt.Version.String(),
			Aliases:  rt.Aliases,
			Runtime:  runtimeName,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// validateJobRequest validates the incoming job request.
func (h *Handler) validateJobRequest(request *types.JobRequest) error {
	if request.Language == "" {
		return fmt.Errorf("language is required as a string")
	}
	if request.Version == "" {
		return fmt.Errorf("version is required as a string")
	}
	if len(request.Files) == 0 {
		return fmt.Errorf("files is required as an array")
	}
	for i, file := range request.Files {
		if file.Content == "" {
			return fmt.Errorf("files[%d].content is required as a string", i)
		}
	}
	return nil
}

// validateConstraints validates resource constraints against runtime limits.
func (h *Handler) validateConstraints(request *types.JobRequest, rt *types.RuntimeDescriptor) error {
	hasUTF8 := false
	for _, file := range request.Files {
		if file.Encoding == "" || file.Encoding == "utf8" {
			hasUTF8 = true
			break
		}
	}
	if !hasUTF8 {
		return fmt.Errorf("files must include at least one utf8 encoded file")
	}

	timeConstraints := []struct {
		name        string
		value       *int
		configLimit int64
	}{
		{"compile_timeout", request.CompileTimeout, rt.Timeouts.Compile.Milliseconds()},
		{"run_timeout", request.RunTimeout, rt.Timeouts.Run.Milliseconds()},
	}
	for _, constraint := range timeConstraints {
		if constraint.value == nil || constraint.configLimit <= 0 {
			continue
		}
		if int64(*constraint.value) > constraint.configLimit {
			return fmt.Errorf("%s cannot exceed the configured limit of %d", constraint.name, constraint.configLimit)
		}
		if *constraint.value < 0 {
			return fmt.Errorf("%s must be non-negative", constraint.name)
		}
	}

	memoryConstraints := []struct {
		name        string
		value       *int64
		configLimit int64
	}{
		{"compile_memory_limit", request.CompileMemoryLimit, rt.MemoryLimits.Compile},
		{"run_memory_limit", request.RunMemoryLimit, rt.MemoryLimits.Run},
	}
	for _, constraint := range memoryConstraints {
		if constraint.value == nil || constraint.configLimit <= 0 {
			continue
		}
		if *constraint.value > constraint.configLimit {
			return fmt.Errorf("%s cannot exceed the configured limit of %d", constraint.name, constraint.configLimit)
		}
		if *constraint.value < 0 {
			return fmt.Errorf("%s must be non-negative", constraint.name)
		}
	}

	return nil
}

// sendError sends an error response.
func (h *Handler) sendError(w http.ResponseWriter, message string, statusCode int) {
	response := types.ErrorResponse{
		Message: message,
		Code:    statusCode,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// sendJSON sends a JSON response.
func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("failed to encode JSON response")
	}
}
