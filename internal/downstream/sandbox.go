package downstream

import (
	"context"
	"encoding/base64"
	"regexp"
	"strconv"
	"time"

	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/metrics"
	"github.com/magehq/backend/internal/rpc"
)

// Sandbox execution limits.
const (
	maxExecutionTimeoutMs = 300_000
	maxMemoryMiB          = 2048
	maxSandboxFiles       = 20
	maxFileBytes          = 100 << 20 // 100 MiB
)

var memoryLimitRe = regexp.MustCompile(`^(\d+)(Mi|Gi)$`)

// supportedLanguages is the closed set the sandbox executes.
var supportedLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"typescript": true,
	"go":         true,
	"bash":       true,
}

// ResourceLimits bounds one sandbox execution.
type ResourceLimits struct {
	Memory   string  `json:"memory,omitempty"` // e.g. "512Mi", "1Gi"
	CPUCores float64 `json:"cpuCores,omitempty"`
}

// SandboxFile is an input file materialised into the sandbox.
type SandboxFile struct {
	Name          string `json:"name"`
	ContentBase64 string `json:"contentBase64"`
}

// ExecuteRequest is the sandbox /execute contract.
type ExecuteRequest struct {
	Code           string            `json:"code"`
	Language       string            `json:"language"`
	Packages       []string          `json:"packages,omitempty"`
	Files          []SandboxFile     `json:"files,omitempty"`
	TimeoutMs      int               `json:"timeout"`
	ResourceLimits ResourceLimits    `json:"resourceLimits"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ExecuteResponse is the sandbox /execute result.
type ExecuteResponse struct {
	Success         bool              `json:"success"`
	Stdout          string            `json:"stdout,omitempty"`
	Stderr          string            `json:"stderr,omitempty"`
	ExitCode        *int              `json:"exitCode,omitempty"`
	ExecutionTimeMs int64             `json:"executionTimeMs"`
	ResourceUsage   map[string]string `json:"resourceUsage,omitempty"`
	Artifacts       []string          `json:"artifacts,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Sandbox fronts the code-execution service.
type Sandbox struct {
	rpc     *rpc.Client
	metrics *metrics.Metrics
}

func NewSandbox(client *rpc.Client, m *metrics.Metrics) *Sandbox {
	return &Sandbox{rpc: client, metrics: m}
}

// Execute validates and runs one code execution.
func (s *Sandbox) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	if err := validateExecute(req); err != nil {
		s.metrics.RecordSandboxExecution(req.Language, "validation")
		return nil, err
	}

	var resp ExecuteResponse
	op := rpc.Operation{
		Name:    "execute",
		Path:    "/execute",
		Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
	}
	if err := s.rpc.Do(ctx, op, req, &resp); err != nil {
		s.metrics.RecordSandboxExecution(req.Language, faults.KindOf(err).String())
		return nil, err
	}

	outcome := "success"
	if !resp.Success {
		outcome = "execution_error"
	}
	s.metrics.RecordSandboxExecution(req.Language, outcome)
	return &resp, nil
}

// Health probes the sandbox health endpoint.
func (s *Sandbox) Health(ctx context.Context) error { return s.rpc.Health(ctx) }

func validateExecute(req *ExecuteRequest) error {
	if req.Code == "" {
		return faults.Validation("empty_code", "code must not be empty")
	}
	if !supportedLanguages[req.Language] {
		return faults.Validation("unsupported_language", "language %q is not supported", req.Language)
	}
	if req.TimeoutMs <= 0 || req.TimeoutMs > maxExecutionTimeoutMs {
		return faults.Validation("timeout_out_of_range", "timeout must be within (0, %d] ms, got %d", maxExecutionTimeoutMs, req.TimeoutMs)
	}
	if req.ResourceLimits.Memory != "" {
		mib, err := parseMemoryMiB(req.ResourceLimits.Memory)
		if err != nil {
			return err
		}
		if mib > maxMemoryMiB {
			return faults.Validation("memory_limit_exceeded", "memory %s exceeds the %d MiB cap", req.ResourceLimits.Memory, maxMemoryMiB)
		}
	}
	if len(req.Files) > maxSandboxFiles {
		return faults.Validation("too_many_files", "at most %d files, got %d", maxSandboxFiles, len(req.Files))
	}
	for _, f := range req.Files {
		if f.Name == "" {
			return faults.Validation("unnamed_file", "every file needs a name")
		}
		if base64.StdEncoding.DecodedLen(len(f.ContentBase64)) > maxFileBytes {
			return faults.Validation("file_too_large", "file %s exceeds the 100 MiB cap", f.Name)
		}
	}
	return nil
}

// parseMemoryMiB parses limits of the shape ^(\d+)(Mi|Gi)$ into MiB.
func parseMemoryMiB(limit string) (int, error) {
	m := memoryLimitRe.FindStringSubmatch(limit)
	if m == nil {
		return 0, faults.Validation("bad_memory_limit", "memory limit %q must match ^(\\d+)(Mi|Gi)$", limit)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, faults.Validation("bad_memory_limit", "memory limit %q: %v", limit, err)
	}
	if m[2] == "Gi" {
		n *= 1024
	}
	return n, nil
}
