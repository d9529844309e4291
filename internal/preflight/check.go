package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fixbase/docpipe/internal/config"
)

// CheckStatus is the outcome of one preflight check.
type CheckStatus int

const (
	StatusPass CheckStatus = iota
	StatusWarn
	StatusFail
)

func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical reports whether a required check failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker runs preflight validation against a configuration.
type Checker struct {
	cfg    *config.Config
	output io.Writer
}

// Option configures a Checker.
type Option func(*Checker)

// WithOutput sets the writer PrintResults uses.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) { c.output = w }
}

// New creates a Checker for the given configuration.
func New(cfg *config.Config, opts ...Option) *Checker {
	c := &Checker{cfg: cfg, output: os.Stdout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check: the critical filesystem and limit checks first,
// then the non-critical collaborator probes the configuration enables.
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	dataDir := c.cfg.Paths.DataDir
	results := []CheckResult{
		c.CheckWritePermissions(dataDir),
		c.CheckDiskSpace(dataDir),
		c.CheckFileDescriptors(),
	}
	results = append(results, c.CheckCollaborators(ctx)...)
	return results
}

// HasCriticalFailures reports whether any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus reduces the results to ready, ready_with_warnings or failed.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	var warned, failed bool
	for _, r := range results {
		if r.IsCritical() {
			failed = true
		}
		if r.Status == StatusWarn || (r.Status == StatusFail && !r.Required) {
			warned = true
		}
	}
	switch {
	case failed:
		return "failed"
	case warned:
		return "ready_with_warnings"
	default:
		return "ready"
	}
}

// PrintResults writes the check results to the configured output.
func (c *Checker) PrintResults(results []CheckResult) {
	for _, r := range results {
		fmt.Fprintf(c.output, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if r.Details != "" {
			fmt.Fprintf(c.output, "      %s\n", r.Details)
		}
	}
	fmt.Fprintf(c.output, "status: %s\n", c.SummaryStatus(results))
}

// CheckWritePermissions verifies the data directory exists and is writable.
func (c *Checker) CheckWritePermissions(dataDir string) CheckResult {
	result := CheckResult{Name: "write_permissions", Required: true}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create data directory: %v", err)
		return result
	}
	probe := filepath.Join(dataDir, ".docpipe-preflight")
	f, err := os.Create(probe)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("data directory not writable: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(probe)

	result.Status = StatusPass
	result.Message = dataDir
	return result
}
