package preflight

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixbase/docpipe/internal/config"
)

func newTestChecker(t *testing.T) (*Checker, *config.Config) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Paths.DataDir = t.TempDir()
	return New(cfg, WithOutput(&bytes.Buffer{})), cfg
}

func TestRunAll_PassesOnHealthySystem(t *testing.T) {
	c, _ := newTestChecker(t)

	results := c.RunAll(context.Background())
	require.NotEmpty(t, results)
	assert.False(t, c.HasCriticalFailures(results))
	assert.Equal(t, "ready", c.SummaryStatus(results))
}

func TestCheckWritePermissions_CreatesDataDir(t *testing.T) {
	c, cfg := newTestChecker(t)
	dir := cfg.Paths.DataDir + "/nested"

	r := c.CheckWritePermissions(dir)
	assert.Equal(t, StatusPass, r.Status)
	assert.True(t, r.Required)
	assert.DirExists(t, dir)
}

func TestCheckWritePermissions_FailsWhenDirCannotExist(t *testing.T) {
	c, cfg := newTestChecker(t)
	blocker := cfg.Paths.DataDir + "/file"
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// A directory cannot be created under a regular file.
	r := c.CheckWritePermissions(blocker + "/data")
	assert.Equal(t, StatusFail, r.Status)
	assert.True(t, r.IsCritical())
}

func TestCheckCollaborators_ReachableSidecar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c, cfg := newTestChecker(t)
	cfg.Extract.SidecarURL = srv.URL

	results := c.CheckCollaborators(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, "extraction_sidecar", results[0].Name)
	assert.Equal(t, StatusPass, results[0].Status)
	assert.False(t, results[0].Required)
}

func TestCheckCollaborators_UnreachableWarnsOnly(t *testing.T) {
	c, cfg := newTestChecker(t)
	cfg.Vision.Endpoint = "http://127.0.0.1:1" // nothing listens there

	results := c.CheckCollaborators(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, StatusWarn, results[0].Status)
	assert.False(t, c.HasCriticalFailures(results))
	assert.Equal(t, "ready_with_warnings", c.SummaryStatus(results))
}

func TestCheckCollaborators_NoneConfigured(t *testing.T) {
	c, _ := newTestChecker(t)
	assert.Empty(t, c.CheckCollaborators(context.Background()))
}

func TestSummaryStatus_Failed(t *testing.T) {
	c, _ := newTestChecker(t)
	results := []CheckResult{
		{Name: "disk_space", Status: StatusFail, Required: true},
	}
	assert.Equal(t, "failed", c.SummaryStatus(results))
	assert.True(t, c.HasCriticalFailures(results))
}

func TestPrintResults(t *testing.T) {
	var out bytes.Buffer
	cfg := config.NewConfig()
	cfg.Paths.DataDir = t.TempDir()
	c := New(cfg, WithOutput(&out))

	c.PrintResults([]CheckResult{
		{Name: "disk_space", Status: StatusPass, Message: "10.0 GB free"},
		{Name: "vision_model", Status: StatusWarn, Message: "unreachable", Details: "degraded"},
	})

	s := out.String()
	assert.Contains(t, s, "[PASS] disk_space")
	assert.Contains(t, s, "[WARN] vision_model")
	assert.Contains(t, s, "degraded")
	assert.Contains(t, s, "status: ready_with_warnings")
}
