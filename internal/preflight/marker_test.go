package preflight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarker_Lifecycle(t *testing.T) {
	dir := t.TempDir()

	assert.True(t, NeedsCheck(dir))

	require.NoError(t, MarkPassed(dir))
	assert.False(t, NeedsCheck(dir))
	assert.Greater(t, MarkerAge(dir), time.Duration(0))

	require.NoError(t, ClearMarker(dir))
	assert.True(t, NeedsCheck(dir))
	assert.Zero(t, MarkerAge(dir))

	// Clearing an absent marker is a no-op.
	require.NoError(t, ClearMarker(dir))
}

func TestMarkPassed_CreatesDataDir(t *testing.T) {
	dir := t.TempDir() + "/fresh"
	require.NoError(t, MarkPassed(dir))
	assert.False(t, NeedsCheck(dir))
}
