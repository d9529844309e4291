package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixbase/docpipe/internal/queue"
	"github.com/fixbase/docpipe/internal/store"
)

func newTestInbox(t *testing.T) (*Inbox, *store.DB, string) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir := t.TempDir()
	q := queue.New(db, queue.Options{})
	inbox, err := NewInbox(db, q, dir, Options{DebounceWindow: 30 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(inbox.Stop)
	return inbox, db, dir
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestInbox_EnqueuesDroppedPDF(t *testing.T) {
	inbox, db, dir := newTestInbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = inbox.Run(ctx) }()

	// Give the watch a moment to attach before dropping the file.
	time.Sleep(50 * time.Millisecond)
	path := filepath.Join(dir, "hp-bulletin.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf body"), 0o644))

	waitFor(t, func() bool { return inbox.Taken() == 1 })

	count, err := db.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	task, err := db.DequeueTask(ctx, "worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, queue.TaskProcessDocument, task.TaskType)
	assert.Equal(t, path, task.Payload["file_ref"])
	assert.Equal(t, "smart", task.Payload["mode"])
}

func TestInbox_SweepTakesPreexistingFiles(t *testing.T) {
	inbox, db, dir := newTestInbox(t)
	path := filepath.Join(dir, "preexisting.pdf")
	require.NoError(t, os.WriteFile(path, []byte("already here"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = inbox.Run(ctx) }()

	waitFor(t, func() bool { return inbox.Taken() == 1 })

	count, err := db.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInbox_IgnoresOtherFiles(t *testing.T) {
	inbox, db, dir := newTestInbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = inbox.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.pdf"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "copying.pdf.part"), []byte("x"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, inbox.Taken())

	count, err := db.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestInbox_DuplicateDropReusesDocument(t *testing.T) {
	inbox, db, dir := newTestInbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = inbox.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.pdf"), []byte("same bytes"), 0o644))
	waitFor(t, func() bool { return inbox.Taken() == 1 })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.pdf"), []byte("same bytes"), 0o644))
	waitFor(t, func() bool { return inbox.Taken() == 2 })

	count, err := db.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAccepts(t *testing.T) {
	inbox, _, _ := newTestInbox(t)

	assert.True(t, inbox.accepts("/inbox/manual.pdf"))
	assert.True(t, inbox.accepts("/inbox/MANUAL.PDF"))
	assert.False(t, inbox.accepts("/inbox/manual.docx"))
	assert.False(t, inbox.accepts("/inbox/.manual.pdf"))
	assert.False(t, inbox.accepts("/inbox/manual.pdf.part"))
	assert.False(t, inbox.accepts("/inbox/manual.pdf.tmp"))
}
