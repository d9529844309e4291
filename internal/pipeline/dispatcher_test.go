package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/store"
)

func TestDispatcher_RunStageRequiresPrerequisites(t *testing.T) {
	exec, db, docID := newTestExecutor(t)
	procs := registerAll(exec)
	d := NewDispatcher(exec)
	ctx := context.Background()

	pctx := NewProcessingContext(docID, "/tmp/manual.pdf", &Services{DB: db})
	err := d.RunStage(ctx, pctx, StageChunkPrep, DispatchOptions{})
	require.Error(t, err)
	var perr *pipeerr.PipeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pipeerr.ErrCodePrecondition, perr.Code)
	assert.Contains(t, perr.Message, "link_extraction")
	assert.EqualValues(t, 0, procs[StageChunkPrep].calls.Load())
}

func TestDispatcher_RunStageAfterPrerequisitesMet(t *testing.T) {
	exec, db, docID := newTestExecutor(t)
	procs := registerAll(exec)
	d := NewDispatcher(exec)
	ctx := context.Background()

	// Given: a full run, then upload reset for a targeted re-run
	pctx := NewProcessingContext(docID, "/tmp/manual.pdf", &Services{DB: db})
	_, err := exec.Run(ctx, pctx, ModeFull)
	require.NoError(t, err)

	// When: chunk_prep is re-dispatched with force
	pctx = NewProcessingContext(docID, "/tmp/manual.pdf", &Services{DB: db})
	require.NoError(t, d.RunStage(ctx, pctx, StageChunkPrep, DispatchOptions{Force: true}))
	assert.EqualValues(t, 2, procs[StageChunkPrep].calls.Load())

	// Then: without force a completed stage is rejected
	err = d.RunStage(ctx, pctx, StageChunkPrep, DispatchOptions{})
	require.Error(t, err)
	var perr *pipeerr.PipeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pipeerr.ErrCodePrecondition, perr.Code)
}

func TestDispatcher_RunSequenceStopOnError(t *testing.T) {
	exec, db, docID := newTestExecutor(t)
	procs := registerAll(exec)
	d := NewDispatcher(exec)
	ctx := context.Background()

	procs[StageTextExtraction].run = func(int64) error {
		return pipeerr.Permanent(pipeerr.ErrCodeInvalidInput, "unreadable pdf", nil)
	}

	pctx := NewProcessingContext(docID, "/tmp/manual.pdf", &Services{DB: db})
	err := d.RunSequence(ctx, pctx, []Stage{StageUpload, StageTextExtraction, StageTableExtraction},
		DispatchOptions{StopOnError: true})
	require.Error(t, err)

	// upload ran, text_extraction failed, table_extraction never started
	rec, err2 := db.StageStatus().Get(ctx, docID, string(StageUpload))
	require.NoError(t, err2)
	assert.Equal(t, store.StageCompleted, rec.State)
	assert.EqualValues(t, 0, procs[StageTableExtraction].calls.Load())
}

func TestDispatcher_RejectsUnknownStage(t *testing.T) {
	exec, db, docID := newTestExecutor(t)
	registerAll(exec)
	d := NewDispatcher(exec)

	pctx := NewProcessingContext(docID, "/tmp/manual.pdf", &Services{DB: db})
	err := d.RunStage(context.Background(), pctx, Stage("ocr"), DispatchOptions{})
	require.Error(t, err)
	var perr *pipeerr.PipeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pipeerr.ErrCodeUnknownStage, perr.Code)
}
