package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

func TestSaveIntelligenceChunks_DedupByFingerprint(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	docID := seedDocument(t, db, "chunk-doc")

	// Given: three chunks where two share a fingerprint
	inserted, err := db.SaveIntelligenceChunks(ctx, []*IntelligenceChunk{
		{DocumentID: docID, Text: "replace the fuser", PageStart: 1, PageEnd: 1, Fingerprint: "fp-a"},
		{DocumentID: docID, Text: "Replace  the  Fuser", PageStart: 7, PageEnd: 7, Fingerprint: "fp-a"},
		{DocumentID: docID, Text: "clean the transfer belt", PageStart: 2, PageEnd: 2, Fingerprint: "fp-b"},
	})
	require.NoError(t, err)

	// Then: the duplicate is dropped silently
	assert.Equal(t, 2, inserted)
	chunks, err := db.GetIntelligenceChunks(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	// And: the same fingerprint in another document is not a duplicate
	otherDoc := seedDocument(t, db, "chunk-doc-2")
	inserted, err = db.SaveIntelligenceChunks(ctx, []*IntelligenceChunk{
		{DocumentID: otherDoc, Text: "replace the fuser", PageStart: 3, PageEnd: 3, Fingerprint: "fp-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
}

func TestIntelligenceChunkStatusFlow(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	docID := seedDocument(t, db, "status-doc")

	_, err := db.SaveIntelligenceChunks(ctx, []*IntelligenceChunk{
		{DocumentID: docID, Text: "a", PageStart: 1, PageEnd: 1, Fingerprint: "f1"},
		{DocumentID: docID, Text: "b", PageStart: 2, PageEnd: 2, Fingerprint: "f2"},
	})
	require.NoError(t, err)

	pending, err := db.GetPendingIntelligenceChunks(ctx, docID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, db.SetIntelligenceChunkStatus(ctx, pending[0].ID, ChunkCompleted))

	pending, err = db.GetPendingIntelligenceChunks(ctx, docID, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCreateEmbeddings_DimensionMismatchFailsAtomically(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	docID := seedDocument(t, db, "emb-doc")

	_, err := db.SaveIntelligenceChunks(ctx, []*IntelligenceChunk{
		{DocumentID: docID, Text: "a", PageStart: 1, PageEnd: 1, Fingerprint: "f1"},
		{DocumentID: docID, Text: "b", PageStart: 2, PageEnd: 2, Fingerprint: "f2"},
	})
	require.NoError(t, err)
	chunks, err := db.GetIntelligenceChunks(ctx, docID)
	require.NoError(t, err)

	// When: the second embedding in the batch has the wrong length
	err = db.CreateEmbeddings(ctx, []*Embedding{
		{SourceType: SourceTextChunk, SourceID: chunks[0].ID, Vector: []float32{1, 2, 3}, ModelName: "m", Dimension: 3},
		{SourceType: SourceTextChunk, SourceID: chunks[1].ID, Vector: []float32{1, 2}, ModelName: "m", Dimension: 3},
	})
	require.Error(t, err)
	var pe *pipeerr.PipeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pipeerr.ErrCodeDimensionMismatch, pe.Code)

	// Then: nothing from the batch was persisted
	n, err := db.CountEmbeddingsForDocument(ctx, docID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateEmbeddings_DanglingSourceRejected(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	err := db.CreateEmbeddings(ctx, []*Embedding{
		{SourceType: SourceTextChunk, SourceID: "no-such-chunk", Vector: []float32{1}, ModelName: "m", Dimension: 1},
	})
	require.Error(t, err)
	var pe *pipeerr.PipeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pipeerr.ErrCodeDanglingReference, pe.Code)
}

func TestDeleteIntelligenceChunk_GuardedByEmbeddings(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	docID := seedDocument(t, db, "guard-doc")

	_, err := db.SaveIntelligenceChunks(ctx, []*IntelligenceChunk{
		{DocumentID: docID, Text: "a", PageStart: 1, PageEnd: 1, Fingerprint: "f1"},
	})
	require.NoError(t, err)
	chunks, err := db.GetIntelligenceChunks(ctx, docID)
	require.NoError(t, err)
	chunkID := chunks[0].ID

	require.NoError(t, db.CreateEmbeddings(ctx, []*Embedding{
		{SourceType: SourceTextChunk, SourceID: chunkID, Vector: []float32{1, 2}, ModelName: "m", Dimension: 2},
	}))

	// A chunk with live embeddings cannot be deleted
	err = db.DeleteIntelligenceChunk(ctx, chunkID)
	require.Error(t, err)

	// After the embeddings go, deletion succeeds
	require.NoError(t, db.DeleteEmbeddingsForSource(ctx, SourceTextChunk, chunkID))
	require.NoError(t, db.DeleteIntelligenceChunk(ctx, chunkID))
}

func TestEmbeddingsExist_PerModel(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	docID := seedDocument(t, db, "model-doc")

	_, err := db.SaveIntelligenceChunks(ctx, []*IntelligenceChunk{
		{DocumentID: docID, Text: "a", PageStart: 1, PageEnd: 1, Fingerprint: "f1"},
	})
	require.NoError(t, err)
	chunks, err := db.GetIntelligenceChunks(ctx, docID)
	require.NoError(t, err)

	require.NoError(t, db.CreateEmbeddings(ctx, []*Embedding{
		{SourceType: SourceTextChunk, SourceID: chunks[0].ID, Vector: []float32{1}, ModelName: "nomic-embed-text", Dimension: 1},
	}))

	ok, err := db.EmbeddingsExist(ctx, SourceTextChunk, chunks[0].ID, "nomic-embed-text")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.EmbeddingsExist(ctx, SourceTextChunk, chunks[0].ID, "some-other-model")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertErrorCode_MergeTieBreak(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	docID := seedDocument(t, db, "ec-doc")

	// Given: an AI extraction at 0.7
	id1, wasNew, err := db.UpsertErrorCode(ctx, &ErrorCode{
		Code: "13.20.00", ManufacturerID: "hp", DocumentID: docID,
		Description: "paper jam (ai)", Confidence: 0.7, AIExtracted: true,
	})
	require.NoError(t, err)
	assert.True(t, wasNew)

	// When: a lower-confidence result arrives for the same provenance
	id2, wasNew, err := db.UpsertErrorCode(ctx, &ErrorCode{
		Code: "13.20.00", ManufacturerID: "hp", DocumentID: docID,
		Description: "paper jam (weak)", Confidence: 0.5, AIExtracted: true,
	})
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, id1, id2)

	codes, err := db.GetErrorCodes(ctx, docID)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "paper jam (ai)", codes[0].Description)

	// When: a pattern match ties the confidence
	_, _, err = db.UpsertErrorCode(ctx, &ErrorCode{
		Code: "13.20.00", ManufacturerID: "hp", DocumentID: docID,
		Description: "paper jam in fuser area", Confidence: 0.7, AIExtracted: false,
	})
	require.NoError(t, err)

	// Then: the pattern match wins the tie
	codes, err = db.GetErrorCodes(ctx, docID)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "paper jam in fuser area", codes[0].Description)
	assert.False(t, codes[0].AIExtracted)

	// And: different provenance creates a separate row
	_, wasNew, err = db.UpsertErrorCode(ctx, &ErrorCode{
		Code: "13.20.00", ManufacturerID: "hp", VideoID: "vid-1",
		Description: "from video", Confidence: 0.6, AIExtracted: true,
	})
	require.NoError(t, err)
	assert.True(t, wasNew)
}

func TestGetDocumentCounts(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	docID := seedDocument(t, db, "counts-doc")

	require.NoError(t, db.SaveContentChunks(ctx, []*ContentChunk{
		{DocumentID: docID, Ordinal: 0, PageStart: 1, PageEnd: 1, ChunkType: "paragraph", Text: "x"},
		{DocumentID: docID, Ordinal: 1, PageStart: 2, PageEnd: 2, ChunkType: "paragraph", Text: "y"},
	}))
	_, err := db.SaveIntelligenceChunks(ctx, []*IntelligenceChunk{
		{DocumentID: docID, Text: "x", PageStart: 1, PageEnd: 1, Fingerprint: "f1"},
	})
	require.NoError(t, err)

	counts, err := db.GetDocumentCounts(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.ContentChunks)
	assert.Equal(t, 1, counts.IntelligenceChunks)
	assert.Zero(t, counts.Embeddings)
}

func TestAuditEntriesRoundTrip(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entries := []*AuditEntry{
		{
			Operation: "status_change", Resource: "documents", RecordID: "doc-1",
			OldValues: map[string]any{"status": "pending"},
			NewValues: map[string]any{"status": "archived"},
			ActorID:   "batch-worker", CorrelationID: "batch-42",
			RollbackData: map[string]any{"status": "pending"},
			CreatedAt:    base,
		},
		{
			Operation: "delete", Resource: "documents", RecordID: "doc-2",
			ActorID: "batch-worker", CorrelationID: "batch-42",
			CreatedAt: base.Add(time.Second),
		},
	}
	require.NoError(t, db.SaveAuditEntries(ctx, entries))

	got, err := db.GetAuditEntries(ctx, "batch-42")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "status_change", got[0].Operation)
	assert.Equal(t, "archived", got[0].NewValues["status"])
	assert.Equal(t, "pending", got[0].RollbackData["status"])
}
