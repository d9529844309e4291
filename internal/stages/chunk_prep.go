package stages

import (
	"context"
	"strconv"

	"github.com/fixbase/docpipe/internal/chunk"
	"github.com/fixbase/docpipe/internal/pipeline"
)

// ChunkPrep fingerprints raw content chunks into the deduplicated AI-ready
// set. The (document_id, fingerprint) unique key absorbs both within-run
// duplicates and re-runs.
type ChunkPrep struct{}

func (*ChunkPrep) Stage() pipeline.Stage { return pipeline.StageChunkPrep }

func (*ChunkPrep) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	counts, err := pctx.Services.DB.GetDocumentCounts(ctx, pctx.DocumentID)
	if err != nil {
		return false, err
	}
	return counts.IntelligenceChunks > 0, nil
}

func (*ChunkPrep) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	db := pctx.Services.DB

	raw, err := db.GetContentChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}

	prepared := chunk.Prepare(pctx.DocumentID, raw)
	inserted, err := db.SaveIntelligenceChunks(ctx, prepared)
	if err != nil {
		return nil, err
	}

	return success(map[string]string{
		"raw_count":      strconv.Itoa(len(raw)),
		"prepared_count": strconv.Itoa(len(prepared)),
		"inserted_count": strconv.Itoa(inserted),
	}), nil
}
