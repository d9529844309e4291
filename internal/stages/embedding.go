package stages

import (
	"context"
	"strconv"
	"time"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

const defaultEmbedBatch = 32

// Embedding turns pending intelligence chunks into text embeddings. The
// (source_type, source_id, model_name) unique key plus the per-chunk status
// flip make the stage resumable mid-batch: a crash re-embeds only the
// chunks still pending.
type Embedding struct{}

func (*Embedding) Stage() pipeline.Stage { return pipeline.StageEmbedding }

func (*Embedding) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	db := pctx.Services.DB
	counts, err := db.GetDocumentCounts(ctx, pctx.DocumentID)
	if err != nil {
		return false, err
	}
	if counts.IntelligenceChunks == 0 {
		return false, nil
	}
	pending, err := db.GetPendingIntelligenceChunks(ctx, pctx.DocumentID, 1)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

func (*Embedding) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	svcs := pctx.Services
	if svcs.Embedder == nil {
		return nil, pipeerr.New(pipeerr.ErrCodeMissingInput, "no embedder configured", nil)
	}

	batchSize := defaultEmbedBatch
	var interBatch time.Duration
	if svcs.Config != nil {
		if svcs.Config.Embed.BatchSize > 0 {
			batchSize = svcs.Config.Embed.BatchSize
		}
		interBatch = svcs.Config.Embed.InterBatchDelay
	}
	model := svcs.Embedder.ModelName()

	embedded := 0
	for {
		chunks, err := svcs.DB.GetPendingIntelligenceChunks(ctx, pctx.DocumentID, batchSize)
		if err != nil {
			return nil, err
		}
		if len(chunks) == 0 {
			break
		}

		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := svcs.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}

		for i, c := range chunks {
			exists, err := svcs.DB.EmbeddingsExist(ctx, store.SourceTextChunk, c.ID, model)
			if err != nil {
				return nil, err
			}
			if !exists {
				emb := &store.Embedding{
					SourceType: store.SourceTextChunk,
					SourceID:   c.ID,
					Vector:     vectors[i],
					ModelName:  model,
					Dimension:  len(vectors[i]),
				}
				if err := svcs.DB.CreateEmbeddings(ctx, []*store.Embedding{emb}); err != nil {
					return nil, err
				}
				if svcs.Vectors != nil {
					if err := svcs.Vectors.Add(ctx, []string{emb.ID}, [][]float32{vectors[i]}); err != nil {
						return nil, err
					}
				}
			}
			if err := svcs.DB.SetIntelligenceChunkStatus(ctx, c.ID, store.ChunkCompleted); err != nil {
				return nil, err
			}
			embedded++
		}

		if interBatch > 0 && len(chunks) == batchSize {
			select {
			case <-ctx.Done():
				return nil, pipeerr.Cancelled("embedding cancelled between batches")
			case <-time.After(interBatch):
			}
		}
	}

	return success(map[string]string{
		"embedded_count": strconv.Itoa(embedded),
		"model":          model,
	}), nil
}
