package stages

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/extract"
	"github.com/fixbase/docpipe/internal/logging"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

const defaultVisualCap = 5

// VisualEmbedding produces one vector per image through the vision model.
// Work per run is capped and calls are spaced out: local vision models
// share GPU memory with everything else on the host. Per-image failures are
// tolerated; the stage fails only when every image fails.
type VisualEmbedding struct{}

func (*VisualEmbedding) Stage() pipeline.Stage { return pipeline.StageVisualEmbedding }

func (*VisualEmbedding) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	images, err := pctx.Services.DB.GetImages(ctx, pctx.DocumentID)
	if err != nil {
		return false, err
	}
	for _, img := range images {
		if img.EmbeddingID == "" {
			return false, nil
		}
	}
	return len(images) > 0, nil
}

func (*VisualEmbedding) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	svcs := pctx.Services

	assets, err := pendingImageAssets(ctx, pctx)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return success(map[string]string{"embedded_count": "0"}), nil
	}
	if svcs.Vision == nil {
		return success(map[string]string{"embedded_count": "0", "skipped": "no_vision_model"}), nil
	}

	limit := defaultVisualCap
	var delay time.Duration
	model := "vision"
	if svcs.Config != nil {
		if svcs.Config.Vision.MaxImagesPerRun > 0 {
			limit = svcs.Config.Vision.MaxImagesPerRun
		}
		delay = svcs.Config.Vision.InterCallDelay
		if svcs.Config.Vision.Model != "" {
			model = svcs.Config.Vision.Model
		}
	}

	capped := len(assets) > limit
	if capped {
		assets = assets[:limit]
	}

	embedded, failed := 0, 0
	var lastErr error
	for i, asset := range assets {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return nil, pipeerr.Cancelled("visual embedding cancelled")
			case <-time.After(delay):
			}
		}

		vec, verr := svcs.Vision.EmbedImage(ctx, asset.Bytes)
		if verr != nil {
			if pipeerr.Classify(verr) == pipeerr.KindCancelled {
				return nil, verr
			}
			failed++
			lastErr = verr
			slog.Warn("image_embed_failed",
				slog.String("image_id", asset.Record.ID),
				logging.Err(verr))
			continue
		}

		if len(vec) != extract.VisionDimensions {
			failed++
			lastErr = pipeerr.Newf(pipeerr.ErrCodeDimensionMismatch, nil,
				"vision model returned %d dimensions, want %d", len(vec), extract.VisionDimensions)
			slog.Warn("image_embed_failed",
				slog.String("image_id", asset.Record.ID),
				logging.Err(lastErr))
			continue
		}

		emb := &store.Embedding{
			SourceType: store.SourceImage,
			SourceID:   asset.Record.ID,
			Vector:     vec,
			ModelName:  model,
			Dimension:  len(vec),
		}
		if err := svcs.DB.CreateEmbeddings(ctx, []*store.Embedding{emb}); err != nil {
			return nil, err
		}
		if err := svcs.DB.SetImageEmbedding(ctx, asset.Record.ID, emb.ID); err != nil {
			return nil, err
		}
		if svcs.Vectors != nil {
			if err := svcs.Vectors.Add(ctx, []string{emb.ID}, [][]float32{vec}); err != nil {
				return nil, err
			}
		}
		embedded++
	}

	if embedded == 0 && failed > 0 {
		return nil, pipeerr.Wrap(lastErr, "every image embedding failed")
	}

	md := map[string]string{
		"embedded_count": strconv.Itoa(embedded),
		"failed_count":   strconv.Itoa(failed),
	}
	if capped {
		md["capped"] = "true"
	}
	return success(md), nil
}

// pendingImageAssets returns assets for images without an embedding,
// re-extracting bytes when the in-memory chain is absent.
func pendingImageAssets(ctx context.Context, pctx *pipeline.ProcessingContext) ([]imageAsset, error) {
	var assets []imageAsset
	if prior := pctx.Result(pipeline.StageImageProcessing); prior != nil {
		if a, ok := prior.Data.([]imageAsset); ok {
			assets = a
		}
	}
	if assets == nil {
		var err error
		assets, err = reextractImageAssets(ctx, pctx)
		if err != nil {
			return nil, err
		}
	}

	var pending []imageAsset
	for _, a := range assets {
		img, err := pctx.Services.DB.GetImageByHash(ctx, a.Record.FileHash)
		if err != nil {
			return nil, err
		}
		if img == nil || img.EmbeddingID != "" {
			continue
		}
		pending = append(pending, imageAsset{Record: img, Bytes: a.Bytes})
	}
	return pending, nil
}
