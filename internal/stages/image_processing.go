package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"

	"github.com/fixbase/docpipe/internal/extract"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

// imageAsset pairs a persisted image row with its raw bytes, passed between
// svg_processing, image_processing, visual_embedding and storage through
// the processing context so resumed runs re-extract instead of re-reading
// rows without bytes.
type imageAsset struct {
	Record *store.Image
	Bytes  []byte
}

const ocrPrompt = "Transcribe any visible text in this image exactly. " +
	"Reply with the text only, or an empty reply if there is none."

// SVGProcessing rasterizes vector artifacts so downstream image stages can
// treat every artifact as a raster. Raster artifacts pass through untouched.
type SVGProcessing struct{}

func (*SVGProcessing) Stage() pipeline.Stage { return pipeline.StageSVGProcessing }

func (*SVGProcessing) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	return false, nil
}

func (*SVGProcessing) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	svcs := pctx.Services
	if svcs.Images == nil {
		return success(map[string]string{"svg_count": "0"}), nil
	}

	artifacts, err := svcs.Images.Images(ctx, pctx.FileRef)
	if err != nil {
		return nil, err
	}

	rendered := 0
	out := make([]extract.ImageArtifact, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Format == "svg" && svcs.SVG != nil {
			raster, rerr := svcs.SVG.Render(ctx, a.Bytes)
			if rerr != nil {
				slog.Warn("svg_render_failed",
					slog.String("document_id", pctx.DocumentID),
					slog.Int("page", a.Page),
					slog.String("error", rerr.Error()))
				continue
			}
			raster.Page = a.Page
			out = append(out, *raster)
			rendered++
			continue
		}
		out = append(out, a)
	}

	return successData(out, map[string]string{
		"artifact_count": strconv.Itoa(len(out)),
		"svg_count":      strconv.Itoa(rendered),
	}), nil
}

// ImageProcessing persists extracted images, deduplicated across documents
// by file hash, with optional OCR that never fails the stage.
type ImageProcessing struct{}

func (*ImageProcessing) Stage() pipeline.Stage { return pipeline.StageImageProcessing }

func (*ImageProcessing) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	counts, err := pctx.Services.DB.GetDocumentCounts(ctx, pctx.DocumentID)
	if err != nil {
		return false, err
	}
	return counts.Images > 0, nil
}

func (*ImageProcessing) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	svcs := pctx.Services

	artifacts, err := documentArtifacts(ctx, pctx)
	if err != nil {
		return nil, err
	}

	var assets []imageAsset
	newRows, reused := 0, 0
	for _, a := range artifacts {
		sum := sha256.Sum256(a.Bytes)
		hash := hex.EncodeToString(sum[:])

		existing, err := svcs.DB.GetImageByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			reused++
			assets = append(assets, imageAsset{Record: existing, Bytes: a.Bytes})
			continue
		}

		img := &store.Image{
			DocumentID: pctx.DocumentID,
			Page:       a.Page,
			FileHash:   hash,
			Format:     a.Format,
		}
		if err := svcs.DB.SaveImage(ctx, img); err != nil {
			return nil, err
		}
		newRows++

		if svcs.Vision != nil {
			if desc, oerr := svcs.Vision.Describe(ctx, a.Bytes, ocrPrompt); oerr != nil {
				slog.Debug("image_ocr_failed",
					slog.String("image_id", img.ID),
					slog.String("error", oerr.Error()))
			} else if desc.Text != "" {
				if serr := svcs.DB.SetImageDescription(ctx, img.ID, desc.Text, ""); serr != nil {
					return nil, serr
				}
				img.OCRText = desc.Text
			}
		}
		assets = append(assets, imageAsset{Record: img, Bytes: a.Bytes})
	}

	return successData(assets, map[string]string{
		"image_count":  strconv.Itoa(len(assets)),
		"new_images":   strconv.Itoa(newRows),
		"deduplicated": strconv.Itoa(reused),
	}), nil
}

// reextractImageAssets rebuilds the asset chain for a resumed run:
// artifacts come back from the extractor and are matched to stored image
// rows by content hash.
func reextractImageAssets(ctx context.Context, pctx *pipeline.ProcessingContext) ([]imageAsset, error) {
	artifacts, err := documentArtifacts(ctx, pctx)
	if err != nil {
		return nil, err
	}
	var assets []imageAsset
	for _, art := range artifacts {
		sum := sha256.Sum256(art.Bytes)
		img, err := pctx.Services.DB.GetImageByHash(ctx, hex.EncodeToString(sum[:]))
		if err != nil {
			return nil, err
		}
		if img == nil {
			continue
		}
		assets = append(assets, imageAsset{Record: img, Bytes: art.Bytes})
	}
	return assets, nil
}

// documentArtifacts reuses the svg stage's output when present, otherwise
// re-extracts. Resumed runs land on the second path.
func documentArtifacts(ctx context.Context, pctx *pipeline.ProcessingContext) ([]extract.ImageArtifact, error) {
	if prior := pctx.Result(pipeline.StageSVGProcessing); prior != nil {
		if artifacts, ok := prior.Data.([]extract.ImageArtifact); ok {
			return artifacts, nil
		}
	}
	if pctx.Services.Images == nil {
		return nil, nil
	}
	return pctx.Services.Images.Images(ctx, pctx.FileRef)
}
