package stages

import (
	"context"
	"os"
	"strconv"

	"github.com/fixbase/docpipe/internal/blob"
	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/pipeline"
)

// Storage uploads the source document and its extracted images to the blob
// store under content-addressed keys, then records each image's storage
// key. Blob writes are idempotent per key, so partial uploads converge on
// re-run.
type Storage struct{}

func (*Storage) Stage() pipeline.Stage { return pipeline.StageStorage }

func (*Storage) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	svcs := pctx.Services
	if svcs.Blob == nil {
		return false, nil
	}

	doc, err := svcs.DB.GetDocument(ctx, pctx.DocumentID)
	if err != nil || doc == nil {
		return false, err
	}
	exists, err := svcs.Blob.Exists(ctx, blob.DocumentKey(pctx.DocumentID, doc.Filename))
	if err != nil || !exists {
		return false, err
	}

	images, err := svcs.DB.GetImages(ctx, pctx.DocumentID)
	if err != nil {
		return false, err
	}
	for _, img := range images {
		if img.StorageKey == "" {
			return false, nil
		}
	}
	return true, nil
}

func (*Storage) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	svcs := pctx.Services
	if svcs.Blob == nil {
		return success(map[string]string{"uploaded_count": "0", "skipped": "no_blob_store"}), nil
	}

	doc, err := svcs.DB.GetDocument(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(pctx.FileRef)
	if err != nil {
		return nil, pipeerr.New(pipeerr.ErrCodeFileNotFound, "source file missing: "+pctx.FileRef, err)
	}
	if _, err := svcs.Blob.Put(ctx, blob.DocumentKey(pctx.DocumentID, doc.Filename), data, "application/pdf"); err != nil {
		return nil, err
	}
	uploaded := 1

	assets, err := storedImageAssets(ctx, pctx)
	if err != nil {
		return nil, err
	}
	for _, asset := range assets {
		if asset.Record.StorageKey != "" {
			continue
		}
		key := blob.ImageKey(asset.Record.FileHash, asset.Record.Format)
		if _, err := svcs.Blob.Put(ctx, key, asset.Bytes, contentTypeFor(asset.Record.Format)); err != nil {
			return nil, err
		}
		if err := svcs.DB.SetImageStorageKey(ctx, asset.Record.ID, key); err != nil {
			return nil, err
		}
		uploaded++
	}

	return success(map[string]string{"uploaded_count": strconv.Itoa(uploaded)}), nil
}

// storedImageAssets prefers the in-memory chain from image_processing and
// falls back to re-extracting bytes for a resumed run.
func storedImageAssets(ctx context.Context, pctx *pipeline.ProcessingContext) ([]imageAsset, error) {
	if prior := pctx.Result(pipeline.StageImageProcessing); prior != nil {
		if a, ok := prior.Data.([]imageAsset); ok {
			return a, nil
		}
	}
	return reextractImageAssets(ctx, pctx)
}

func contentTypeFor(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg", "jpg":
		return "image/jpeg"
	case "svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}
