package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

// Upload anchors the document row. The upsert-by-hash is the idempotency
// mechanism itself, so Done always reports false and a re-run converges on
// the same row with duplicate=true.
type Upload struct{}

func (*Upload) Stage() pipeline.Stage { return pipeline.StageUpload }

func (*Upload) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	return false, nil
}

func (*Upload) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	db := pctx.Services.DB

	data, err := os.ReadFile(pctx.FileRef)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pipeerr.New(pipeerr.ErrCodeFileNotFound, "source file missing: "+pctx.FileRef, err)
		}
		return nil, pipeerr.New(pipeerr.ErrCodeBlobStore, "reading source file", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if pctx.DocumentID != "" {
		prior, err := db.GetDocument(ctx, pctx.DocumentID)
		if err != nil {
			return nil, err
		}
		if prior != nil && prior.ContentHash != "" && prior.ContentHash != hash {
			return nil, pipeerr.Newf(pipeerr.ErrCodeHashMismatch, nil,
				"document %s content hash changed: stored %s, file %s",
				pctx.DocumentID, prior.ContentHash, hash)
		}
	}

	id, wasNew, err := db.UpsertDocumentByHash(ctx, hash, &store.Document{
		ContentHash: hash,
		Filename:    filepath.Base(pctx.FileRef),
		SizeBytes:   int64(len(data)),
	})
	if err != nil {
		return nil, err
	}
	switch {
	case pctx.DocumentID == "":
		// Intake path: the upsert decides the document identity.
		pctx.DocumentID = id
	case id != pctx.DocumentID:
		return nil, pipeerr.Newf(pipeerr.ErrCodeConstraintViolation, nil,
			"content hash %s already belongs to document %s", hash, id)
	}

	return successData(data, map[string]string{
		"content_hash": hash,
		"size_bytes":   strconv.Itoa(len(data)),
		"duplicate":    strconv.FormatBool(!wasNew),
	}), nil
}
