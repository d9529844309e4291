package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fixbase/docpipe/internal/blob"
	"github.com/fixbase/docpipe/internal/config"
	"github.com/fixbase/docpipe/internal/embed"
	"github.com/fixbase/docpipe/internal/extract"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

// stageEnv is the shared fixture: a real store over a temp directory, a
// source file on disk, and fake collaborators wired into the services
// bundle.
type stageEnv struct {
	db    *store.DB
	svcs  *pipeline.Services
	docID string
	pctx  *pipeline.ProcessingContext
}

func newStageEnv(t *testing.T, fileContent string) *stageEnv {
	env := newUnseededStageEnv(t, fileContent)

	docID, _, err := env.db.UpsertDocumentByHash(context.Background(), contentHash(fileContent), &store.Document{
		ContentHash: contentHash(fileContent),
		Filename:    filepath.Base(env.pctx.FileRef),
		SizeBytes:   int64(len(fileContent)),
	})
	require.NoError(t, err)
	env.docID = docID
	env.pctx.DocumentID = docID
	return env
}

// newUnseededStageEnv leaves the document row to the upload stage.
func newUnseededStageEnv(t *testing.T, fileContent string) *stageEnv {
	t.Helper()

	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	path := filepath.Join(t.TempDir(), "hp-4200-service-manual.pdf")
	require.NoError(t, os.WriteFile(path, []byte(fileContent), 0o644))

	fsStore, err := blob.NewFSStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	svcs := &pipeline.Services{
		DB:       db,
		Blob:     fsStore,
		Embedder: embed.NewStaticEmbedder(),
		Config:   config.NewConfig(),
	}
	return &stageEnv{
		db:   db,
		svcs: svcs,
		pctx: pipeline.NewProcessingContext("", path, svcs),
	}
}

// fakeTextExtractor serves scripted pages.
type fakeTextExtractor struct {
	pages []extract.Page
}

func (f *fakeTextExtractor) Extract(ctx context.Context, path string) ([]extract.Page, error) {
	return f.pages, nil
}

// fakeTableExtractor serves scripted tables.
type fakeTableExtractor struct {
	tables []extract.Table
}

func (f *fakeTableExtractor) Tables(ctx context.Context, path string) ([]extract.Table, error) {
	return f.tables, nil
}

// fakeImageExtractor serves scripted image artifacts.
type fakeImageExtractor struct {
	artifacts []extract.ImageArtifact
}

func (f *fakeImageExtractor) Images(ctx context.Context, path string) ([]extract.ImageArtifact, error) {
	return f.artifacts, nil
}

// fakeVision scripts the vision model; embedCalls counts EmbedImage use.
type fakeVision struct {
	describeText string
	describeErr  error
	codes        []extract.ErrorCodeHit
	embedVec     []float32
	embedErr     error
	embedCalls   int
}

func (f *fakeVision) Describe(ctx context.Context, image []byte, prompt string) (*extract.Description, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &extract.Description{Text: f.describeText, Confidence: 0.8}, nil
}

func (f *fakeVision) ExtractErrorCodes(ctx context.Context, image []byte) ([]extract.ErrorCodeHit, error) {
	return f.codes, nil
}

func (f *fakeVision) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedVec, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
