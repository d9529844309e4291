package pipeline

import (
	"context"
	"sync"

	"github.com/fixbase/docpipe/internal/config"
	"github.com/fixbase/docpipe/internal/embed"
	"github.com/fixbase/docpipe/internal/events"
	"github.com/fixbase/docpipe/internal/extract"
	"github.com/fixbase/docpipe/internal/store"
)

// Services bundles every collaborator a processor may need. Fields other
// than DB may be nil; processors degrade or fail with a typed error when a
// required collaborator is absent.
type Services struct {
	DB       *store.DB
	Blob     BlobStore
	Embedder embed.Embedder
	Vectors  *store.HNSWIndex
	Search   *store.BleveIndex

	Text   extract.TextExtractor
	Tables extract.TableExtractor
	Images extract.ImageExtractor
	SVG    extract.SVGProcessor
	Vision extract.VisionModel
	Scrape extract.Scraper
	Video  extract.VideoMetadata

	Emitter events.Emitter
	Config  *config.Config
}

// BlobStore is the subset of blob.Store the pipeline uses, declared here so
// processors can be tested with small fakes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ProcessingResult is what one stage run produced.
type ProcessingResult struct {
	Success   bool
	Duplicate bool // idempotency precheck short-circuited the run
	Data      any
	Metadata  map[string]string
	Err       error
}

// ProcessingContext is the per-document state threaded through a run. Prior
// results let downstream stages read upstream output without re-querying;
// access is guarded because sibling branches run concurrently.
type ProcessingContext struct {
	DocumentID    string
	FileRef       string // absolute path of the source document
	CorrelationID string
	Services      *Services

	mu    sync.Mutex
	prior map[Stage]*ProcessingResult
}

// NewProcessingContext builds a context for one document run.
func NewProcessingContext(documentID, fileRef string, svcs *Services) *ProcessingContext {
	return &ProcessingContext{
		DocumentID: documentID,
		FileRef:    fileRef,
		Services:   svcs,
		prior:      make(map[Stage]*ProcessingResult),
	}
}

// Result returns the stored result of an already-run stage, or nil.
func (p *ProcessingContext) Result(s Stage) *ProcessingResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prior[s]
}

// SetResult records a stage's result for downstream stages.
func (p *ProcessingContext) SetResult(s Stage, r *ProcessingResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prior[s] = r
}

// Processor is one pipeline stage. Done reports whether the stage's output
// already exists (the idempotency precheck); Process performs the work and
// must be safe to re-run after a crash mid-write.
type Processor interface {
	Stage() Stage
	Done(ctx context.Context, pctx *ProcessingContext) (bool, error)
	Process(ctx context.Context, pctx *ProcessingContext) (*ProcessingResult, error)
}
