package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// BleveIndex is the full-text index maintained by the search_indexing stage.
// Text fields are analyzed for BM25 matching; identifier fields (document id,
// kind, manufacturer, document type) are kept as keywords so results can be
// filtered exactly.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// SearchHit is one scored full-text match.
type SearchHit struct {
	ID    string
	Score float64
}

// NewBleveIndex opens or creates the index at path. An empty path creates an
// in-memory index, used by tests.
func NewBleveIndex(path string) (*BleveIndex, error) {
	m := searchMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, pipeerr.New(pipeerr.ErrCodeBlobStore, "create index directory", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, pipeerr.New(pipeerr.ErrCodeCorruptStore, "open search index", err)
	}
	return &BleveIndex{index: idx, path: path}, nil
}

func searchMapping() *mapping.IndexMappingImpl {
	textField := bleve.NewTextFieldMapping()

	kwField := bleve.NewTextFieldMapping()
	kwField.Analyzer = keyword.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("text", textField)
	doc.AddFieldMappingsAt("document_id", kwField)
	doc.AddFieldMappingsAt("kind", kwField)
	doc.AddFieldMappingsAt("manufacturer_id", kwField)
	doc.AddFieldMappingsAt("document_type", kwField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Index upserts documents in one batch.
func (b *BleveIndex) Index(ctx context.Context, docs []*SearchDoc) error {
	if len(docs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return pipeerr.New(pipeerr.ErrCodeInternal, "search index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, d); err != nil {
			return pipeerr.New(pipeerr.ErrCodeInternal, "index search doc "+d.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return pipeerr.New(pipeerr.ErrCodeInternal, "execute index batch", err)
	}
	return nil
}

// Delete removes ids. Unknown ids are ignored by bleve.
func (b *BleveIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return pipeerr.New(pipeerr.ErrCodeInternal, "search index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return pipeerr.New(pipeerr.ErrCodeInternal, "execute delete batch", err)
	}
	return nil
}

// Search runs a BM25 match query over the text field, optionally filtered to
// one document.
func (b *BleveIndex) Search(ctx context.Context, queryStr, documentID string, limit int) ([]*SearchHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, pipeerr.New(pipeerr.ErrCodeInternal, "search index is closed", nil)
	}
	if strings.TrimSpace(queryStr) == "" {
		return []*SearchHit{}, nil
	}

	match := bleve.NewMatchQuery(queryStr)
	match.SetField("text")

	var q = bleve.NewConjunctionQuery(match)
	if documentID != "" {
		docFilter := bleve.NewTermQuery(documentID)
		docFilter.SetField("document_id")
		q.AddQuery(docFilter)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, pipeerr.New(pipeerr.ErrCodeInternal, "search", err)
	}
	hits := make([]*SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, &SearchHit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Count returns the number of indexed documents.
func (b *BleveIndex) Count() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, pipeerr.New(pipeerr.ErrCodeInternal, "search index is closed", nil)
	}
	n, err := b.index.DocCount()
	if err != nil {
		return 0, pipeerr.New(pipeerr.ErrCodeInternal, "count search docs", err)
	}
	return n, nil
}

// Close closes the underlying index. Idempotent.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

var _ SearchIndex = (*BleveIndex)(nil)
