package stages

import (
	"context"
	"strconv"

	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

// SearchIndexing feeds intelligence chunks, error codes and parts into the
// full-text index. Index writes are upserts keyed by row id, so re-runs
// overwrite in place.
type SearchIndexing struct{}

func (*SearchIndexing) Stage() pipeline.Stage { return pipeline.StageSearchIndexing }

func (*SearchIndexing) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	return false, nil
}

func (*SearchIndexing) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	svcs := pctx.Services
	if svcs.Search == nil {
		return success(map[string]string{"indexed_count": "0", "skipped": "no_search_index"}), nil
	}

	doc, err := svcs.DB.GetDocument(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}

	var docs []*store.SearchDoc
	add := func(id, kind, text string, page int) {
		if text == "" {
			return
		}
		docs = append(docs, &store.SearchDoc{
			ID:             id,
			DocumentID:     pctx.DocumentID,
			Kind:           kind,
			Text:           text,
			ManufacturerID: doc.ManufacturerID,
			DocumentType:   string(doc.DocumentType),
			Page:           page,
		})
	}

	chunks, err := svcs.DB.GetIntelligenceChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		add(c.ID, "chunk", c.Text, c.PageStart)
	}

	codes, err := svcs.DB.GetErrorCodes(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	for _, ec := range codes {
		add(ec.ID, "error_code", ec.Code+" "+ec.Description+" "+ec.Solution, 0)
	}

	parts, err := svcs.DB.GetParts(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		add(p.ID, "part", p.PartNumber+" "+p.Description, 0)
	}

	tables, err := svcs.DB.GetStructuredTables(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		add(t.ID, "table", t.Caption+" "+t.Markdown, t.Page)
	}

	if err := svcs.Search.Index(ctx, docs); err != nil {
		return nil, err
	}
	return success(map[string]string{"indexed_count": strconv.Itoa(len(docs))}), nil
}
