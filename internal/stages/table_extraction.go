package stages

import (
	"context"
	"strconv"
	"strings"

	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

// TableExtraction persists structured tables. The
// (document_id, page, index_on_page) unique key makes re-runs no-ops. A
// document without tables (or without a table extractor configured)
// completes with table_count=0.
type TableExtraction struct{}

func (*TableExtraction) Stage() pipeline.Stage { return pipeline.StageTableExtraction }

func (*TableExtraction) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	counts, err := pctx.Services.DB.GetDocumentCounts(ctx, pctx.DocumentID)
	if err != nil {
		return false, err
	}
	return counts.Tables > 0, nil
}

func (*TableExtraction) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	svcs := pctx.Services
	if svcs.Tables == nil {
		return success(map[string]string{"table_count": "0"}), nil
	}

	extracted, err := svcs.Tables.Tables(ctx, pctx.FileRef)
	if err != nil {
		return nil, err
	}

	indexOnPage := make(map[int]int)
	tables := make([]*store.StructuredTable, 0, len(extracted))
	for _, t := range extracted {
		idx := indexOnPage[t.Page]
		indexOnPage[t.Page] = idx + 1
		tables = append(tables, &store.StructuredTable{
			DocumentID:  pctx.DocumentID,
			Page:        t.Page,
			IndexOnPage: idx,
			Rows:        append([][]string{t.Headers}, t.Rows...),
			Markdown:    renderTableMarkdown(t.Headers, t.Rows),
			Caption:     t.Caption,
		})
	}

	if err := svcs.DB.SaveStructuredTables(ctx, tables); err != nil {
		return nil, err
	}
	return success(map[string]string{"table_count": strconv.Itoa(len(tables))}), nil
}

// renderTableMarkdown produces a GitHub-style table. Cells containing pipes
// are escaped so the rendering stays parseable.
func renderTableMarkdown(headers []string, rows [][]string) string {
	if len(headers) == 0 && len(rows) == 0 {
		return ""
	}
	width := len(headers)
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(cells) {
				cell = strings.ReplaceAll(cells[i], "|", "\\|")
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}

	writeRow(headers)
	b.WriteString("|")
	for i := 0; i < width; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, r := range rows {
		writeRow(r)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
