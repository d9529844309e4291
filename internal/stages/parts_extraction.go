package stages

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

// partPatterns match printer part-number shapes: HP assembly numbers
// (RM1-2345-000CN, RG5-5567), HP consumables (Q7551A, CE505X), Canon/
// generic catalog numbers (FM3-5945-000), and bare OEM codes.
var partPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Z]{2}\d-\d{4}(?:-\d{3})?(?:CN)?\b`),
	regexp.MustCompile(`\b[A-Z]{1,2}\d{3,4}[A-Z]{1,2}\b`),
	regexp.MustCompile(`\b[A-Z]{2}\d-\d{4}-\d{3}\b`),
}

// PartsExtraction mines part numbers from parts catalogs. Other document
// types complete immediately with part_count=0: part-number shapes are too
// ambiguous to mine from prose.
type PartsExtraction struct{}

func (*PartsExtraction) Stage() pipeline.Stage { return pipeline.StagePartsExtraction }

func (*PartsExtraction) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	counts, err := pctx.Services.DB.GetDocumentCounts(ctx, pctx.DocumentID)
	if err != nil {
		return false, err
	}
	return counts.Parts > 0, nil
}

func (*PartsExtraction) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	db := pctx.Services.DB

	doc, err := db.GetDocument(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.DocumentType != store.DocTypePartsCatalog {
		return success(map[string]string{"part_count": "0", "skipped": "not_parts_catalog"}), nil
	}

	chunks, err := db.GetContentChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}

	// Tables carry the cleanest number/description pairs; scan them first
	// so the table description wins over a prose fragment.
	tables, err := db.GetStructuredTables(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]*store.Part)
	for _, t := range tables {
		for _, row := range t.Rows {
			for i, cell := range row {
				for _, p := range partPatterns {
					for _, num := range p.FindAllString(cell, -1) {
						if _, ok := seen[num]; ok {
							continue
						}
						seen[num] = &store.Part{
							DocumentID:     pctx.DocumentID,
							ManufacturerID: doc.ManufacturerID,
							PartNumber:     num,
							Description:    rowDescription(row, i),
							Confidence:     0.9,
						}
					}
				}
			}
		}
	}
	for _, c := range chunks {
		for _, p := range partPatterns {
			for _, num := range p.FindAllString(c.Text, -1) {
				if _, ok := seen[num]; ok {
					continue
				}
				seen[num] = &store.Part{
					DocumentID:     pctx.DocumentID,
					ManufacturerID: doc.ManufacturerID,
					PartNumber:     num,
					Description:    codeContext(c.Text, num),
					Confidence:     0.7,
				}
			}
		}
	}

	parts := make([]*store.Part, 0, len(seen))
	for _, p := range seen {
		parts = append(parts, p)
	}
	if err := db.SaveParts(ctx, parts); err != nil {
		return nil, err
	}
	return success(map[string]string{"part_count": strconv.Itoa(len(parts))}), nil
}

// rowDescription joins the non-matching cells of a table row as the part
// description.
func rowDescription(row []string, partCell int) string {
	var rest []string
	for i, cell := range row {
		cell = strings.TrimSpace(cell)
		if i == partCell || cell == "" {
			continue
		}
		rest = append(rest, cell)
	}
	return strings.Join(rest, " ")
}
