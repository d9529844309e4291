package stages

import (
	"context"
	"strconv"
	"strings"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

// TextExtraction turns the document file into raw ContentChunks, one or
// more per page. Pages with no text still produce a chunk with empty text
// and image_only set, so page coverage is always complete. Ordinals are
// contiguous per document starting at zero; re-runs hit the
// (document_id, ordinal) unique key and insert nothing new.
type TextExtraction struct{}

func (*TextExtraction) Stage() pipeline.Stage { return pipeline.StageTextExtraction }

func (*TextExtraction) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	counts, err := pctx.Services.DB.GetDocumentCounts(ctx, pctx.DocumentID)
	if err != nil {
		return false, err
	}
	return counts.ContentChunks > 0, nil
}

func (*TextExtraction) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	svcs := pctx.Services
	if svcs.Text == nil {
		return nil, pipeerr.New(pipeerr.ErrCodeMissingInput, "no text extractor configured", nil)
	}

	pages, err := svcs.Text.Extract(ctx, pctx.FileRef)
	if err != nil {
		return nil, err
	}

	var chunks []*store.ContentChunk
	ordinal := 0
	for _, page := range pages {
		lang := page.Language
		if lang == "" {
			lang = "unk"
		}
		if page.ImageOnly || strings.TrimSpace(page.Text) == "" {
			chunks = append(chunks, &store.ContentChunk{
				DocumentID: pctx.DocumentID,
				Ordinal:    ordinal,
				PageStart:  page.Number,
				PageEnd:    page.Number,
				ChunkType:  "paragraph",
				Language:   lang,
				ImageOnly:  true,
			})
			ordinal++
			continue
		}
		for _, para := range splitParagraphs(page.Text) {
			chunks = append(chunks, &store.ContentChunk{
				DocumentID: pctx.DocumentID,
				Ordinal:    ordinal,
				PageStart:  page.Number,
				PageEnd:    page.Number,
				ChunkType:  classifyChunk(para),
				Text:       para,
				Confidence: 1.0,
				Language:   lang,
			})
			ordinal++
		}
	}

	if err := svcs.DB.SaveContentChunks(ctx, chunks); err != nil {
		return nil, err
	}
	if err := svcs.DB.SetDocumentPageCount(ctx, pctx.DocumentID, len(pages)); err != nil {
		return nil, err
	}

	return success(map[string]string{
		"page_count":  strconv.Itoa(len(pages)),
		"chunk_count": strconv.Itoa(len(chunks)),
	}), nil
}

// splitParagraphs breaks page text on blank lines, dropping empty blocks.
func splitParagraphs(text string) []string {
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			out = append(out, block)
		}
	}
	return out
}

// classifyChunk tags short unterminated blocks as headings.
func classifyChunk(text string) string {
	if len(text) < 80 && !strings.ContainsAny(text, ".!?") && !strings.Contains(text, "\n") {
		return "heading"
	}
	return "paragraph"
}
