package stages

import (
	"context"
	"strconv"
	"strings"

	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

// knownManufacturers maps detection tokens to canonical manufacturer names.
// Tokens are matched case-insensitively against the filename and the first
// pages of text.
var knownManufacturers = []struct {
	token string
	name  string
}{
	{"hewlett-packard", "HP"},
	{"hewlett packard", "HP"},
	{"laserjet", "HP"},
	{"hp ", "HP"},
	{"canon", "Canon"},
	{"imagerunner", "Canon"},
	{"xerox", "Xerox"},
	{"ricoh", "Ricoh"},
	{"kyocera", "Kyocera"},
	{"brother", "Brother"},
	{"epson", "Epson"},
	{"lexmark", "Lexmark"},
	{"konica minolta", "Konica Minolta"},
	{"sharp", "Sharp"},
}

// Classification assigns the document type, manufacturer and priority.
// Priority derives from type; both fields are plain updates, so the stage
// is idempotent without a precheck.
type Classification struct{}

func (*Classification) Stage() pipeline.Stage { return pipeline.StageClassification }

func (*Classification) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	return false, nil
}

func (*Classification) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	db := pctx.Services.DB

	doc, err := db.GetDocument(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}

	chunks, err := db.GetContentChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	sample := classificationSample(doc.Filename, chunks)

	docType := classifyType(sample)

	manufacturerID := doc.ManufacturerID
	manufacturerName := ""
	if manufacturerID == "" {
		if name := detectManufacturer(sample); name != "" {
			m, merr := db.FindOrCreateManufacturer(ctx, name)
			if merr != nil {
				return nil, merr
			}
			manufacturerID = m.ID
			manufacturerName = m.Name
		}
	}

	priority := store.PriorityForType(docType)
	if err := db.UpdateDocumentClassification(ctx, pctx.DocumentID, docType, manufacturerID, priority); err != nil {
		return nil, err
	}

	return success(map[string]string{
		"document_type": string(docType),
		"manufacturer":  manufacturerName,
		"priority":      strconv.Itoa(priority),
	}), nil
}

// classificationSample joins the filename with the first pages of text,
// lowercased. Type and manufacturer markers live in front matter; scanning
// the whole document adds noise, not signal.
func classificationSample(filename string, chunks []*store.ContentChunk) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(filename))
	b.WriteString(" ")
	budget := 8000
	for _, c := range chunks {
		if budget <= 0 {
			break
		}
		b.WriteString(strings.ToLower(c.Text))
		b.WriteString(" ")
		budget -= len(c.Text)
	}
	return b.String()
}

func classifyType(sample string) store.DocumentType {
	switch {
	case strings.Contains(sample, "service bulletin") || strings.Contains(sample, "technical bulletin"):
		return store.DocTypeServiceBulletin
	case strings.Contains(sample, "cpmd"):
		return store.DocTypeCPMD
	case strings.Contains(sample, "parts catalog") || strings.Contains(sample, "parts list") ||
		strings.Contains(sample, "parts manual"):
		return store.DocTypePartsCatalog
	case strings.Contains(sample, "service manual") || strings.Contains(sample, "repair manual") ||
		strings.Contains(sample, "maintenance manual"):
		return store.DocTypeServiceManual
	default:
		return store.DocTypeOther
	}
}

func detectManufacturer(sample string) string {
	for _, m := range knownManufacturers {
		if strings.Contains(sample, m.token) {
			return m.name
		}
	}
	return ""
}
