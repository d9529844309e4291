package ui

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/store"
)

func TestDocumentStatus_PlainRendering(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)

	doc := &store.Document{
		ID:           "doc-1",
		Filename:     "hp-4200-service-manual.pdf",
		DocumentType: store.DocTypeServiceManual,
		Status:       store.ProcessingActive,
		PageCount:    412,
	}
	records := []*store.StageRecord{
		{Stage: "upload", State: store.StageCompleted, Attempt: 1},
		{Stage: "text_extraction", State: store.StageInProgress, Attempt: 2,
			LeasedUntil: time.Now().Add(time.Minute)},
		{Stage: "classification", State: store.StagePending},
	}
	counts := &store.DocumentCounts{ContentChunks: 10, Images: 3}

	p.DocumentStatus(doc, records, counts)
	out := buf.String()

	assert.Contains(t, out, "hp-4200-service-manual.pdf")
	assert.Contains(t, out, "✓ upload")
	assert.Contains(t, out, "… text_extraction")
	assert.Contains(t, out, "(attempt 2)")
	assert.Contains(t, out, "· classification")
	assert.Contains(t, out, "chunks=10")
	assert.NotContains(t, out, "[lease expired]")
}

func TestDocumentStatus_FlagsExpiredLease(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)

	doc := &store.Document{ID: "doc-1", Filename: "m.pdf"}
	records := []*store.StageRecord{
		{Stage: "embedding", State: store.StageInProgress, Attempt: 1,
			LeasedUntil: time.Now().Add(-time.Minute)},
	}

	p.DocumentStatus(doc, records, nil)
	assert.Contains(t, buf.String(), "[lease expired]")
}

func TestQueueDepth(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)

	p.QueueDepth(&store.QueueDepth{Queued: 7, Ready: 4, Processing: 2, Failed: 1})
	assert.Equal(t, "queue: queued=7 ready=4 processing=2 failed=1 cancelled=0\n", buf.String())
}

func TestConsistencyReport(t *testing.T) {
	var ok bytes.Buffer
	NewPrinter(&ok, true).ConsistencyReport(nil)
	assert.Contains(t, ok.String(), "consistency: ok")

	var bad bytes.Buffer
	NewPrinter(&bad, true).ConsistencyReport([]string{"embedding emb-1 references missing chunk"})
	out := bad.String()
	assert.Contains(t, out, "1 issue(s)")
	assert.Contains(t, out, "missing chunk")
}

func TestRunSummary(t *testing.T) {
	var okBuf bytes.Buffer
	NewPrinter(&okBuf, true).RunSummary("doc-1",
		[]string{"upload", "text_extraction"}, []string{"svg_processing"}, "", nil, 1500*time.Millisecond)
	assert.Contains(t, okBuf.String(), "done doc-1: 2 completed, 1 skipped")

	var failBuf bytes.Buffer
	NewPrinter(&failBuf, true).RunSummary("doc-1",
		[]string{"upload"}, nil, "classification",
		pipeerr.New(pipeerr.ErrCodeInvalidInput, "unreadable document", nil), time.Second)
	out := failBuf.String()
	assert.Contains(t, out, "failed doc-1 at classification")
	assert.Contains(t, out, "completed: upload")
}

func TestPlainMode(t *testing.T) {
	var buf bytes.Buffer
	assert.True(t, PlainMode(&buf, false), "a buffer is not a terminal")
	assert.True(t, PlainMode(nil, false))
	assert.True(t, PlainMode(&buf, true))
}
