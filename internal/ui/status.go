package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fixbase/docpipe/internal/store"
)

// Printer writes status views to a terminal or pipe.
type Printer struct {
	out    io.Writer
	styles Styles
}

// NewPrinter builds a printer; noColor selects the unstyled set.
func NewPrinter(out io.Writer, noColor bool) *Printer {
	return &Printer{out: out, styles: GetStyles(noColor)}
}

func stateGlyph(state store.StageState) string {
	switch state {
	case store.StageCompleted:
		return "✓"
	case store.StageFailed:
		return "✗"
	case store.StageInProgress:
		return "…"
	case store.StageSkipped:
		return "-"
	default:
		return "·"
	}
}

func (p *Printer) stateStyle(state store.StageState) func(...string) string {
	switch state {
	case store.StageCompleted:
		return p.styles.Completed.Render
	case store.StageFailed:
		return p.styles.Failed.Render
	case store.StageInProgress:
		return p.styles.InProgress.Render
	case store.StageSkipped:
		return p.styles.Skipped.Render
	default:
		return p.styles.Pending.Render
	}
}

// DocumentStatus renders one document's header, stage table, and row
// counts.
func (p *Printer) DocumentStatus(doc *store.Document, records []*store.StageRecord, counts *store.DocumentCounts) {
	fmt.Fprintln(p.out, p.styles.Header.Render(doc.Filename))
	fmt.Fprintf(p.out, "  %s %s\n",
		p.styles.Label.Render("id:"), p.styles.Value.Render(doc.ID))
	fmt.Fprintf(p.out, "  %s %s   %s %s   %s %d\n",
		p.styles.Label.Render("type:"), p.styles.Value.Render(string(doc.DocumentType)),
		p.styles.Label.Render("status:"), p.styles.Value.Render(string(doc.Status)),
		p.styles.Label.Render("pages:"), doc.PageCount)
	fmt.Fprintln(p.out)

	width := 0
	for _, r := range records {
		if len(r.Stage) > width {
			width = len(r.Stage)
		}
	}
	now := time.Now()
	for _, r := range records {
		render := p.stateStyle(r.State)
		line := fmt.Sprintf("  %s %-*s %s", stateGlyph(r.State), width, r.Stage, r.State)
		if r.Attempt > 1 {
			line += fmt.Sprintf(" (attempt %d)", r.Attempt)
		}
		if r.LeaseExpired(now) {
			line += " [lease expired]"
		}
		fmt.Fprintln(p.out, render(line))
	}

	if counts != nil {
		fmt.Fprintln(p.out)
		fmt.Fprintf(p.out, "  %s chunks=%d intelligence=%d images=%d tables=%d links=%d embeddings=%d codes=%d parts=%d\n",
			p.styles.Label.Render("rows:"),
			counts.ContentChunks, counts.IntelligenceChunks, counts.Images,
			counts.Tables, counts.Links, counts.Embeddings,
			counts.ErrorCodes, counts.Parts)
	}
}

// QueueDepth renders the queue aggregates on one line.
func (p *Printer) QueueDepth(d *store.QueueDepth) {
	fmt.Fprintf(p.out, "%s queued=%d ready=%d processing=%d failed=%d cancelled=%d\n",
		p.styles.Header.Render("queue:"),
		d.Queued, d.Ready, d.Processing, d.Failed, d.Cancelled)
}

// ConsistencyReport renders verification findings, or an all-clear line.
func (p *Printer) ConsistencyReport(issues []string) {
	if len(issues) == 0 {
		fmt.Fprintln(p.out, p.styles.Completed.Render("consistency: ok"))
		return
	}
	fmt.Fprintln(p.out, p.styles.Failed.Render(
		fmt.Sprintf("consistency: %d issue(s)", len(issues))))
	for _, issue := range issues {
		fmt.Fprintf(p.out, "  %s\n", issue)
	}
}

// RunSummary renders the outcome of a pipeline run.
func (p *Printer) RunSummary(documentID string, completed, skipped []string, failed string, err error, d time.Duration) {
	if err == nil {
		fmt.Fprintln(p.out, p.styles.Completed.Render(
			fmt.Sprintf("done %s: %d completed, %d skipped in %s",
				documentID, len(completed), len(skipped), d.Round(time.Millisecond))))
		return
	}
	fmt.Fprintln(p.out, p.styles.Failed.Render(
		fmt.Sprintf("failed %s at %s: %v", documentID, failed, err)))
	if len(completed) > 0 {
		fmt.Fprintf(p.out, "  completed: %s\n", strings.Join(completed, ", "))
	}
}
