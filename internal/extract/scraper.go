package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// DefaultScrapeTimeout bounds one page fetch.
const DefaultScrapeTimeout = 30 * time.Second

// maxScrapeBody caps the fetched page size at 4MB.
const maxScrapeBody = 4 << 20

// HTTPScraper fetches a page and converts it to plain text and a rough
// markdown rendering. It follows redirects but never crawls.
type HTTPScraper struct {
	client  *http.Client
	timeout time.Duration
}

var _ Scraper = (*HTTPScraper)(nil)

// NewHTTPScraper creates a scraper with the given per-page timeout.
func NewHTTPScraper(timeout time.Duration) *HTTPScraper {
	if timeout <= 0 {
		timeout = DefaultScrapeTimeout
	}
	return &HTTPScraper{client: &http.Client{}, timeout: timeout}
}

// Scrape fetches url and extracts readable text. Confidence reflects how
// much of the page survived extraction.
func (s *HTTPScraper) Scrape(ctx context.Context, url string) (*ScrapeResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, pipeerr.Newf(pipeerr.ErrCodeInvalidInput, err, "bad scrape url %q", url)
	}
	req.Header.Set("User-Agent", "docpipe/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pipeerr.Cancelled("scrape cancelled")
		}
		return nil, pipeerr.Newf(pipeerr.ErrCodeUpstreamUnavailable, err, "fetch %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, pipeerr.RateLimited(pipeerr.ErrCodeUpstreamRateLimited, "scrape rate limited", nil)
	case resp.StatusCode >= 500:
		return nil, pipeerr.Transient(pipeerr.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("scrape status %d for %s", resp.StatusCode, url), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, pipeerr.Permanent(pipeerr.ErrCodeUpstreamRejected,
			fmt.Sprintf("scrape status %d for %s", resp.StatusCode, url), nil)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxScrapeBody))
	if err != nil {
		return nil, pipeerr.Newf(pipeerr.ErrCodeUpstreamUnavailable, err, "read %s", url)
	}

	doc, err := html.Parse(strings.NewReader(string(raw)))
	if err != nil {
		return nil, pipeerr.Newf(pipeerr.ErrCodeUpstreamRejected, err, "parse %s", url)
	}

	var text, markdown strings.Builder
	renderNode(doc, &text, &markdown)

	plain := collapseBlankLines(text.String())
	confidence := 0.0
	if len(raw) > 0 {
		confidence = min(1.0, float64(len(plain))*3/float64(len(raw)))
	}
	return &ScrapeResult{
		Text:       plain,
		Markdown:   collapseBlankLines(markdown.String()),
		Confidence: confidence,
	}, nil
}

// renderNode walks the DOM accumulating plain text and markdown. Script,
// style and nav chrome are skipped.
func renderNode(n *html.Node, text, markdown *strings.Builder) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "nav", "footer", "iframe":
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			level := int(n.Data[1] - '0')
			markdown.WriteString("\n" + strings.Repeat("#", level) + " ")
		case "li":
			markdown.WriteString("\n- ")
		case "p", "div", "tr", "br", "table":
			text.WriteString("\n")
			markdown.WriteString("\n")
		}
	}
	if n.Type == html.TextNode {
		trimmed := strings.TrimSpace(n.Data)
		if trimmed != "" {
			text.WriteString(trimmed + " ")
			markdown.WriteString(trimmed + " ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(c, text, markdown)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6", "p", "li":
			markdown.WriteString("\n")
			text.WriteString("\n")
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
