package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// DefaultSidecarTimeout bounds one sidecar request. Large service manuals
// can take a while to parse.
const DefaultSidecarTimeout = 2 * time.Minute

// SidecarClient talks to the PDF extraction sidecar service. One client
// serves text, table, image and SVG extraction; the sidecar owns the
// actual PDF parsing.
type SidecarClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

var (
	_ TextExtractor  = (*SidecarClient)(nil)
	_ TableExtractor = (*SidecarClient)(nil)
	_ ImageExtractor = (*SidecarClient)(nil)
	_ SVGProcessor   = (*SidecarClient)(nil)
)

// NewSidecarClient creates a client for the extraction sidecar at baseURL.
func NewSidecarClient(baseURL string, timeout time.Duration) *SidecarClient {
	if timeout <= 0 {
		timeout = DefaultSidecarTimeout
	}
	return &SidecarClient{
		baseURL: baseURL,
		client:  &http.Client{},
		timeout: timeout,
	}
}

type sidecarExtractRequest struct {
	Path string `json:"path"`
}

// Extract returns per-page text for the document at path.
func (c *SidecarClient) Extract(ctx context.Context, path string) ([]Page, error) {
	var resp struct {
		Pages []Page `json:"pages"`
	}
	if err := c.post(ctx, "/v1/extract/text", sidecarExtractRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	// The flag must be explicit on every page.
	for i := range resp.Pages {
		if resp.Pages[i].Language == "" {
			resp.Pages[i].Language = "unk"
		}
	}
	return resp.Pages, nil
}

// Tables returns structured tables for the document at path.
func (c *SidecarClient) Tables(ctx context.Context, path string) ([]Table, error) {
	var resp struct {
		Tables []Table `json:"tables"`
	}
	if err := c.post(ctx, "/v1/extract/tables", sidecarExtractRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

// Images returns embedded images for the document at path.
func (c *SidecarClient) Images(ctx context.Context, path string) ([]ImageArtifact, error) {
	var resp struct {
		Images []ImageArtifact `json:"images"`
	}
	if err := c.post(ctx, "/v1/extract/images", sidecarExtractRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

// Render rasterizes an SVG to PNG through the sidecar.
func (c *SidecarClient) Render(ctx context.Context, svg []byte) (*ImageArtifact, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		c.baseURL+"/v1/render/svg", bytes.NewReader(svg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/svg+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.wrap(err, ctx)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	raster, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipeerr.Newf(pipeerr.ErrCodeUpstreamUnavailable, err, "read rendered svg")
	}
	return &ImageArtifact{Bytes: raster, Format: "png"}, nil
}

func (c *SidecarClient) post(ctx context.Context, endpoint string, in, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return c.wrap(err, ctx)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pipeerr.Newf(pipeerr.ErrCodeUpstreamRejected, err, "decode sidecar response")
	}
	return nil
}

func (c *SidecarClient) wrap(err error, ctx context.Context) error {
	if ctx.Err() != nil {
		return pipeerr.Cancelled("extraction cancelled")
	}
	return pipeerr.Newf(pipeerr.ErrCodeUpstreamUnavailable, err,
		"extraction sidecar unreachable at %s", c.baseURL)
}

func (c *SidecarClient) statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return pipeerr.RateLimited(pipeerr.ErrCodeUpstreamRateLimited, "extraction sidecar rate limited", nil)
	case resp.StatusCode >= 500:
		return pipeerr.Transient(pipeerr.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("sidecar status %d: %s", resp.StatusCode, respBody), nil)
	default:
		return pipeerr.Permanent(pipeerr.ErrCodeUpstreamRejected,
			fmt.Sprintf("sidecar rejected request: status %d: %s", resp.StatusCode, respBody), nil)
	}
}
