// Package extract defines the external enrichment collaborators: PDF
// extraction, vision models, web scraping and video metadata. Every
// collaborator is optional; a nil collaborator downgrades the stages that
// need it instead of failing the pipeline.
package extract

import "context"

// Page is one PDF page's extracted text.
type Page struct {
	// Number is 1-based.
	Number int `json:"number"`
	Text   string `json:"text"`
	// ImageOnly marks pages with no extractable text. The flag is always
	// set explicitly so downstream stages never see an absent value.
	ImageOnly bool `json:"image_only"`
	// Language is the detected ISO code, "unk" when undetected.
	Language string `json:"language"`
}

// Table is a structured table lifted from a PDF page.
type Table struct {
	Page       int        `json:"page"`
	Caption    string     `json:"caption"`
	Headers    []string   `json:"headers"`
	Rows       [][]string `json:"rows"`
	Confidence float64    `json:"confidence"`
}

// ImageArtifact is a raster or vector image pulled out of a document.
type ImageArtifact struct {
	Page   int    `json:"page"`
	Bytes  []byte `json:"bytes"`
	Format string `json:"format"` // png, jpeg, svg
}

// Description is a vision-model description of one image.
type Description struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ErrorCodeHit is one error code a vision model read off an image.
type ErrorCodeHit struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Solution    string  `json:"solution"`
	Confidence  float64 `json:"confidence"`
}

// ScrapeResult is the outcome of scraping one web page.
type ScrapeResult struct {
	Text       string  `json:"text"`
	Markdown   string  `json:"markdown"`
	Confidence float64 `json:"confidence"`
}

// VideoInfo is enriched metadata for a linked video.
type VideoInfo struct {
	Platform        string `json:"platform"` // youtube, vimeo, other
	PlatformVideoID string `json:"platform_video_id"`
	Title           string `json:"title"`
	DurationS       int    `json:"duration_s"`
	ThumbnailURL    string `json:"thumbnail_url"`
	ChannelTitle    string `json:"channel_title"`
}

// TextExtractor produces per-page text for a stored document file.
type TextExtractor interface {
	Extract(ctx context.Context, path string) ([]Page, error)
}

// TableExtractor lifts structured tables out of a document file.
type TableExtractor interface {
	Tables(ctx context.Context, path string) ([]Table, error)
}

// ImageExtractor pulls embedded images out of a document file.
type ImageExtractor interface {
	Images(ctx context.Context, path string) ([]ImageArtifact, error)
}

// SVGProcessor rasterizes an SVG so vision models can read it.
type SVGProcessor interface {
	Render(ctx context.Context, svg []byte) (*ImageArtifact, error)
}

// VisionDimensions is the vector size EmbedImage must return. Image and
// text embeddings share one vector space.
const VisionDimensions = 768

// VisionModel describes images, reads error codes off screenshots, and
// embeds images into the shared vector space.
type VisionModel interface {
	Describe(ctx context.Context, image []byte, prompt string) (*Description, error)
	ExtractErrorCodes(ctx context.Context, image []byte) ([]ErrorCodeHit, error)
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

// Scraper fetches and converts a web page.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*ScrapeResult, error)
}

// VideoMetadata enriches a video URL with platform metadata.
type VideoMetadata interface {
	Enrich(ctx context.Context, url string) (*VideoInfo, error)
}
