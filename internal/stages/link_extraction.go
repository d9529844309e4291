package stages

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/fixbase/docpipe/internal/extract"
	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	emailPattern = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\+?\d{1,3}[\s.-]?\(?\d{2,4}\)?[\s.-]?\d{3,4}[\s.-]?\d{3,4}\b`)
)

// LinkExtraction scans extracted text for URLs, emails and phone numbers,
// categorizes them, and upserts shared video rows for recognized video
// platforms. A video URL seen from two documents resolves to the same row;
// the link carries the back-reference.
type LinkExtraction struct{}

func (*LinkExtraction) Stage() pipeline.Stage { return pipeline.StageLinkExtraction }

func (*LinkExtraction) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	counts, err := pctx.Services.DB.GetDocumentCounts(ctx, pctx.DocumentID)
	if err != nil {
		return false, err
	}
	return counts.Links > 0, nil
}

func (*LinkExtraction) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	svcs := pctx.Services

	chunks, err := svcs.DB.GetContentChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var links []*store.Link
	videos := 0
	for _, c := range chunks {
		for _, raw := range urlPattern.FindAllString(c.Text, -1) {
			u := strings.TrimRight(raw, ".,;:")
			if seen[u] {
				continue
			}
			seen[u] = true

			link := &store.Link{
				DocumentID: pctx.DocumentID,
				Page:       c.PageStart,
				URL:        u,
				Category:   categorizeURL(u),
				Confidence: 0.9,
			}
			if link.Category == store.LinkVideo {
				videoID, verr := resolveVideo(ctx, pctx, u)
				if verr != nil {
					return nil, verr
				}
				link.VideoID = videoID
				videos++
			}
			links = append(links, link)
		}
		for _, m := range emailPattern.FindAllString(c.Text, -1) {
			if seen[m] {
				continue
			}
			seen[m] = true
			links = append(links, &store.Link{
				DocumentID: pctx.DocumentID,
				Page:       c.PageStart,
				URL:        "mailto:" + m,
				Category:   store.LinkEmail,
				Confidence: 0.95,
			})
		}
		for _, m := range phonePattern.FindAllString(c.Text, -1) {
			digits := 0
			for _, r := range m {
				if r >= '0' && r <= '9' {
					digits++
				}
			}
			if digits < 7 || seen[m] {
				continue
			}
			seen[m] = true
			links = append(links, &store.Link{
				DocumentID: pctx.DocumentID,
				Page:       c.PageStart,
				URL:        "tel:" + strings.TrimSpace(m),
				Category:   store.LinkPhone,
				Confidence: 0.6,
			})
		}
	}

	if err := svcs.DB.SaveLinks(ctx, links); err != nil {
		return nil, err
	}
	return success(map[string]string{
		"link_count":  strconv.Itoa(len(links)),
		"video_count": strconv.Itoa(videos),
	}), nil
}

// resolveVideo upserts the shared video row for a URL and optionally
// enriches a newly created row with platform metadata. Enrichment failure
// is not fatal; the URL-derived identity is enough.
func resolveVideo(ctx context.Context, pctx *pipeline.ProcessingContext, u string) (string, error) {
	svcs := pctx.Services

	platform, platformID := extract.DetectPlatform(u)
	if platformID == "" {
		return "", nil
	}

	video, wasNew, err := svcs.DB.FindOrCreateVideo(ctx, platform, platformID, u)
	if err != nil {
		return "", err
	}

	if wasNew && svcs.Video != nil {
		info, eerr := svcs.Video.Enrich(ctx, u)
		if eerr != nil {
			slog.Debug("video_enrich_failed", slog.String("url", u), slog.String("error", eerr.Error()))
		} else if info != nil && info.Title != "" {
			video.Title = info.Title
			video.DurationSeconds = info.DurationS
			video.ThumbnailURL = info.ThumbnailURL
			video.ChannelTitle = info.ChannelTitle
			if uerr := svcs.DB.UpdateVideoMetadata(ctx, video); uerr != nil {
				return "", uerr
			}
		}
	}
	return video.ID, nil
}

// categorizeURL applies the link taxonomy. Video detection delegates to
// the platform registry; the rest is host/path heuristics.
func categorizeURL(u string) store.LinkCategory {
	if _, id := extract.DetectPlatform(u); id != "" {
		return store.LinkVideo
	}
	lower := strings.ToLower(u)
	switch {
	case strings.Contains(lower, "support.") || strings.Contains(lower, "/support"):
		return store.LinkSupport
	case strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".exe") ||
		strings.HasSuffix(lower, ".dmg") || strings.HasSuffix(lower, ".msi") ||
		strings.Contains(lower, "/download"):
		return store.LinkDownload
	case strings.Contains(lower, "tutorial") || strings.Contains(lower, "how-to") ||
		strings.Contains(lower, "howto"):
		return store.LinkTutorial
	default:
		return store.LinkExternal
	}
}
