package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Platform identifiers stored on video rows.
const (
	PlatformYouTube = "youtube"
	PlatformVimeo   = "vimeo"
	PlatformOther   = "other"
)

var (
	youtubeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,}$`)
	vimeoIDPattern   = regexp.MustCompile(`^\d+$`)
)

// DetectPlatform classifies a video URL and extracts the platform video id.
// Unknown hosts return PlatformOther with an empty id.
func DetectPlatform(rawURL string) (platform, videoID string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return PlatformOther, ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	switch host {
	case "youtube.com", "m.youtube.com":
		if id := u.Query().Get("v"); youtubeIDPattern.MatchString(id) {
			return PlatformYouTube, id
		}
		// Shorts and embed URLs carry the id in the path.
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 && (parts[0] == "shorts" || parts[0] == "embed") &&
			youtubeIDPattern.MatchString(parts[1]) {
			return PlatformYouTube, parts[1]
		}
		return PlatformYouTube, ""
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if youtubeIDPattern.MatchString(id) {
			return PlatformYouTube, id
		}
		return PlatformYouTube, ""
	case "vimeo.com", "player.vimeo.com":
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		for _, p := range parts {
			if vimeoIDPattern.MatchString(p) {
				return PlatformVimeo, p
			}
		}
		return PlatformVimeo, ""
	}
	return PlatformOther, ""
}

// OEmbedVideoService enriches video URLs through the platforms' public
// oEmbed endpoints. No API key is needed; failures degrade to the
// URL-derived platform and id.
type OEmbedVideoService struct {
	client *http.Client

	// endpoint overrides for tests; empty uses the public endpoints.
	youtubeEndpoint string
	vimeoEndpoint   string
}

var _ VideoMetadata = (*OEmbedVideoService)(nil)

// NewOEmbedVideoService creates a video metadata service.
func NewOEmbedVideoService() *OEmbedVideoService {
	return &OEmbedVideoService{client: &http.Client{Timeout: 15 * time.Second}}
}

type oembedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailURL string `json:"thumbnail_url"`
	Duration     int    `json:"duration"` // vimeo only
}

// Enrich resolves platform metadata for a video URL. The platform and id
// always come from the URL; oEmbed fills in title, channel and thumbnail
// when the endpoint answers.
func (s *OEmbedVideoService) Enrich(ctx context.Context, rawURL string) (*VideoInfo, error) {
	platform, videoID := DetectPlatform(rawURL)
	info := &VideoInfo{Platform: platform, PlatformVideoID: videoID}

	endpoint := s.oembedURL(platform, rawURL)
	if endpoint == "" {
		return info, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return info, nil
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return info, nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return info, nil
	}

	var oe oembedResponse
	if err := json.NewDecoder(resp.Body).Decode(&oe); err != nil {
		return info, nil
	}
	info.Title = oe.Title
	info.ChannelTitle = oe.AuthorName
	info.ThumbnailURL = oe.ThumbnailURL
	info.DurationS = oe.Duration
	return info, nil
}

func (s *OEmbedVideoService) oembedURL(platform, rawURL string) string {
	escaped := url.QueryEscape(rawURL)
	switch platform {
	case PlatformYouTube:
		base := s.youtubeEndpoint
		if base == "" {
			base = "https://www.youtube.com/oembed"
		}
		return fmt.Sprintf("%s?url=%s&format=json", base, escaped)
	case PlatformVimeo:
		base := s.vimeoEndpoint
		if base == "" {
			base = "https://vimeo.com/api/oembed.json"
		}
		return fmt.Sprintf("%s?url=%s", base, escaped)
	}
	return ""
}
