package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

func TestSidecarClient_ExtractPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/extract/text", r.URL.Path)
		var req sidecarExtractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/data/manual.pdf", req.Path)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"pages": []map[string]any{
				{"number": 1, "text": "Error code 13.20.01", "image_only": false, "language": "en"},
				{"number": 2, "text": "", "image_only": true},
			},
		})
	}))
	defer srv.Close()

	c := NewSidecarClient(srv.URL, time.Second)
	pages, err := c.Extract(context.Background(), "/data/manual.pdf")
	require.NoError(t, err)
	require.Len(t, pages, 2)

	assert.Equal(t, "en", pages[0].Language)
	assert.True(t, pages[1].ImageOnly)
	// Language defaults to the undetected marker, never empty
	assert.Equal(t, "unk", pages[1].Language)
}

func TestSidecarClient_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewSidecarClient(srv.URL, time.Second)
	_, err := c.Tables(context.Background(), "/data/manual.pdf")
	require.Error(t, err)
	assert.Equal(t, pipeerr.KindTransient, pipeerr.Classify(err))
}

func TestSidecarClient_BadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewSidecarClient(srv.URL, time.Second)
	_, err := c.Images(context.Background(), "/data/broken.pdf")
	require.Error(t, err)
	assert.Equal(t, pipeerr.KindPermanent, pipeerr.Classify(err))
}

func TestOllamaVision_ExtractErrorCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req visionGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Images, 1)

		_ = json.NewEncoder(w).Encode(visionGenerateResponse{
			Response: "```json\n[{\"code\":\"13.20.01\",\"description\":\"paper jam\",\"confidence\":0.9},{\"code\":\"\"}]\n```",
		})
	}))
	defer srv.Close()

	v := NewOllamaVision(srv.URL, "llava:13b", time.Second)
	hits, err := v.ExtractErrorCodes(context.Background(), []byte("img"))
	require.NoError(t, err)

	// The blank-code entry is dropped
	require.Len(t, hits, 1)
	assert.Equal(t, "13.20.01", hits[0].Code)
	assert.InDelta(t, 0.9, hits[0].Confidence, 1e-9)
}

func TestOllamaVision_GarbageReplyYieldsNoHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(visionGenerateResponse{
			Response: "I can see a printer control panel showing an error.",
		})
	}))
	defer srv.Close()

	v := NewOllamaVision(srv.URL, "llava:13b", time.Second)
	hits, err := v.ExtractErrorCodes(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestOllamaVision_EmbedImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{0.1, 0.2, 0.3}},
		})
	}))
	defer srv.Close()

	v := NewOllamaVision(srv.URL, "llava:13b", time.Second)
	vec, err := v.EmbedImage(context.Background(), []byte("img"))
	require.NoError(t, err)
	require.Len(t, vec, 3)
	assert.InDelta(t, 0.2, vec[1], 1e-6)
}

func TestHTTPScraper_ExtractsTextAndMarkdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>x</title>
			<script>ignored()</script></head>
			<body><h1>Fuser Replacement</h1>
			<p>Power off the device.</p>
			<ul><li>Open rear door</li><li>Release latches</li></ul>
			</body></html>`))
	}))
	defer srv.Close()

	s := NewHTTPScraper(time.Second)
	res, err := s.Scrape(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Contains(t, res.Text, "Fuser Replacement")
	assert.Contains(t, res.Text, "Power off the device.")
	assert.NotContains(t, res.Text, "ignored()")
	assert.Contains(t, res.Markdown, "# Fuser Replacement")
	assert.Contains(t, res.Markdown, "- Open rear door")
	assert.Greater(t, res.Confidence, 0.0)
}

func TestHTTPScraper_NotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := NewHTTPScraper(time.Second)
	_, err := s.Scrape(context.Background(), srv.URL+"/gone")
	require.Error(t, err)
	assert.Equal(t, pipeerr.KindPermanent, pipeerr.Classify(err))
}

func TestDetectPlatform(t *testing.T) {
	cases := []struct {
		url      string
		platform string
		id       string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/abc123XYZ_-", PlatformYouTube, "abc123XYZ_-"},
		{"https://vimeo.com/123456789", PlatformVimeo, "123456789"},
		{"https://player.vimeo.com/video/123456789", PlatformVimeo, "123456789"},
		{"https://example.com/training.mp4", PlatformOther, ""},
	}
	for _, tc := range cases {
		platform, id := DetectPlatform(tc.url)
		assert.Equal(t, tc.platform, platform, tc.url)
		assert.Equal(t, tc.id, id, tc.url)
	}
}

func TestOEmbedVideoService_EnrichYouTube(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("url"), "youtube.com")
		_ = json.NewEncoder(w).Encode(oembedResponse{
			Title:        "Replacing the fuser",
			AuthorName:   "HP Support",
			ThumbnailURL: "https://img.example/thumb.jpg",
		})
	}))
	defer srv.Close()

	s := NewOEmbedVideoService()
	s.youtubeEndpoint = srv.URL

	info, err := s.Enrich(context.Background(), "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, PlatformYouTube, info.Platform)
	assert.Equal(t, "dQw4w9WgXcQ", info.PlatformVideoID)
	assert.Equal(t, "Replacing the fuser", info.Title)
	assert.Equal(t, "HP Support", info.ChannelTitle)
}

func TestOEmbedVideoService_DegradesWithoutEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewOEmbedVideoService()
	s.vimeoEndpoint = srv.URL

	// Enrichment failure still yields the URL-derived platform and id
	info, err := s.Enrich(context.Background(), "https://vimeo.com/123456789")
	require.NoError(t, err)
	assert.Equal(t, PlatformVimeo, info.Platform)
	assert.Equal(t, "123456789", info.PlatformVideoID)
	assert.Empty(t, info.Title)
}
