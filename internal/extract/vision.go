package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// DefaultVisionTimeout is the per-call budget for vision requests. Local
// multimodal models routinely take tens of seconds per image.
const DefaultVisionTimeout = 60 * time.Second

const errorCodePrompt = `You are reading a control panel or error screen ` +
	`from a printer or copier service manual. List every error code visible ` +
	`in the image as a JSON array of objects with fields "code", ` +
	`"description", "solution" and "confidence" (0 to 1). Reply with JSON only.`

// OllamaVision implements VisionModel against an Ollama server running a
// multimodal model.
type OllamaVision struct {
	host    string
	model   string
	timeout time.Duration
	client  *http.Client
}

var _ VisionModel = (*OllamaVision)(nil)

// NewOllamaVision creates a vision client. host falls back to the default
// Ollama endpoint, timeout to DefaultVisionTimeout.
func NewOllamaVision(host, model string, timeout time.Duration) *OllamaVision {
	if host == "" {
		host = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = DefaultVisionTimeout
	}
	return &OllamaVision{
		host:    host,
		model:   model,
		timeout: timeout,
		client:  &http.Client{},
	}
}

type visionGenerateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type visionGenerateResponse struct {
	Response string `json:"response"`
}

// Describe asks the model to describe the image under the given prompt.
func (v *OllamaVision) Describe(ctx context.Context, image []byte, prompt string) (*Description, error) {
	text, err := v.generate(ctx, image, prompt)
	if err != nil {
		return nil, err
	}
	return &Description{Text: text, Confidence: 0.8}, nil
}

// ExtractErrorCodes asks the model to read error codes off the image and
// parses its JSON reply. A reply that is not valid JSON yields no hits
// rather than an error; flaky model output must not fail the stage.
func (v *OllamaVision) ExtractErrorCodes(ctx context.Context, image []byte) ([]ErrorCodeHit, error) {
	text, err := v.generate(ctx, image, errorCodePrompt)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	// Models love fencing JSON in markdown blocks.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var hits []ErrorCodeHit
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &hits); err != nil {
		return nil, nil
	}
	out := hits[:0]
	for _, h := range hits {
		if strings.TrimSpace(h.Code) != "" {
			out = append(out, h)
		}
	}
	return out, nil
}

// EmbedImage produces a vector for the image through the embed endpoint.
func (v *OllamaVision) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"model": v.model,
		"input": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		v.host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, v.wrap(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, v.statusError(resp)
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, pipeerr.Newf(pipeerr.ErrCodeVisionFailed, err, "decode image embedding")
	}
	if len(result.Embeddings) == 0 {
		return nil, pipeerr.New(pipeerr.ErrCodeVisionFailed, "empty image embedding", nil)
	}
	vec := make([]float32, len(result.Embeddings[0]))
	for i, x := range result.Embeddings[0] {
		vec[i] = float32(x)
	}
	return vec, nil
}

func (v *OllamaVision) generate(ctx context.Context, image []byte, prompt string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	body, err := json.Marshal(visionGenerateRequest{
		Model:  v.model,
		Prompt: prompt,
		Images: []string{base64.StdEncoding.EncodeToString(image)},
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		v.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", v.wrap(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", v.statusError(resp)
	}

	var result visionGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", pipeerr.Newf(pipeerr.ErrCodeVisionFailed, err, "decode vision response")
	}
	return result.Response, nil
}

func (v *OllamaVision) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return pipeerr.Cancelled("vision call cancelled")
	}
	return pipeerr.Newf(pipeerr.ErrCodeUpstreamUnavailable, err,
		"vision model unreachable at %s", v.host)
}

func (v *OllamaVision) statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return pipeerr.RateLimited(pipeerr.ErrCodeUpstreamRateLimited, "vision model rate limited", nil)
	case resp.StatusCode >= 500:
		return pipeerr.Transient(pipeerr.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("vision model status %d: %s", resp.StatusCode, respBody), nil)
	default:
		return pipeerr.Newf(pipeerr.ErrCodeVisionFailed, nil,
			"vision model rejected request: status %d: %s", resp.StatusCode, respBody)
	}
}
