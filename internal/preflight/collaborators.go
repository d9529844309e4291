package preflight

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// probeTimeout bounds each collaborator reachability probe.
const probeTimeout = 3 * time.Second

// CheckCollaborators probes every enrichment collaborator the
// configuration enables. All collaborator checks are non-critical: a
// missing collaborator only degrades the stages that need it.
func (c *Checker) CheckCollaborators(ctx context.Context) []CheckResult {
	var results []CheckResult
	if u := c.cfg.Extract.SidecarURL; u != "" {
		results = append(results, c.checkHTTP(ctx, "extraction_sidecar", u))
	}
	if u := c.cfg.Vision.Endpoint; u != "" {
		results = append(results, c.checkHTTP(ctx, "vision_model", u))
	}
	if c.cfg.Embed.Provider == "ollama" {
		host := c.cfg.Embed.OllamaHost
		if host == "" {
			host = "http://localhost:11434"
		}
		results = append(results, c.checkHTTP(ctx, "embedder", host))
	}
	if u := c.cfg.Events.RedisURL; u != "" {
		results = append(results, c.checkTCP(ctx, "redis_events", u))
	}
	return results
}

// checkHTTP probes an HTTP endpoint. Any response counts as reachable;
// only connection failures warn.
func (c *Checker) checkHTTP(ctx context.Context, name, endpoint string) CheckResult {
	result := CheckResult{Name: name, Required: false}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("invalid endpoint %s: %v", endpoint, err)
		return result
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("unreachable: %v", err)
		result.Details = "Stages needing this collaborator will be skipped or fail transiently"
		return result
	}
	_ = resp.Body.Close()

	result.Status = StatusPass
	result.Message = endpoint
	return result
}

// checkTCP probes a redis-style URL with a plain TCP dial.
func (c *Checker) checkTCP(ctx context.Context, name, rawURL string) CheckResult {
	result := CheckResult{Name: name, Required: false}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("invalid url %s", rawURL)
		return result
	}

	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("unreachable: %v", err)
		return result
	}
	_ = conn.Close()

	result.Status = StatusPass
	result.Message = u.Host
	return result
}
