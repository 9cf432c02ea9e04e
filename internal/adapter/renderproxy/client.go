// Package renderproxy implements the fallback fetch port against a
// scrapingbee-style rendering proxy API: one GET per fetch, the target
// URL and rendering options passed as query parameters, forwarded
// headers prefixed with Spb-.
package renderproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/link-sentinel/internal/adapter/observability"
	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

const (
	forwardHeaderPrefix = "Spb-"
	maxBodyBytes        = 8 << 20
)

// Config configures the proxy client. An empty APIToken disables the
// proxy entirely; the analyser then skips the fallback layer.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// Client implements domain.RenderProxy.
type Client struct {
	cfg     Config
	httpc   *http.Client
	breaker *observability.CircuitBreaker
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		breaker: observability.NewCircuitBreaker("render-proxy", 5, 30*time.Second),
	}
}

// Enabled reports whether the proxy is configured.
func (c *Client) Enabled() bool {
	return c.cfg.APIToken != "" && c.cfg.BaseURL != ""
}

// Fetch performs one proxied fetch. Transient transport failures are
// retried with exponential backoff inside the call; HTTP-level answers
// from the origin come back as a result, not an error.
func (c *Client) Fetch(ctx domain.Context, req domain.ProxyRequest) (domain.ProxyResult, error) {
	if !c.Enabled() {
		return domain.ProxyResult{}, fmt.Errorf("op=renderproxy.Fetch: proxy not configured: %w", domain.ErrBackendUnavailable)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	var result domain.ProxyResult
	operation := func() error {
		return c.breaker.Call(func() error {
			res, err := c.doOnce(ctx, req)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return domain.ProxyResult{}, fmt.Errorf("op=renderproxy.Fetch url=%s: %w: %w", req.URL, domain.ErrBackendUnavailable, err)
	}
	result.ResponseTime = time.Since(started)
	return result, nil
}

func (c *Client) doOnce(ctx domain.Context, req domain.ProxyRequest) (domain.ProxyResult, error) {
	endpoint, err := c.buildURL(req)
	if err != nil {
		return domain.ProxyResult{}, backoff.Permanent(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.ProxyResult{}, backoff.Permanent(err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(forwardHeaderPrefix+k, v)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return domain.ProxyResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	// 5xx from the proxy itself is transient; anything else is final.
	if resp.StatusCode >= 500 {
		return domain.ProxyResult{}, fmt.Errorf("proxy status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusPaymentRequired {
		return domain.ProxyResult{}, backoff.Permanent(fmt.Errorf("proxy rejected credentials: status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.ProxyResult{}, err
	}

	originStatus := resp.StatusCode
	if s := resp.Header.Get("Spb-Initial-Status-Code"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil {
			originStatus = parsed
		}
	}

	// The match pipeline only understands markup; binary payloads
	// (a PDF behind the URL, an error image) must not reach it.
	if len(body) > 0 {
		mt := mimetype.Detect(body)
		if !mt.Is("text/html") && !mt.Is("text/plain") && !mt.Is("application/xhtml+xml") {
			return domain.ProxyResult{}, backoff.Permanent(fmt.Errorf("non-html payload %s", mt.String()))
		}
	}

	return domain.ProxyResult{Status: originStatus, HTML: string(body)}, nil
}

func (c *Client) buildURL(req domain.ProxyRequest) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("op=renderproxy.buildURL: %w", err)
	}
	q := base.Query()
	q.Set("api_key", c.cfg.APIToken)
	q.Set("url", req.URL)
	q.Set("render_js", strconv.FormatBool(req.Render))
	if len(req.Headers) > 0 {
		q.Set("forward_headers", "true")
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}
