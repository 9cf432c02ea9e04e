// Package render implements the headless rendering port on Chrome via
// the DevTools protocol. Every Render call gets its own browser
// context, torn down on all exit paths.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// MaxRedirectHops caps the redirect chain a navigation may follow.
const MaxRedirectHops = 5

// Config controls browser process flags shared by all renders.
type Config struct {
	Headless   bool
	NoSandbox  bool
	ChromePath string
}

// Renderer implements domain.Renderer.
type Renderer struct {
	allocOpts []chromedp.ExecAllocatorOption
}

func New(cfg Config) *Renderer {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	return &Renderer{allocOpts: opts}
}

// docCapture records the primary document response as network events
// arrive. Subresource responses are ignored.
type docCapture struct {
	mu        sync.Mutex
	status    int
	headers   http.Header
	redirects int
	// cappedURL is the document URL reached by the last hop inside the
	// redirect budget; verdicts on longer chains use it as the final URL.
	cappedURL string
}

func (c *docCapture) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Type == network.ResourceTypeDocument && e.RedirectResponse != nil {
			c.mu.Lock()
			c.redirects++
			if c.redirects == MaxRedirectHops {
				c.cappedURL = e.Request.URL
			}
			c.mu.Unlock()
		}
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.status = int(e.Response.Status)
		c.headers = http.Header{}
		for k, v := range e.Response.Headers {
			if s, ok := v.(string); ok {
				c.headers.Set(k, s)
			}
		}
	}
}

func (c *docCapture) snapshot() (int, http.Header, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.headers, c.redirects, c.cappedURL
}

// Render navigates to the URL in a fresh browser context, waits for the
// settle window, optionally scrolls to the bottom, and returns the
// document HTML plus the primary response status and headers.
func (r *Renderer) Render(ctx domain.Context, req domain.RenderRequest) (domain.RenderedPage, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := r.allocOpts
	if req.UserAgent != "" {
		opts = append(append([]chromedp.ExecAllocatorOption{}, opts...), chromedp.UserAgent(req.UserAgent))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	capture := &docCapture{}
	chromedp.ListenTarget(taskCtx, capture.onEvent)

	started := time.Now()
	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(req.URL),
		chromedp.Sleep(req.Settle),
	}
	if req.ScrollToBottom {
		wait := req.ScrollSettle
		if wait <= 0 {
			wait = req.Settle
		}
		tasks = append(tasks,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(wait),
		)
	}
	var html, location string
	tasks = append(tasks,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return domain.RenderedPage{}, fmt.Errorf("op=render.chromedp url=%s: %w: %w", req.URL, domain.ErrRenderFailed, err)
	}

	status, headers, redirects, cappedURL := capture.snapshot()
	if redirects > MaxRedirectHops && cappedURL != "" {
		// The chain overran the budget. The render stands, anchored to
		// the last hop inside it.
		slog.Debug("redirect chain capped",
			slog.String("url", req.URL),
			slog.Int("redirects", redirects),
			slog.String("capped_url", cappedURL))
		location = cappedURL
	}
	if status == 0 {
		// A navigation can commit without a network response, e.g.
		// about:blank interstitials on hard blocks.
		slog.Debug("no document response captured", slog.String("url", req.URL))
	}
	if strings.HasPrefix(location, "chrome-error://") {
		return domain.RenderedPage{}, fmt.Errorf("op=render.chromedp url=%s: navigation error page: %w", req.URL, domain.ErrRenderFailed)
	}

	return domain.RenderedPage{
		Status:   status,
		FinalURL: location,
		Headers:  headers,
		HTML:     html,
		LoadTime: time.Since(started),
	}, nil
}
