package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/link-sentinel/internal/adapter/observability"
	"github.com/fairyhunter13/link-sentinel/internal/config"
	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// AnalyzerConfig tunes the fetch pipeline. Zero values are filled with
// the documented defaults by NewAnalyzer.
type AnalyzerConfig struct {
	RenderTimeout time.Duration
	RenderSettle  time.Duration
	ReloadSettle  time.Duration
	ScrollSettle  time.Duration
	ProxyAttempts int
	ProxyTimeout  time.Duration
	ProxyWaitStep time.Duration
}

// Analyzer resolves one link row to a verdict: fetch the source page,
// find a reference to the target domain, classify it, and resolve the
// page's indexability.
type Analyzer struct {
	renderer domain.Renderer
	proxy    domain.RenderProxy
	profiles []config.HeaderProfile
	cfg      AnalyzerConfig
	rotation atomic.Uint64
}

func NewAnalyzer(renderer domain.Renderer, proxy domain.RenderProxy, profiles []config.HeaderProfile, cfg AnalyzerConfig) *Analyzer {
	if cfg.RenderTimeout == 0 {
		cfg.RenderTimeout = 60 * time.Second
	}
	if cfg.RenderSettle == 0 {
		cfg.RenderSettle = 3 * time.Second
	}
	if cfg.ReloadSettle == 0 {
		cfg.ReloadSettle = 5 * time.Second
	}
	if cfg.ScrollSettle == 0 {
		cfg.ScrollSettle = 2 * time.Second
	}
	if cfg.ProxyAttempts == 0 {
		cfg.ProxyAttempts = 2
	}
	if cfg.ProxyTimeout == 0 {
		cfg.ProxyTimeout = 60 * time.Second
	}
	if cfg.ProxyWaitStep == 0 {
		cfg.ProxyWaitStep = 3 * time.Second
	}
	if len(profiles) == 0 {
		profiles = []config.HeaderProfile{{Name: "default"}}
	}
	return &Analyzer{renderer: renderer, proxy: proxy, profiles: profiles, cfg: cfg}
}

// Analyze runs the full pipeline for one link. It always returns a
// verdict; when the returned error wraps domain.ErrInconclusive the
// verdict is provisional and the caller should retry the job rather
// than persist a terminal state.
func (a *Analyzer) Analyze(ctx domain.Context, link *domain.Link) (domain.Verdict, error) {
	started := time.Now()
	v, err := a.analyze(ctx, link)
	outcome := "completed"
	if err != nil {
		outcome = "inconclusive"
	}
	observability.AnalysisDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	if err == nil {
		observability.AnalysisVerdictsTotal.WithLabelValues(string(v.Status), string(v.LinkClass)).Inc()
	}
	return v, err
}

func (a *Analyzer) analyze(ctx domain.Context, link *domain.Link) (domain.Verdict, error) {
	page, renderErr := a.renderOnce(ctx, link.SourceURL, false, a.cfg.RenderSettle)

	var (
		matches []Match
		facts   PageFacts
	)
	if renderErr == nil {
		matches, facts = ExtractFromDOM(page.HTML, finalURL(page, link.SourceURL), link.TargetDomain)

		// One reload with scrolling before giving up on the DOM: lazy
		// widgets and infinite footers frequently attach the reference
		// only after the viewport moves.
		if len(matches) == 0 && page.Status < 400 {
			if reloaded, err := a.renderOnce(ctx, link.SourceURL, true, a.cfg.ReloadSettle); err == nil {
				page = reloaded
				matches, facts = ExtractFromDOM(page.HTML, finalURL(page, link.SourceURL), link.TargetDomain)
			}
		}
		if len(matches) == 0 {
			matches = ExtractFromRaw(page.HTML, finalURL(page, link.SourceURL), link.TargetDomain)
		}
	}

	switch {
	case renderErr == nil && page.Status != http.StatusForbidden && page.Status < 400:
		if len(matches) > 0 {
			return a.verdict(link, page.Status, matches, facts, headerRobots(page.Headers), page.LoadTime), nil
		}
		// Rendered fine but the reference is genuinely missing. One
		// pass through the proxy covers sites that serve different
		// markup to datacenter traffic.
		if pv, ok := a.proxyPipeline(ctx, link, page.Status, "absent"); ok {
			return pv, nil
		}
		return a.verdict(link, page.Status, nil, facts, headerRobots(page.Headers), page.LoadTime), nil

	case renderErr == nil && page.Status != http.StatusForbidden:
		// Plain HTTP failure (404, 500, ...) is a real answer about the
		// source page, not anti-bot friction. No fallback.
		return a.verdict(link, page.Status, matches, facts, headerRobots(page.Headers), page.LoadTime), nil

	default:
		// 403 or navigation error: the page may still be reachable
		// through the rendering proxy.
		status := 0
		trigger := "nav_error"
		if renderErr == nil {
			status = page.Status
			trigger = "forbidden"
		}
		if pv, ok := a.proxyPipeline(ctx, link, status, trigger); ok {
			return pv, nil
		}
		if renderErr == nil {
			// Proxy failed too, but we did see a definitive 403: the
			// page is blocked, the link counts as absent.
			v := a.verdict(link, page.Status, nil, facts, headerRobots(page.Headers), page.LoadTime)
			v.Status = domain.StateProblem
			v.NonIndexableReason = reasonBlocked
			return v, nil
		}
		slog.Warn("analysis inconclusive", slog.String("link_id", link.ID), slog.String("url", link.SourceURL), slog.Any("error", renderErr))
		v := a.verdict(link, 0, nil, PageFacts{}, "", 0)
		v.NonIndexableReason = reasonInconclusive
		return v, fmt.Errorf("op=analyzer.Analyze url=%s: %w: %w", link.SourceURL, domain.ErrInconclusive, renderErr)
	}
}

// proxyPipeline runs the fallback fetch strategies. The bool reports
// whether any strategy produced a page, in which case the verdict is
// final. A zero directStatus means direct navigation never completed,
// so the response code in the verdict is fabricated as 0.
func (a *Analyzer) proxyPipeline(ctx domain.Context, link *domain.Link, directStatus int, trigger string) (domain.Verdict, bool) {
	if a.proxy == nil || !a.proxy.Enabled() {
		return domain.Verdict{}, false
	}
	observability.ProxyFallbacksTotal.WithLabelValues(trigger).Inc()

	for attempt := 0; attempt < a.cfg.ProxyAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * a.cfg.ProxyWaitStep
			select {
			case <-ctx.Done():
				return domain.Verdict{}, false
			case <-time.After(wait):
			}
		}
		profile := a.profiles[attempt%len(a.profiles)]
		req := domain.ProxyRequest{
			URL:     link.SourceURL,
			Render:  true,
			Timeout: a.cfg.ProxyTimeout,
			Headers: proxyHeaders(profile),
		}
		res, err := a.proxy.Fetch(ctx, req)
		if err != nil {
			slog.Debug("proxy attempt failed",
				slog.String("link_id", link.ID),
				slog.Int("attempt", attempt+1),
				slog.String("profile", profile.Name),
				slog.Any("error", err))
			continue
		}
		if res.Status >= 400 && res.Status != http.StatusForbidden {
			// The proxy reached the origin and got a definitive error.
			return a.verdict(link, primaryStatus(directStatus, res.Status), nil, PageFacts{}, "", res.ResponseTime), true
		}
		if res.Status == http.StatusForbidden {
			continue
		}

		docURL := link.SourceURL
		matches, facts := ExtractFromDOM(res.HTML, docURL, link.TargetDomain)
		if len(matches) == 0 {
			matches = ExtractFromRaw(res.HTML, docURL, link.TargetDomain)
		}
		if facts.MetaRobots == "" {
			facts.MetaRobots = ExtractRobotsFromRaw(res.HTML)
		}
		return a.verdict(link, primaryStatus(directStatus, res.Status), matches, facts, "", res.ResponseTime), true
	}
	return domain.Verdict{}, false
}

func (a *Analyzer) verdict(link *domain.Link, status int, matches []Match, facts PageFacts, xRobots string, loadTime time.Duration) domain.Verdict {
	class, best := ClassifyMatches(matches)
	idx := ResolveIndexability(IndexabilityInput{
		XRobotsTag:   xRobots,
		MetaRobots:   facts.MetaRobots,
		CanonicalURL: facts.CanonicalURL,
		PageURL:      pageURLOrSource(facts, link),
	})

	v := domain.Verdict{
		Status:             domain.StateOK,
		ResponseCode:       status,
		Indexable:          idx.Indexable,
		LinkClass:          class,
		CanonicalURL:       idx.CanonicalURL,
		LoadTimeMS:         loadTime.Milliseconds(),
		NonIndexableReason: idx.Reason,
		CheckedAt:          time.Now().UTC(),
	}
	if best != nil {
		v.MatchedAnchorHTML = best.OuterHTML
	}
	if class == domain.ClassAbsent || !idx.Indexable {
		v.Status = domain.StateProblem
	}
	return v
}

// primaryStatus keeps the primary document's status in the verdict.
// Only when direct navigation never produced one does the proxy's
// observed status stand in; both zero means the code stays fabricated.
func primaryStatus(direct, proxied int) int {
	if direct != 0 {
		return direct
	}
	return proxied
}

func (a *Analyzer) renderOnce(ctx domain.Context, url string, scroll bool, settle time.Duration) (domain.RenderedPage, error) {
	profile := a.profiles[int(a.rotation.Add(1)-1)%len(a.profiles)]
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RenderTimeout)
	defer cancel()
	page, err := a.renderer.Render(rctx, domain.RenderRequest{
		URL:            url,
		UserAgent:      profile.UserAgent,
		Timeout:        a.cfg.RenderTimeout,
		Settle:         settle,
		ScrollToBottom: scroll,
		ScrollSettle:   a.cfg.ScrollSettle,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.RenderedPage{}, fmt.Errorf("op=analyzer.render url=%s: %w: %w", url, domain.ErrRenderFailed, err)
		}
		return domain.RenderedPage{}, fmt.Errorf("op=analyzer.render url=%s: %w", url, err)
	}
	return page, nil
}

func headerRobots(h http.Header) string {
	if h == nil {
		return ""
	}
	return h.Get("X-Robots-Tag")
}

func finalURL(page domain.RenderedPage, fallback string) string {
	if page.FinalURL != "" {
		return page.FinalURL
	}
	return fallback
}

func pageURLOrSource(facts PageFacts, link *domain.Link) string {
	if facts.BaseURL != "" {
		return facts.BaseURL
	}
	return link.SourceURL
}

func proxyHeaders(p config.HeaderProfile) map[string]string {
	h := make(map[string]string, len(p.Headers)+1)
	for k, v := range p.Headers {
		h[k] = v
	}
	if p.UserAgent != "" {
		h["User-Agent"] = p.UserAgent
	}
	return h
}
