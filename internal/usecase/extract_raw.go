package usecase

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// DOM-free extraction. Runs against the raw response body when the DOM
// pass yields nothing, so candidates survive broken markup, payloads
// inside JSON blobs, and server-rendered fragments.

var (
	rawAnchorRe  = regexp.MustCompile(`(?is)<a\b[^>]*href\s*=\s*["']?([^"'\s>]+)["']?[^>]*>.*?</a>`)
	rawRelRe     = regexp.MustCompile(`(?is)\brel\s*=\s*["']([^"']*)["']`)
	rawMetaRe    = regexp.MustCompile(`(?is)<meta\b[^>]*>`)
	rawContentRe = regexp.MustCompile(`(?is)\bcontent\s*=\s*["']([^"']*)["']`)
	rawDataRe    = regexp.MustCompile(`(?is)\bdata-(?:href|url|link)\s*=\s*["']([^"']+)["']`)
	rawJSONURLRe = regexp.MustCompile(`"(?:url|href|link)"\s*:\s*"(https?:[^"]+)"`)
)

const (
	originRawAnchor = "raw-anchor"
	originRawText   = "raw-text"
	originRawMeta   = "raw-meta"
	originRawData   = "raw-data"
	originRawJSON   = "raw-json"
)

// ExtractFromRaw scans the unparsed body through a cascade of regex
// passes, from the highest-fidelity carrier (full anchor tags with rel
// preserved) down to bare URL literals. All passes run; results are
// deduplicated by URL with the earlier pass winning.
func ExtractFromRaw(body, docURL, target string) []Match {
	var out []Match
	seen := map[string]bool{}
	add := func(m Match) {
		if !seen[m.URL] {
			seen[m.URL] = true
			out = append(out, m)
		}
	}

	for _, grp := range rawAnchorRe.FindAllStringSubmatch(body, -1) {
		var rel []string
		if rm := rawRelRe.FindStringSubmatch(grp[0]); rm != nil {
			rel = relTokens(rm[1])
		}
		if m, ok := candidate(docURL, target, unescapeEntities(grp[1]), rel, grp[0], originRawAnchor); ok {
			add(m)
		}
	}
	for _, mt := range rawMetaRe.FindAllString(body, -1) {
		cm := rawContentRe.FindStringSubmatch(mt)
		if cm == nil {
			continue
		}
		for _, raw := range urlLiteralRe.FindAllString(cm[1], -1) {
			if m, ok := candidate(docURL, target, unescapeEntities(raw), nil, mt, originRawMeta); ok {
				add(m)
			}
		}
	}
	for _, grp := range rawDataRe.FindAllStringSubmatch(body, -1) {
		if m, ok := candidate(docURL, target, unescapeEntities(grp[1]), nil, grp[0], originRawData); ok {
			add(m)
		}
	}
	for _, grp := range rawJSONURLRe.FindAllStringSubmatch(body, -1) {
		if m, ok := candidate(docURL, target, grp[1], nil, grp[0], originRawJSON); ok {
			add(m)
		}
	}
	for _, raw := range urlLiteralRe.FindAllString(body, -1) {
		clean := unescapeEntities(raw)
		u, err := url.Parse(clean)
		if err != nil || !domain.HostMatchesTarget(u.Hostname(), target) {
			continue
		}
		add(Match{URL: clean, OuterHTML: clean, Origin: originRawText})
	}
	return out
}

// ExtractRobotsFromRaw pulls a meta robots directive out of raw markup.
func ExtractRobotsFromRaw(body string) string {
	for _, mt := range rawMetaRe.FindAllString(body, -1) {
		if !regexp.MustCompile(`(?i)\bname\s*=\s*["']?robots["']?`).MatchString(mt) {
			continue
		}
		if cm := rawContentRe.FindStringSubmatch(mt); cm != nil {
			return cm[1]
		}
	}
	return ""
}

func unescapeEntities(s string) string {
	r := strings.NewReplacer("&amp;", "&", "&#38;", "&", "&quot;", `"`, "&#39;", "'")
	return r.Replace(s)
}
