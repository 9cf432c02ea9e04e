package usecase

import (
	"net/url"
	"strings"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// Rel tokens that restrict how crawlers treat a link. Any candidate
// carrying none of these counts as a clean dofollow match.
var restrictingRel = map[string]bool{
	"nofollow":  true,
	"sponsored": true,
	"ugc":       true,
}

// ClassifyMatches reduces a candidate set to a single link class.
// One unrestricted match anywhere on the page wins outright; otherwise
// the strongest restriction across all matches applies, with sponsored
// outranking ugc outranking nofollow. No matches means absent.
func ClassifyMatches(matches []Match) (domain.LinkClass, *Match) {
	if len(matches) == 0 {
		return domain.ClassAbsent, nil
	}
	var sponsored, ugc, nofollow *Match
	for i := range matches {
		m := &matches[i]
		restricted := false
		for _, tok := range m.Rel {
			if restrictingRel[tok] {
				restricted = true
			}
		}
		if !restricted {
			return domain.ClassDofollow, m
		}
		for _, tok := range m.Rel {
			switch tok {
			case "sponsored":
				if sponsored == nil {
					sponsored = m
				}
			case "ugc":
				if ugc == nil {
					ugc = m
				}
			case "nofollow":
				if nofollow == nil {
					nofollow = m
				}
			}
		}
	}
	switch {
	case sponsored != nil:
		return domain.ClassSponsored, sponsored
	case ugc != nil:
		return domain.ClassUGC, ugc
	default:
		return domain.ClassNofollow, nofollow
	}
}

// IndexabilityInput carries both robots layers plus the canonical signal.
type IndexabilityInput struct {
	XRobotsTag   string
	MetaRobots   string
	CanonicalURL string
	PageURL      string
}

// IndexabilityResult is the resolved indexing state of the audited page.
type IndexabilityResult struct {
	Indexable    bool
	Reason       string
	CanonicalURL string
}

const (
	reasonCanonicalised = "canonicalised"
	reasonBlocked       = "blocked"
	reasonInconclusive  = "inconclusive"
)

// ResolveIndexability combines the header and meta robots layers: a
// noindex in either makes the page non-indexable, and the reason echoes
// the directive and the layer that carried it. A canonical pointing
// elsewhere is reported but does not flip indexability.
func ResolveIndexability(in IndexabilityInput) IndexabilityResult {
	res := IndexabilityResult{Indexable: true}
	if tok, ok := noindexDirective(in.XRobotsTag); ok {
		res.Indexable = false
		res.Reason = "X-Robots-Tag: " + tok
	} else if tok, ok := noindexDirective(in.MetaRobots); ok {
		res.Indexable = false
		res.Reason = "meta robots: " + tok
	}
	if in.CanonicalURL != "" && !sameCanonical(in.CanonicalURL, in.PageURL) {
		res.CanonicalURL = in.CanonicalURL
		if res.Indexable {
			res.Reason = reasonCanonicalised
		}
	}
	return res
}

// noindexDirective returns the first token that forbids indexing, so
// the verdict can echo exactly what the page declared.
func noindexDirective(directives string) (string, bool) {
	for _, tok := range strings.FieldsFunc(strings.ToLower(directives), func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	}) {
		if tok == "noindex" || tok == "none" {
			return tok, true
		}
	}
	return "", false
}

// sameCanonical compares URLs ignoring scheme, trailing slash and
// fragment so that self-canonicals formatted slightly differently do
// not register as canonicalisation.
func sameCanonical(canonical, page string) bool {
	return canonicalKey(canonical) == canonicalKey(page)
}

func canonicalKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	key := host + path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}
