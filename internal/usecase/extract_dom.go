package usecase

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// Match is one link candidate referencing the target domain.
type Match struct {
	URL       string
	Rel       []string
	OuterHTML string
	Origin    string
}

// Candidate origins, in the order the DOM pass enumerates carriers.
const (
	originAnchor    = "anchor"
	originAnchorImg = "anchor-img"
	originArea      = "area"
	originSVG       = "svg"
	originForm      = "form"
	originData      = "data-attr"
	originHandler   = "handler"
	originScript    = "script"
)

// PageFacts are the document-level signals the indexability step needs.
type PageFacts struct {
	CanonicalURL string
	MetaRobots   string
	BaseURL      string
}

var urlLiteralRe = regexp.MustCompile(`https?://[^\s"'<>\\)]+`)

// ExtractFromDOM parses rendered HTML and returns every candidate whose
// host belongs to the target domain, together with the page facts.
// Carriers: anchors, image maps, SVG links, images inside anchors,
// form actions, data-href/data-url/data-link attributes, inline event
// handlers, and URL literals in inline script bodies.
func ExtractFromDOM(htmlSrc, docURL, target string) ([]Match, PageFacts) {
	doc, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return nil, PageFacts{BaseURL: docURL}
	}

	facts := PageFacts{BaseURL: docURL}
	var matches []Match
	var walk func(n *html.Node, inSVG bool)
	walk = func(n *html.Node, inSVG bool) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "base":
				if href := attr(n, "href"); href != "" && facts.BaseURL == docURL {
					if resolved := resolveURL(docURL, href); resolved != "" {
						facts.BaseURL = resolved
					}
				}
			case "link":
				if strings.EqualFold(attr(n, "rel"), "canonical") {
					facts.CanonicalURL = resolveURL(facts.BaseURL, attr(n, "href"))
				}
			case "meta":
				if strings.EqualFold(attr(n, "name"), "robots") {
					facts.MetaRobots = attr(n, "content")
				}
			case "a":
				origin := originAnchor
				if inSVG {
					origin = originSVG
				}
				href := attr(n, "href")
				if href == "" {
					href = xlinkHref(n)
				}
				rel := relTokens(attr(n, "rel"))
				if m, ok := candidate(facts.BaseURL, target, href, rel, outerHTML(n), origin); ok {
					matches = append(matches, m)
				}
				// An image sourced from the target domain inside an
				// anchor is a link carrier in its own right, even when
				// the anchor points elsewhere.
				for _, src := range anchorImageSources(n) {
					if m, ok := candidate(facts.BaseURL, target, src, rel, outerHTML(n), originAnchorImg); ok {
						matches = append(matches, m)
					}
				}
			case "area":
				if m, ok := candidate(facts.BaseURL, target, attr(n, "href"), relTokens(attr(n, "rel")), outerHTML(n), originArea); ok {
					matches = append(matches, m)
				}
			case "form":
				if m, ok := candidate(facts.BaseURL, target, attr(n, "action"), nil, outerHTML(n), originForm); ok {
					matches = append(matches, m)
				}
			case "svg":
				inSVG = true
			case "script":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					for _, raw := range urlLiteralRe.FindAllString(n.FirstChild.Data, -1) {
						if m, ok := candidate(facts.BaseURL, target, raw, nil, scriptStub(raw), originScript); ok {
							matches = append(matches, m)
						}
					}
				}
			}

			// Carriers that can sit on any element.
			for _, a := range n.Attr {
				switch {
				case a.Key == "data-href" || a.Key == "data-url" || a.Key == "data-link":
					if m, ok := candidate(facts.BaseURL, target, a.Val, nil, attrStub(n.Data, a.Key, a.Val), originData); ok {
						matches = append(matches, m)
					}
				case strings.HasPrefix(a.Key, "on"):
					for _, raw := range urlLiteralRe.FindAllString(a.Val, -1) {
						if m, ok := candidate(facts.BaseURL, target, raw, nil, attrStub(n.Data, a.Key, a.Val), originHandler); ok {
							matches = append(matches, m)
						}
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inSVG)
		}
	}
	walk(doc, false)
	return matches, facts
}

func candidate(base, target, rawURL string, rel []string, outer, origin string) (Match, bool) {
	resolved := resolveURL(base, rawURL)
	if resolved == "" {
		return Match{}, false
	}
	u, err := url.Parse(resolved)
	if err != nil || !domain.HostMatchesTarget(u.Hostname(), target) {
		return Match{}, false
	}
	return Match{URL: resolved, Rel: rel, OuterHTML: outer, Origin: origin}, true
}

func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "mailto:") || strings.HasPrefix(ref, "#") {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}

func relTokens(rel string) []string {
	fields := strings.FieldsFunc(strings.ToLower(rel), func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	return fields
}

// anchorImageSources collects the src of every img below the anchor.
func anchorImageSources(a *html.Node) []string {
	var srcs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			if src := attr(n, "src"); src != "" {
				srcs = append(srcs, src)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := a.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return srcs
}

// xlinkHref finds an SVG link target; the parser namespaces xlink
// attributes inside foreign content.
func xlinkHref(n *html.Node) string {
	for _, a := range n.Attr {
		if a.Key == "href" && a.Namespace == "xlink" {
			return a.Val
		}
		if a.Key == "xlink:href" {
			return a.Val
		}
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func outerHTML(n *html.Node) string {
	var b strings.Builder
	_ = html.Render(&b, n)
	return b.String()
}

func scriptStub(u string) string {
	return `<script data-origin="inline">` + u + `</script>`
}

func attrStub(elem, key, val string) string {
	return "<" + elem + " " + key + `="` + val + `">`
}
