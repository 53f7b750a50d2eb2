// Package extract turns raw HTML into the signal bundle the rule
// engine consumes. Both fetch strategies share it so a page is judged
// identically however it was retrieved.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rankwell/siteaudit/internal/audit"
)

// nonContentSelectors are stripped before counting words so chrome
// (navigation, footers) does not inflate thin pages.
const nonContentSelectors = "script, style, noscript, nav, header, footer"

// Signals parses body and fills the extraction-derived fields of a
// PageSignals: title, meta description, h1, link partitions, images,
// and word count. Transport fields (status, content type, timing) are
// the caller's responsibility.
func Signals(finalURL string, body []byte) (audit.PageSignals, error) {
	base, err := url.Parse(finalURL)
	if err != nil {
		return audit.PageSignals{}, fmt.Errorf("parse final url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return audit.PageSignals{}, fmt.Errorf("parse html: %w", err)
	}

	s := audit.PageSignals{URL: finalURL}
	s.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find("meta[name='description']").Attr("content"); ok {
		s.MetaDescription = strings.TrimSpace(desc)
	}
	s.H1 = strings.TrimSpace(doc.Find("h1").First().Text())

	collectLinks(doc, base, &s)
	collectImages(doc, &s)
	s.WordCount = countWords(doc)

	return s, nil
}

// collectLinks partitions anchors into internal and external by host
// and counts hrefs that cannot be resolved as broken. Anchor-only and
// non-http links (mailto:, tel:, javascript:) are skipped silently.
func collectLinks(doc *goquery.Document, base *url.URL, s *audit.PageSignals) {
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if hasSkippableScheme(href) {
			return
		}
		resolved, err := audit.ResolveRef(base, href)
		if err != nil {
			s.BrokenLinks++
			return
		}
		target, err := url.Parse(resolved)
		if err != nil {
			s.BrokenLinks++
			return
		}
		if audit.SameOrigin(base, target) {
			s.InternalLinks = append(s.InternalLinks, resolved)
		} else {
			s.ExternalLinks = append(s.ExternalLinks, resolved)
		}
	})
}

func hasSkippableScheme(href string) bool {
	lower := strings.ToLower(href)
	for _, prefix := range []string{"mailto:", "tel:", "javascript:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func collectImages(doc *goquery.Document, s *audit.PageSignals) {
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		alt, _ := sel.Attr("alt")
		s.Images = append(s.Images, audit.ImageSignal{
			Src: strings.TrimSpace(src),
			Alt: strings.TrimSpace(alt),
		})
	})
}

// countWords counts whitespace-separated tokens in the visible body
// text after removing non-content elements. It must run after the
// other extractors because it prunes the parsed tree.
func countWords(doc *goquery.Document) int {
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return len(strings.Fields(doc.Text()))
	}
	body.Find(nonContentSelectors).Remove()
	return len(strings.Fields(body.Text()))
}
