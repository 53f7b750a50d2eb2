// Package rules evaluates SEO issue rules against the signal bundle of
// a single page. Evaluation is pure and deterministic: no I/O, and the
// same signals always produce the same issue list in the same order.
package rules

import (
	"fmt"
	"unicode/utf8"

	"github.com/rankwell/siteaudit/internal/audit"
)

// Title, meta description, h1, and body thresholds. Lengths are in
// runes so multibyte titles are judged by what a reader sees.
const (
	MinTitleLen    = 10
	MaxTitleLen    = 60
	MinMetaDescLen = 50
	MaxMetaDescLen = 160
	MinH1Len       = 10
	MinWordCount   = 300
)

// Rule is one independent predicate over a page's signals. Check
// returns whether the rule fires and the human-readable detail.
type Rule struct {
	Name     string
	Severity audit.Severity
	Check    func(s audit.PageSignals) (bool, string)
}

// ruleSet is the ordered rule list. New rules are appended at the end;
// existing entries are never reordered, so issue output stays stable
// across versions.
var ruleSet = []Rule{
	{
		Name:     "title-missing",
		Severity: audit.SeverityCritical,
		Check: func(s audit.PageSignals) (bool, string) {
			return s.Title == "", "page has no <title> tag"
		},
	},
	{
		Name:     "title-too-short",
		Severity: audit.SeverityWarning,
		Check: func(s audit.PageSignals) (bool, string) {
			n := utf8.RuneCountInString(s.Title)
			return s.Title != "" && n < MinTitleLen,
				fmt.Sprintf("title is %d characters, minimum is %d", n, MinTitleLen)
		},
	},
	{
		Name:     "title-too-long",
		Severity: audit.SeverityWarning,
		Check: func(s audit.PageSignals) (bool, string) {
			n := utf8.RuneCountInString(s.Title)
			return n > MaxTitleLen,
				fmt.Sprintf("title is %d characters, maximum is %d", n, MaxTitleLen)
		},
	},
	{
		Name:     "meta-description-missing",
		Severity: audit.SeverityError,
		Check: func(s audit.PageSignals) (bool, string) {
			return s.MetaDescription == "", "page has no meta description"
		},
	},
	{
		Name:     "meta-description-too-short",
		Severity: audit.SeverityWarning,
		Check: func(s audit.PageSignals) (bool, string) {
			n := utf8.RuneCountInString(s.MetaDescription)
			return s.MetaDescription != "" && n < MinMetaDescLen,
				fmt.Sprintf("meta description is %d characters, minimum is %d", n, MinMetaDescLen)
		},
	},
	{
		Name:     "meta-description-too-long",
		Severity: audit.SeverityWarning,
		Check: func(s audit.PageSignals) (bool, string) {
			n := utf8.RuneCountInString(s.MetaDescription)
			return n > MaxMetaDescLen,
				fmt.Sprintf("meta description is %d characters, maximum is %d", n, MaxMetaDescLen)
		},
	},
	{
		Name:     "h1-missing",
		Severity: audit.SeverityError,
		Check: func(s audit.PageSignals) (bool, string) {
			return s.H1 == "", "page has no <h1> heading"
		},
	},
	{
		Name:     "h1-too-short",
		Severity: audit.SeverityInfo,
		Check: func(s audit.PageSignals) (bool, string) {
			n := utf8.RuneCountInString(s.H1)
			return s.H1 != "" && n < MinH1Len,
				fmt.Sprintf("h1 is %d characters, minimum is %d", n, MinH1Len)
		},
	},
	{
		Name:     "images-missing-alt",
		Severity: audit.SeverityError,
		Check: func(s audit.PageSignals) (bool, string) {
			n := s.MissingAltCount()
			return n > 0, fmt.Sprintf("%d images missing alt text", n)
		},
	},
	{
		Name:     "low-word-count",
		Severity: audit.SeverityWarning,
		Check: func(s audit.PageSignals) (bool, string) {
			return s.WordCount < MinWordCount,
				fmt.Sprintf("page has %d words, minimum is %d", s.WordCount, MinWordCount)
		},
	},
}

// Evaluate runs every rule against the signals and returns the fired
// issues grouped by severity.
func Evaluate(s audit.PageSignals) audit.IssueList {
	var out audit.IssueList
	for _, r := range ruleSet {
		fired, detail := r.Check(s)
		if !fired {
			continue
		}
		out.Append(audit.Issue{Rule: r.Name, Severity: r.Severity, Detail: detail})
	}
	return out
}

// Names lists the registered rule names in evaluation order.
func Names() []string {
	names := make([]string, len(ruleSet))
	for i, r := range ruleSet {
		names[i] = r.Name
	}
	return names
}
