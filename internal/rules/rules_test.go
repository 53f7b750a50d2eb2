package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rankwell/siteaudit/internal/audit"
)

// healthySignals passes every rule.
func healthySignals() audit.PageSignals {
	return audit.PageSignals{
		URL:             "https://example.com/",
		Title:           "A perfectly sized page title for testing",
		MetaDescription: strings.Repeat("Concise summary of the page content. ", 3),
		H1:              "A reasonable heading",
		Images:          []audit.ImageSignal{{Src: "/hero.png", Alt: "hero"}},
		WordCount:       500,
	}
}

func TestEvaluateHealthyPage(t *testing.T) {
	t.Parallel()

	issues := Evaluate(healthySignals())
	require.Equal(t, 0, issues.Summary().Total)
}

// TestEvaluateBarePage pins the exact classification for a page with no
// title, no meta description, no h1, two images missing alt text, and a
// thin body: one critical, three errors, one warning, zero info.
func TestEvaluateBarePage(t *testing.T) {
	t.Parallel()

	s := audit.PageSignals{
		URL: "https://example.com/bare",
		Images: []audit.ImageSignal{
			{Src: "/a.png"},
			{Src: "/b.png"},
		},
		WordCount: 250,
	}
	issues := Evaluate(s)
	sum := issues.Summary()

	require.Equal(t, 1, sum.Critical)
	require.Equal(t, 3, sum.Error)
	require.Equal(t, 1, sum.Warning)
	require.Equal(t, 0, sum.Info)
	require.Equal(t, 5, sum.Total)

	require.Equal(t, "title-missing", issues.Critical[0].Rule)
	require.Equal(t, "meta-description-missing", issues.Error[0].Rule)
	require.Equal(t, "h1-missing", issues.Error[1].Rule)
	require.Equal(t, "images-missing-alt", issues.Error[2].Rule)
	require.Equal(t, "2 images missing alt text", issues.Error[2].Detail)
	require.Equal(t, "low-word-count", issues.Warning[0].Rule)
}

// TestEvaluateLengthRulesSkipMissingFields ensures the too-short checks
// only fire when the field is present; the missing rule covers absence.
func TestEvaluateLengthRulesSkipMissingFields(t *testing.T) {
	t.Parallel()

	s := healthySignals()
	s.Title = ""
	s.MetaDescription = ""
	s.H1 = ""
	issues := Evaluate(s)

	for _, iss := range issues.Warning {
		require.NotEqual(t, "title-too-short", iss.Rule)
		require.NotEqual(t, "meta-description-too-short", iss.Rule)
	}
	require.Empty(t, issues.Info)
}

func TestEvaluateLengthBounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*audit.PageSignals)
		rule   string
	}{
		{"short title", func(s *audit.PageSignals) { s.Title = "Tiny" }, "title-too-short"},
		{"long title", func(s *audit.PageSignals) { s.Title = strings.Repeat("x", 61) }, "title-too-long"},
		{"short meta", func(s *audit.PageSignals) { s.MetaDescription = "Too brief." }, "meta-description-too-short"},
		{"long meta", func(s *audit.PageSignals) { s.MetaDescription = strings.Repeat("y", 161) }, "meta-description-too-long"},
		{"short h1", func(s *audit.PageSignals) { s.H1 = "Hi" }, "h1-too-short"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := healthySignals()
			tc.mutate(&s)
			issues := Evaluate(s)

			found := false
			for _, bucket := range [][]audit.Issue{issues.Critical, issues.Error, issues.Warning, issues.Info} {
				for _, iss := range bucket {
					if iss.Rule == tc.rule {
						found = true
					}
				}
			}
			require.True(t, found, "expected rule %s to fire", tc.rule)
		})
	}
}

// TestEvaluateRuneLengths verifies thresholds count runes, not bytes.
func TestEvaluateRuneLengths(t *testing.T) {
	t.Parallel()

	s := healthySignals()
	s.Title = strings.Repeat("ü", 12) // 24 bytes, 12 runes
	issues := Evaluate(s)
	for _, iss := range issues.Warning {
		require.NotEqual(t, "title-too-short", iss.Rule)
	}
}

// TestEvaluateDeterministic asserts identical input produces an
// identical issue list on every call.
func TestEvaluateDeterministic(t *testing.T) {
	t.Parallel()

	s := audit.PageSignals{
		Title:     "Short",
		WordCount: 10,
		Images:    []audit.ImageSignal{{Src: "/x.png"}},
	}
	first := Evaluate(s)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, Evaluate(s))
	}
}

func TestNamesStable(t *testing.T) {
	t.Parallel()

	names := Names()
	require.Equal(t, []string{
		"title-missing",
		"title-too-short",
		"title-too-long",
		"meta-description-missing",
		"meta-description-too-short",
		"meta-description-too-long",
		"h1-missing",
		"h1-too-short",
		"images-missing-alt",
		"low-word-count",
	}, names)
}
