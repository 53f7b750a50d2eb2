package audit

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCanonicalURL covers scheme/host lowering, default-port stripping,
// fragment removal, and query sorting.
func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase host", "https://Example.COM/Path", "https://example.com/Path"},
		{"strip default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strip default http port", "http://example.com:80/a", "http://example.com/a"},
		{"keep custom port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"drop fragment", "https://example.com/a#section", "https://example.com/a"},
		{"empty path becomes slash", "https://example.com", "https://example.com/"},
		{"sort query params", "https://example.com/?b=2&a=1", "https://example.com/?a=1&b=2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := CanonicalURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

// TestCanonicalURLRejectsNonHTTP ensures mailto/javascript/relative
// inputs fail instead of poisoning the frontier.
func TestCanonicalURLRejectsNonHTTP(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"mailto:a@example.com", "javascript:void(0)", "/relative/only", "ftp://example.com/x", "://bad"} {
		_, err := CanonicalURL(in)
		require.Error(t, err, "input %q", in)
	}
}

func TestResolveRef(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/blog/post")
	require.NoError(t, err)

	got, err := ResolveRef(base, "../about")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/about", got)

	got, err = ResolveRef(base, "https://other.com/x")
	require.NoError(t, err)
	require.Equal(t, "https://other.com/x", got)

	_, err = ResolveRef(base, "mailto:team@example.com")
	require.Error(t, err)

	_, err = ResolveRef(base, "")
	require.Error(t, err)
}

func TestSameOrigin(t *testing.T) {
	t.Parallel()

	a, _ := url.Parse("https://example.com/a")
	b, _ := url.Parse("http://EXAMPLE.com:8080/b")
	c, _ := url.Parse("https://sub.example.com/")

	require.True(t, SameOrigin(a, b))
	require.False(t, SameOrigin(a, c))
	require.False(t, SameOrigin(a, nil))
}
