package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercases host and scheme", in: "HTTPS://WWW.FanMTL.com/novel/abc.html", want: "https://www.fanmtl.com/novel/abc.html"},
		{name: "strips fragment and trailing slash", in: " https://example.com/book/ #top", want: "https://example.com/book"},
		{name: "drops default port", in: "http://example.com:80/a", want: "http://example.com/a"},
		{name: "sorts query", in: "https://example.com/a?b=2&a=1", want: "https://example.com/a?a=1&b=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURLRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "ftp://example.com/x", "not a url", "https:///path"} {
		_, err := NormalizeURL(in)
		require.Error(t, err, in)
	}
}

func TestHostKeyStripsWWW(t *testing.T) {
	t.Parallel()

	key, err := HostKey("https://WWW.fanmtl.com/novel/x.html")
	require.NoError(t, err)
	require.Equal(t, "fanmtl.com", key)

	key, err = HostKey("fanmtl.com")
	require.NoError(t, err)
	require.Equal(t, "fanmtl.com", key)
}

func TestResolveReference(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://example.com/novel/ch-2.html",
		ResolveReference("https://example.com/novel/ch-1.html", "ch-2.html"))
	require.Equal(t, "https://cdn.example.com/c.jpg",
		ResolveReference("https://example.com/novel/", "//cdn.example.com/c.jpg"))
}
