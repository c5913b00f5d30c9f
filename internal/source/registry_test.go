package source

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

type namedSource struct {
	crawler.Source
	name string
}

func (s namedSource) Name() string { return s.name }

func TestRegistryResolvesByHostKey(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register([]string{"https://www.example.com/"}, func() crawler.Source {
		return namedSource{name: "example"}
	}))

	for _, u := range []string{
		"https://example.com/novel/a.html",
		"https://WWW.EXAMPLE.COM/novel/b.html",
		"http://www.example.com",
	} {
		src, err := reg.Resolve(u)
		require.NoError(t, err, u)
		require.Equal(t, "example", src.Name())
	}
	require.Equal(t, []string{"example.com"}, reg.Hosts())
}

func TestRegistryUnknownHost(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_, err := reg.Resolve("https://unknown.example/novel")
	require.ErrorIs(t, err, crawler.ErrNoSource)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	factory := func() crawler.Source { return namedSource{name: "a"} }
	require.NoError(t, reg.Register([]string{"example.com"}, factory))
	require.Error(t, reg.Register([]string{"www.example.com"}, factory))
	require.Error(t, reg.Register([]string{"other.com"}, nil))
}
