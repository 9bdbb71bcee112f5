package links_test

import (
	"testing"

	"harvester/internal/links"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"https://www.Example.ca/candidates#top": "https://example.ca/candidates",
		"//example.ca/a?page=2":                 "https://example.ca/a?page=2",
		"https://example.ca/":                   "https://example.ca",
		"  https://example.ca/b  ":              "https://example.ca/b",
	}
	for in, want := range cases {
		require.Equal(t, want, links.Normalize(in), in)
	}
}

func TestVisitedKeepsFirstSeenOrder(t *testing.T) {
	v := links.NewVisited()

	require.True(t, v.Add("https://example.ca/candidates"))
	require.True(t, v.Add("https://example.ca/candidates?page=2"))
	require.False(t, v.Add("https://www.example.ca/candidates#list"))
	require.True(t, v.Has("https://example.ca/candidates?page=2"))
	require.False(t, v.Has("https://example.ca/candidates?page=3"))

	require.Equal(t, []string{"https://example.ca/candidates", "https://example.ca/candidates?page=2"}, v.List())
	require.Equal(t, 2, v.Len())
}
