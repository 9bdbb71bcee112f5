package links

import (
	"net/url"
	"strings"
)

// Normalize canonicalises a URL for comparison: no fragment, no leading
// "www.", https when the scheme is missing. The result is a key, not
// something to fetch.
func Normalize(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}

	parsed.Fragment = ""
	parsed.Host = strings.ToLower(strings.TrimPrefix(parsed.Host, "www."))
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Path == "/" {
		parsed.Path = ""
	}
	return parsed.String()
}

// Visited records URLs in first-seen order, comparing normalized forms.
type Visited struct {
	seen map[string]bool
	urls []string
}

func NewVisited() *Visited {
	return &Visited{seen: make(map[string]bool)}
}

// Add returns false when an equivalent URL was already recorded.
func (v *Visited) Add(raw string) bool {
	key := Normalize(raw)
	if v.seen[key] {
		return false
	}
	v.seen[key] = true
	v.urls = append(v.urls, raw)
	return true
}

func (v *Visited) Has(raw string) bool {
	return v.seen[Normalize(raw)]
}

func (v *Visited) List() []string {
	out := make([]string, len(v.urls))
	copy(out, v.urls)
	return out
}

func (v *Visited) Len() int {
	return len(v.urls)
}
