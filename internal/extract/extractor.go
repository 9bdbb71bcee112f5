package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"harvester/internal/config"
	"harvester/internal/models"
)

var (
	reWhitespace = regexp.MustCompile(`\s+`)
	reEmailText  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
)

// Extractor is the per-source plugin. Absent fields come back empty; an
// extractor never fails on missing markup.
type Extractor interface {
	ExtractList(doc *goquery.Document, pageURL string) []models.RawRecord
	ExtractProfile(doc *goquery.Document, pageURL string) models.ProfileDetails
}

// SelectorExtractor reads records with the CSS selectors of one source.
type SelectorExtractor struct {
	cfg config.ExtractorConfig
}

func NewSelectorExtractor(cfg config.ExtractorConfig) *SelectorExtractor {
	if cfg.ProfileAttr == "" {
		cfg.ProfileAttr = "href"
	}
	if cfg.ProfileContact == "" {
		cfg.ProfileContact = `a[href^="mailto:"]`
	}
	return &SelectorExtractor{cfg: cfg}
}

func (x *SelectorExtractor) ExtractList(doc *goquery.Document, pageURL string) []models.RawRecord {
	var out []models.RawRecord
	doc.Find(x.cfg.Item).Each(func(_ int, item *goquery.Selection) {
		var rec models.RawRecord
		if x.cfg.Split != "" {
			text := normalizeText(item.Text())
			left, right, ok := strings.Cut(text, x.cfg.Split)
			if !ok {
				return
			}
			rec.LocationLabel, rec.Name = strings.TrimSpace(left), strings.TrimSpace(right)
			if x.cfg.SplitNameFirst {
				rec.LocationLabel, rec.Name = rec.Name, rec.LocationLabel
			}
		} else {
			rec.Name = firstText(item, x.cfg.Name)
			if x.cfg.Location != "" {
				rec.LocationLabel = normalizeText(item.Find(x.cfg.Location).First().Text())
			}
		}

		if x.cfg.Contact != "" {
			rec.ContactAddress = contactOf(item.Find(x.cfg.Contact).First())
		}
		if x.cfg.ProfileLink != "" {
			link := item
			if x.cfg.ProfileLink != "self" {
				link = item.Find(x.cfg.ProfileLink).First()
			}
			if v, ok := link.Attr(x.cfg.ProfileAttr); ok {
				rec.ProfileLink = strings.TrimSpace(v)
			}
		}

		if rec.Name == "" && rec.LocationLabel == "" && rec.ContactAddress == "" {
			return
		}
		out = append(out, rec)
	})
	return out
}

// ExtractProfile looks for a mailto link first, then scans the readable
// text and finally the whole body for something shaped like an address.
func (x *SelectorExtractor) ExtractProfile(doc *goquery.Document, pageURL string) models.ProfileDetails {
	if c := contactOf(doc.Find(x.cfg.ProfileContact).First()); c != "" {
		return models.ProfileDetails{ContactAddress: c}
	}
	if !x.cfg.ScanProfileText {
		return models.ProfileDetails{}
	}
	if text, err := readableText(doc, pageURL); err == nil {
		if m := reEmailText.FindString(text); m != "" {
			return models.ProfileDetails{ContactAddress: m}
		}
	}
	if m := reEmailText.FindString(doc.Find("body").Text()); m != "" {
		return models.ProfileDetails{ContactAddress: m}
	}
	return models.ProfileDetails{}
}

// firstText tries each selector in turn; the first with text wins and all
// of its matches are joined, so split first/last name headers read as one.
func firstText(item *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		var parts []string
		item.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if t := normalizeText(s.Text()); t != "" {
				parts = append(parts, t)
			}
		})
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return ""
}

func contactOf(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	if href, ok := s.Attr("href"); ok && strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "mailto:") {
		return strings.TrimSpace(href)
	}
	return normalizeText(s.Text())
}

func readableText(doc *goquery.Document, pageURL string) (string, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	html, err := doc.Html()
	if err != nil {
		return "", err
	}
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err != nil {
		return "", err
	}
	content, err := goquery.NewDocumentFromReader(strings.NewReader(addSpacesBeforeParsing(article.Content)))
	if err != nil {
		return "", err
	}
	return normalizeText(content.Text()), nil
}

var blockTags = regexp.MustCompile(`</?(div|p|br|li|td|tr|h[1-6])\b[^>]*>`)

// addSpacesBeforeParsing keeps words from adjacent blocks apart once tags
// are stripped.
func addSpacesBeforeParsing(html string) string {
	return blockTags.ReplaceAllStringFunc(html, func(tag string) string {
		return " " + tag + " "
	})
}

func normalizeText(text string) string {
	text = reWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
