package extract

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"harvester/internal/errs"
	"harvester/internal/links"
	"harvester/internal/models"
	"harvester/internal/politeness"
	"harvester/internal/retry"
	"harvester/internal/session"
)

var tracer = otel.Tracer("harvester/extract")

type Waiter interface {
	Wait(ctx context.Context, source string)
}

// Pipeline runs an Extractor against views of one source.
type Pipeline struct {
	Source         string
	Extractor      Extractor
	Polite         Waiter
	Retry          *retry.Controller
	MaxAttempts    int
	ProfileTimeout time.Duration
	Robots         *politeness.Robots
	Logger         *slog.Logger
}

type EnrichStats struct {
	Attempted int
	Enriched  int
	Failed    int
	Cached    int
	Blocked   int
}

// List extracts the records currently visible in view. Relative profile
// links are resolved against the view URL and listing addresses are
// attributed to it. An empty result is reported as *errs.ExtractionMismatch
// together with the (empty) records.
func (p *Pipeline) List(ctx context.Context, view session.Page, page int) ([]models.RawRecord, error) {
	html, err := view.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("extract: read view: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("extract: parse view: %w", err)
	}

	pageURL := view.URL()
	records, err := p.safeList(doc, pageURL)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &errs.ExtractionMismatch{Source: p.Source, URL: pageURL, Page: page}
	}

	base, _ := url.Parse(pageURL)
	for i := range records {
		if records[i].ProfileLink != "" {
			records[i].ProfileLink = resolve(base, records[i].ProfileLink)
		}
		if records[i].ContactAddress != "" && records[i].ContactSource == "" {
			records[i].ContactSource = pageURL
		}
	}
	return records, nil
}

// FromCache fills the address of raw from an earlier profile visit. ok is
// false when the profile has not been visited yet.
func FromCache(raw models.RawRecord, cache map[string]string) (models.RawRecord, bool) {
	if raw.ContactAddress != "" || raw.ProfileLink == "" {
		return raw, false
	}
	addr, ok := cache[links.Normalize(raw.ProfileLink)]
	if ok && addr != "" {
		raw.ContactAddress = addr
		raw.ContactSource = raw.ProfileLink
	}
	return raw, ok
}

// Enrich fetches profile pages for records that carry a link but no
// address. It is sequential and never fails: a record whose profile
// cannot be read keeps an absent address. cache maps normalized profile
// links to the address found there, empty when none was.
func (p *Pipeline) Enrich(ctx context.Context, sess *session.Session, records []models.RawRecord, cache map[string]string) ([]models.RawRecord, EnrichStats) {
	var stats EnrichStats
	out := make([]models.RawRecord, len(records))
	copy(out, records)

	for i := range out {
		rec := &out[i]
		if rec.ContactAddress != "" || rec.ProfileLink == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		key := links.Normalize(rec.ProfileLink)
		if cached, ok := FromCache(*rec, cache); ok {
			stats.Cached++
			*rec = cached
			continue
		}
		if !p.Robots.Allowed(rec.ProfileLink) {
			stats.Blocked++
			p.logger().InfoContext(ctx, "profile disallowed by robots.txt", "source", p.Source, "url", rec.ProfileLink)
			continue
		}

		stats.Attempted++
		addr, err := p.fetchProfile(ctx, sess, rec.ProfileLink)
		if err != nil {
			stats.Failed++
			p.logger().WarnContext(ctx, "profile enrichment failed",
				"source", p.Source, "name", rec.Name, "url", rec.ProfileLink, "error", err)
			cache[key] = ""
			continue
		}
		cache[key] = addr
		if addr != "" {
			stats.Enriched++
			rec.ContactAddress = addr
			rec.ContactSource = rec.ProfileLink
		}
	}
	return out, stats
}

func (p *Pipeline) fetchProfile(ctx context.Context, sess *session.Session, link string) (addr string, err error) {
	ctx, span := tracer.Start(ctx, "extract.profile")
	span.SetAttributes(attribute.String("source", p.Source), attribute.String("url", link))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	view, err := sess.NewView(ctx)
	if err != nil {
		return "", err
	}
	defer view.Close()

	err = p.retry().Do(ctx, func(ctx context.Context) error {
		if p.Polite != nil {
			p.Polite.Wait(ctx, p.Source)
		}
		navCtx := ctx
		if p.ProfileTimeout > 0 {
			var cancel context.CancelFunc
			navCtx, cancel = context.WithTimeout(ctx, p.ProfileTimeout)
			defer cancel()
		}
		return view.Navigate(navCtx, link)
	}, p.MaxAttempts, retry.IsRateLimited)
	if err != nil {
		return "", err
	}

	html, err := view.HTML(ctx)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	details, err := p.safeProfile(doc, view.URL())
	if err != nil {
		return "", err
	}
	return details.ContactAddress, nil
}

func (p *Pipeline) safeList(doc *goquery.Document, pageURL string) (records []models.RawRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract: extractor panicked on %s: %v", pageURL, r)
		}
	}()
	return p.Extractor.ExtractList(doc, pageURL), nil
}

func (p *Pipeline) safeProfile(doc *goquery.Document, pageURL string) (details models.ProfileDetails, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract: profile extractor panicked on %s: %v", pageURL, r)
		}
	}()
	return p.Extractor.ExtractProfile(doc, pageURL), nil
}

func (p *Pipeline) retry() *retry.Controller {
	if p.Retry == nil {
		return retry.New(time.Second, p.logger())
	}
	return p.Retry
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func resolve(base *url.URL, link string) string {
	ref, err := url.Parse(link)
	if err != nil || base == nil {
		return link
	}
	return base.ResolveReference(ref).String()
}
