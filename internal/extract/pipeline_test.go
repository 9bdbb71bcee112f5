package extract_test

import (
	"context"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"harvester/internal/config"
	"harvester/internal/errs"
	"harvester/internal/extract"
	"harvester/internal/logger"
	"harvester/internal/models"
	"harvester/internal/politeness"
	"harvester/internal/retry"
	"harvester/internal/session"
	"harvester/internal/session/sessiontest"
)

const listing = `<ul>
	<li><b>Alice</b><i>Riding A</i><a href="/people/alice">Profile</a></li>
	<li><b>Bob</b><i>Riding B</i><a href="https://other.example/bob">Profile</a></li>
	<li><b>Carol</b><i>Riding C</i><span class="mail">carol@example.ca</span></li>
</ul>`

func listExtractor() extract.Extractor {
	return extract.NewSelectorExtractor(config.ExtractorConfig{
		Item: "li", Name: []string{"b"}, Location: "i", Contact: ".mail", ProfileLink: "a",
	})
}

func openSession(t *testing.T, engine *sessiontest.Engine) *session.Session {
	t.Helper()
	sess, err := session.NewManager(engine, "TestBot/1.0", logger.Discard()).Open(context.Background(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func newPipeline(x extract.Extractor) *extract.Pipeline {
	return &extract.Pipeline{
		Source:         "test",
		Extractor:      x,
		Retry:          retry.New(time.Millisecond, logger.Discard()),
		MaxAttempts:    3,
		ProfileTimeout: time.Second,
		Logger:         logger.Discard(),
	}
}

func TestListResolvesLinksAndAttributesContacts(t *testing.T) {
	engine := sessiontest.New().Page("https://a.example/list", listing)
	sess := openSession(t, engine)
	v, err := sess.NewView(context.Background())
	require.NoError(t, err)
	require.NoError(t, v.Navigate(context.Background(), "https://a.example/list"))

	recs, err := newPipeline(listExtractor()).List(context.Background(), v, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "https://a.example/people/alice", recs[0].ProfileLink)
	require.Equal(t, "https://other.example/bob", recs[1].ProfileLink)
	require.Equal(t, "carol@example.ca", recs[2].ContactAddress)
	require.Equal(t, "https://a.example/list", recs[2].ContactSource)
	require.Empty(t, recs[0].ContactSource)
}

func TestListReportsMismatch(t *testing.T) {
	engine := sessiontest.New().Page("https://a.example/empty", `<p>Nothing yet</p>`)
	sess := openSession(t, engine)
	v, err := sess.NewView(context.Background())
	require.NoError(t, err)
	require.NoError(t, v.Navigate(context.Background(), "https://a.example/empty"))

	_, err = newPipeline(listExtractor()).List(context.Background(), v, 2)
	var mismatch *errs.ExtractionMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, 2, mismatch.Page)
	require.Equal(t, "https://a.example/empty", mismatch.URL)
}

type panicky struct{}

func (panicky) ExtractList(*goquery.Document, string) []models.RawRecord { panic("bad markup") }
func (panicky) ExtractProfile(*goquery.Document, string) models.ProfileDetails {
	panic("bad profile")
}

func TestListRecoversExtractorPanic(t *testing.T) {
	engine := sessiontest.New().Page("https://a.example/list", listing)
	sess := openSession(t, engine)
	v, err := sess.NewView(context.Background())
	require.NoError(t, err)
	require.NoError(t, v.Navigate(context.Background(), "https://a.example/list"))

	_, err = newPipeline(panicky{}).List(context.Background(), v, 0)
	require.ErrorContains(t, err, "panicked")
}

func TestEnrichFillsMissingContacts(t *testing.T) {
	engine := sessiontest.New().
		Add("https://a.example/people/alice", &sessiontest.Site{
			HTML:      `<a href="mailto:alice@example.ca">Email</a>`,
			Transient: 2,
		}).
		Add("https://other.example/bob", &sessiontest.Site{Status: 404})
	sess := openSession(t, engine)

	recs := []models.RawRecord{
		{Name: "Alice", LocationLabel: "A", ProfileLink: "https://a.example/people/alice"},
		{Name: "Bob", LocationLabel: "B", ProfileLink: "https://other.example/bob"},
		{Name: "Carol", LocationLabel: "C", ContactAddress: "carol@example.ca", ContactSource: "https://a.example/list"},
		{Name: "Dan", LocationLabel: "D"},
	}
	cache := map[string]string{}
	out, stats := newPipeline(listExtractor()).Enrich(context.Background(), sess, recs, cache)

	require.Equal(t, "mailto:alice@example.ca", out[0].ContactAddress)
	require.Equal(t, "https://a.example/people/alice", out[0].ContactSource)
	require.Empty(t, out[1].ContactAddress)
	require.Equal(t, "carol@example.ca", out[2].ContactAddress)
	require.Empty(t, out[3].ContactAddress)
	require.Empty(t, recs[0].ContactAddress, "input slice is left untouched")

	require.Equal(t, extract.EnrichStats{Attempted: 2, Enriched: 1, Failed: 1}, stats)
	require.Equal(t, 0, sess.LiveViews())
	require.Equal(t, 2, sess.ViewsOpened())
	// alice: two 429s then success; bob: one 404
	require.Len(t, engine.Navigations(), 4)
}

func TestEnrichUsesCache(t *testing.T) {
	engine := sessiontest.New().Page("https://a.example/p/alice", `<a href="mailto:alice@example.ca">Email</a>`)
	sess := openSession(t, engine)
	p := newPipeline(listExtractor())
	cache := map[string]string{"https://a.example/p/gone": ""}

	recs := []models.RawRecord{
		{Name: "Alice", ProfileLink: "https://a.example/p/alice"},
		{Name: "Alice again", ProfileLink: "https://www.a.example/p/alice#bio"},
		{Name: "Ghost", ProfileLink: "https://a.example/p/gone"},
	}
	out, stats := p.Enrich(context.Background(), sess, recs, cache)

	require.Equal(t, "mailto:alice@example.ca", out[1].ContactAddress)
	require.Empty(t, out[2].ContactAddress)
	require.Equal(t, 1, stats.Attempted)
	require.Equal(t, 2, stats.Cached)
	require.Equal(t, []string{"https://a.example/p/alice"}, engine.Navigations())
}

func TestEnrichRespectsRobots(t *testing.T) {
	engine := sessiontest.New().Page("https://a.example/private/alice", `<a href="mailto:alice@example.ca">Email</a>`)
	sess := openSession(t, engine)
	robots, err := politeness.ParseRobots([]byte("User-agent: *\nDisallow: /private/\n"), "TestBot/1.0")
	require.NoError(t, err)

	p := newPipeline(listExtractor())
	p.Robots = robots
	out, stats := p.Enrich(context.Background(), sess, []models.RawRecord{{Name: "Alice", ProfileLink: "https://a.example/private/alice"}}, map[string]string{})

	require.Empty(t, out[0].ContactAddress)
	require.Equal(t, 1, stats.Blocked)
	require.Empty(t, engine.Navigations())
}

func TestEnrichSurvivesProfilePanic(t *testing.T) {
	engine := sessiontest.New().Page("https://a.example/p/alice", `<p>hi</p>`)
	sess := openSession(t, engine)

	out, stats := newPipeline(panicky{}).Enrich(context.Background(), sess, []models.RawRecord{{Name: "Alice", ProfileLink: "https://a.example/p/alice"}}, map[string]string{})
	require.Empty(t, out[0].ContactAddress)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 0, sess.LiveViews())
}

func TestEnrichWaitsBeforeEveryProfileNavigation(t *testing.T) {
	engine := sessiontest.New().
		Add("https://a.example/people/alice", &sessiontest.Site{
			HTML:      `<a href="mailto:alice@example.ca">Email</a>`,
			Transient: 1,
		}).
		Add("https://a.example/people/4291", &sessiontest.Site{Status: 404})
	sess := openSession(t, engine)

	polite := politeness.NewScheduler(0, 0, logger.Discard())
	p := newPipeline(listExtractor())
	p.Polite = polite
	recs := []models.RawRecord{
		{Name: "Alice", LocationLabel: "A", ProfileLink: "https://a.example/people/alice"},
		{Name: "Bob", LocationLabel: "B", ProfileLink: "https://a.example/people/4291"},
	}
	_, stats := p.Enrich(context.Background(), sess, recs, map[string]string{})

	require.Equal(t, 1, stats.Failed)
	// the dead link is tried once, the rate-limited one twice
	require.Len(t, engine.Navigations(), 3)
	require.Equal(t, 3, polite.Waits("test"))
}
