package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"harvester/internal/config"
	"harvester/internal/dedupe"
	"harvester/internal/errs"
	"harvester/internal/extract"
	"harvester/internal/links"
	"harvester/internal/models"
	"harvester/internal/pagination"
	"harvester/internal/politeness"
	"harvester/internal/retry"
	"harvester/internal/session"
)

var tracer = otel.Tracer("harvester/app")

type State string

const (
	StateInit       State = "init"
	StateNavigating State = "navigating"
	StateExtracting State = "extracting"
	StatePaginating State = "paginating"
	StateDraining   State = "draining"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// harvestSession is the per-run bookkeeping. It never outlives Run.
type harvestSession struct {
	source  string
	runID   string
	started time.Time
	visited *links.Visited
	retries int
	cache   map[string]string
	states  []State
}

type Result struct {
	Summary models.RunSummary
	Records []models.CandidateRecord
	Visited []string
	States  []State
	// Partial is set when the run failed; Records then hold what was
	// admitted before the failure.
	Partial bool
	// Waits counts politeness waits taken for the source.
	Waits int
}

// Harvester runs one source from its start URL to exhaustion.
type Harvester struct {
	ID        string
	Source    config.SourceConfig
	Logic     config.LogicConfig
	Sessions  *session.Manager
	Extractor extract.Extractor
	// RobotsClient fetches robots.txt before the run; nil skips the check.
	RobotsClient *resty.Client
	Logger       *slog.Logger

	strategy pagination.Strategy
}

func NewHarvester(id string, src config.SourceConfig, logic config.LogicConfig, sessions *session.Manager, logger *slog.Logger) (*Harvester, error) {
	strategy, err := pagination.FromConfig(src.Pagination)
	if err != nil {
		return nil, fmt.Errorf("app: source %s: %w", id, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Harvester{
		ID:        id,
		Source:    src,
		Logic:     logic,
		Sessions:  sessions,
		Extractor: extract.NewSelectorExtractor(src.Extractor),
		Logger:    logger.With("source", id),
		strategy:  strategy,
	}, nil
}

// Run harvests the source. The session is released on every exit path,
// panics included. A failed run returns its partial Result together with
// a *errs.RunError.
func (h *Harvester) Run(ctx context.Context) (res *Result, err error) {
	hs := &harvestSession{
		source:  h.ID,
		runID:   uuid.NewString(),
		started: time.Now(),
		visited: links.NewVisited(),
		cache:   make(map[string]string),
	}
	log := h.Logger.With("run_id", hs.runID)
	ctx, span := tracer.Start(ctx, "harvest.run")
	span.SetAttributes(attribute.String("source", h.ID), attribute.String("run_id", hs.runID))
	defer span.End()

	dd := dedupe.New(dedupe.ParsePreference(h.Source.KeyPreference))
	polite := politeness.NewScheduler(h.Logic.Delay(), h.Logic.Jitter(), log)
	polite.SetFixed(h.ID, h.Source.FixedDelay())
	res = &Result{}
	var (
		warnings []string
		page     int
		stats    extract.EnrichStats
		views    int
	)
	finish := func(final State, runErr error) {
		hs.states = append(hs.states, final)
		res.Records = dd.Drain()
		res.Visited = hs.visited.List()
		res.States = hs.states
		res.Partial = runErr != nil
		res.Waits = polite.Waits(h.ID)
		res.Summary = models.RunSummary{
			RunID:          hs.runID,
			Source:         h.ID,
			State:          string(final),
			Pages:          page,
			Views:          views,
			Admitted:       dd.Len(),
			Suppressed:     dd.Suppressed(),
			Enriched:       stats.Enriched,
			EnrichFailures: stats.Failed,
			Retries:        hs.retries,
			NeedsReview:    countReview(res.Records),
			StartedAt:      hs.started.Unix(),
			Elapsed:        time.Since(hs.started),
			Warnings:       warnings,
		}
		if runErr != nil {
			res.Summary.ErrorMessage = runErr.Error()
			markFailed(span, runErr)
		}
	}
	enter := func(s State) {
		hs.states = append(hs.states, s)
		log.Debug("state", "state", s, "page", page)
	}
	fail := func(s State, cause error) error {
		runErr := &errs.RunError{Source: h.ID, RunID: hs.runID, State: string(s), Page: page, Err: cause}
		log.Error("harvest failed", "state", s, "page", page, "error", cause)
		return runErr
	}

	enter(StateInit)
	if h.strategy == nil {
		h.strategy = pagination.None{}
	}
	rc := retry.New(h.Logic.RetryBase(), log)
	rc.OnRetry = func(int, time.Duration, error) { hs.retries++ }

	var robots *politeness.Robots
	if h.RobotsClient != nil {
		robots = politeness.FetchRobots(ctx, h.RobotsClient, h.Source.StartURL, h.Logic.UserAgent, log)
		if d := robots.CrawlDelay(); d > 0 {
			polite.SetFloor(h.ID, d)
		}
	}

	enter(StateNavigating)
	if !robots.Allowed(h.Source.StartURL) {
		err = fail(StateNavigating, &errs.NavigationFailure{URL: h.Source.StartURL, Reason: "disallowed by robots.txt"})
		finish(StateFailed, err)
		return res, err
	}

	sess, err := h.Sessions.Open(ctx, h.ID)
	if err != nil {
		err = fail(StateNavigating, err)
		finish(StateFailed, err)
		return res, err
	}
	final := StateClosed
	var runErr error
	defer func() {
		views = sess.ViewsOpened()
		if cerr := sess.Close(); cerr != nil {
			log.Warn("session close failed", "error", cerr)
		}
		if r := recover(); r != nil {
			finish(StateFailed, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		finish(final, runErr)
		log.Info("harvest finished", "state", final, "pages", page, "records", res.Summary.Admitted,
			"suppressed", res.Summary.Suppressed, "elapsed", res.Summary.Elapsed)
	}()
	failRun := func(s State, cause error) (*Result, error) {
		final = StateFailed
		runErr = fail(s, cause)
		return res, runErr
	}

	view, err := sess.NewView(ctx)
	if err != nil {
		return failRun(StateNavigating, err)
	}
	err = rc.Do(ctx, func(ctx context.Context) error {
		polite.Wait(ctx, h.ID)
		return h.navigate(ctx, view, h.Source.StartURL)
	}, h.Source.MaxRetries, retry.IsRateLimited)
	if err != nil {
		return failRun(StateNavigating, err)
	}
	h.waitReady(ctx, view, log)

	pipe := &extract.Pipeline{
		Source:         h.ID,
		Extractor:      h.Extractor,
		Polite:         polite,
		Retry:          rc,
		MaxAttempts:    h.Source.MaxRetries,
		ProfileTimeout: h.Logic.ProfileTimeout(),
		Robots:         robots,
		Logger:         log,
	}
	driver := &pagination.Driver{Source: h.ID, Polite: polite, Logger: log}
	var pstate pagination.State

	for {
		enter(StateExtracting)
		hs.visited.Add(view.URL())
		pageStats, err := h.harvestPage(ctx, pipe, sess, view, page, dd, hs.cache)
		stats = addStats(stats, pageStats)
		var mismatch *errs.ExtractionMismatch
		switch {
		case errors.As(err, &mismatch):
			warnings = append(warnings, mismatch.Error())
			log.Warn("no records on view", "url", mismatch.URL, "page", page)
		case err != nil:
			return failRun(StateExtracting, err)
		}
		page++

		if ctx.Err() != nil {
			return failRun(StateExtracting, ctx.Err())
		}
		if page >= h.Source.MaxPages {
			warnings = append(warnings, fmt.Sprintf("stopped at max_pages=%d", h.Source.MaxPages))
			log.Warn("page limit reached", "max_pages", h.Source.MaxPages)
			break
		}

		enter(StatePaginating)
		more, err := h.advance(ctx, rc, polite, driver, view, &pstate)
		if err != nil {
			return failRun(StatePaginating, err)
		}
		if !more {
			break
		}
		if _, ok := h.strategy.(pagination.IndexedNavigation); ok {
			if hs.visited.Has(view.URL()) {
				warnings = append(warnings, fmt.Sprintf("pagination returned to %s", view.URL()))
				log.Warn("pagination loop detected", "url", view.URL())
				break
			}
			h.waitReady(ctx, view, log)
		}
	}

	enter(StateDraining)
	for _, rec := range dd.Drain() {
		if rec.NeedsReview {
			log.Warn("contact address needs review", "name", rec.Name, "riding", rec.LocationLabel, "email", rec.ContactAddress)
		}
	}
	return res, nil
}

func (h *Harvester) harvestPage(ctx context.Context, pipe *extract.Pipeline, sess *session.Session, view session.Page, page int, dd *dedupe.Engine, cache map[string]string) (extract.EnrichStats, error) {
	ctx, span := tracer.Start(ctx, "harvest.page")
	span.SetAttributes(attribute.Int("page", page))
	defer span.End()

	raws, err := pipe.List(ctx, view, page)
	if err != nil {
		markFailed(span, err)
		return extract.EnrichStats{}, err
	}

	// profiles of records already admitted are not fetched again. Under
	// contact_first a record not yet enriched is keyed by name and
	// location here, so a cached profile address is applied first.
	var (
		pending []models.RawRecord
		index   []int
	)
	for i, raw := range raws {
		known, _ := extract.FromCache(raw, cache)
		if dd.Seen(extract.Normalize(known, h.Source.Label)) {
			raws[i] = known
			continue
		}
		pending = append(pending, raw)
		index = append(index, i)
	}
	enriched, stats := pipe.Enrich(ctx, sess, pending, cache)
	for j, i := range index {
		raws[i] = enriched[j]
	}

	for _, raw := range raws {
		dd.Admit(extract.Normalize(raw, h.Source.Label))
	}
	return stats, nil
}

// advance runs one pagination step. A rate-limited navigation is retried
// by reloading the URL that was refused rather than by clicking again.
func (h *Harvester) advance(ctx context.Context, rc *retry.Controller, polite *politeness.Scheduler, d *pagination.Driver, view session.Page, st *pagination.State) (bool, error) {
	var (
		more   bool
		target string
	)
	err := rc.Do(ctx, func(ctx context.Context) error {
		if target != "" {
			polite.Wait(ctx, h.ID)
			if err := h.navigate(ctx, view, target); err != nil {
				return err
			}
			st.PageIndex++
			more = true
			return nil
		}
		m, err := d.Advance(ctx, view, h.strategy, st)
		if err != nil {
			var t *errs.TransientNetworkError
			if errors.As(err, &t) {
				target = t.URL
			}
			return err
		}
		more = m
		return nil
	}, h.Source.MaxRetries, retry.IsRateLimited)
	return more, err
}

func (h *Harvester) navigate(ctx context.Context, view session.Page, target string) error {
	if t := h.Logic.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return view.Navigate(ctx, target)
}

func (h *Harvester) waitReady(ctx context.Context, view *session.View, log *slog.Logger) {
	if h.Source.ReadySelector == "" {
		return
	}
	ok, err := view.WaitFor(ctx, h.Source.ReadySelector, h.Source.ReadyTimeout(), 0)
	if err != nil || !ok {
		log.Warn("ready selector not found", "selector", h.Source.ReadySelector, "url", view.URL(), "error", err)
	}
}

func markFailed(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func addStats(a, b extract.EnrichStats) extract.EnrichStats {
	return extract.EnrichStats{
		Attempted: a.Attempted + b.Attempted,
		Enriched:  a.Enriched + b.Enriched,
		Failed:    a.Failed + b.Failed,
		Cached:    a.Cached + b.Cached,
		Blocked:   a.Blocked + b.Blocked,
	}
}

func countReview(records []models.CandidateRecord) int {
	n := 0
	for _, r := range records {
		if r.NeedsReview {
			n++
		}
	}
	return n
}
