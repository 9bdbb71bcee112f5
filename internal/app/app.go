package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"harvester/internal/config"
	"harvester/internal/models"
	"harvester/internal/politeness"
	"harvester/internal/session"
	"harvester/internal/sink"
)

// Outcome is what one source produced in one App run.
type Outcome struct {
	Source  string
	Result  *Result
	Err     error
	SaveErr error
	Saved   bool
}

// App runs the configured sources, each with its own Harvester and
// session, and hands the records to the sink.
type App struct {
	cfg     *config.HarvestConfig
	engine  session.Engine
	sink    sink.Sink
	robots  *resty.Client
	logger  *slog.Logger
	// Stagger spaces out source starts.
	Stagger time.Duration
}

func NewApp(cfg *config.HarvestConfig, engine session.Engine, out sink.Sink, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:     cfg,
		engine:  engine,
		sink:    out,
		logger:  logger,
		Stagger: time.Second,
	}
	if *cfg.Logic.RespectRobots {
		a.robots = politeness.NewRobotsClient(cfg.Logic.UserAgent, cfg.Logic.Timeout(), politeness.NewLimiter(cfg.Logic.Delay()))
	}
	return a
}

// NewEngine picks the browsing engine named by the configuration.
func NewEngine(cfg *config.HarvestConfig, logger *slog.Logger) session.Engine {
	if cfg.Engine.Kind == config.EngineStatic {
		return &session.StaticEngine{
			Timeout:       cfg.Logic.Timeout(),
			RespectRobots: *cfg.Logic.RespectRobots,
			Logger:        logger,
		}
	}
	return &session.RodEngine{
		RemoteURL:   cfg.Engine.RemoteURL,
		ShowBrowser: cfg.Engine.ShowBrowser,
		Logger:      logger,
	}
}

// Run harvests the given sources, or every configured source when ids is
// empty. Outcomes come back in the order of ids. The returned error joins
// every run and persistence failure.
func (a *App) Run(ctx context.Context, ids []string) ([]Outcome, error) {
	if len(ids) == 0 {
		ids = a.cfg.SourceIDs()
	}
	for _, id := range ids {
		if _, ok := a.cfg.Sources[id]; !ok {
			return nil, fmt.Errorf("app: unknown source %q", id)
		}
	}

	a.logger.Info("starting harvest", "sources", len(ids), "engine", a.cfg.Engine.Kind,
		"delay", a.cfg.Logic.Delay(), "max_concurrent_sources", a.cfg.Logic.MaxConcurrentSources)

	outcomes := make([]Outcome, len(ids))
	sem := make(chan struct{}, a.cfg.Logic.MaxConcurrentSources)
	var wg sync.WaitGroup

launch:
	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && a.Stagger > 0 {
			select {
			case <-ctx.Done():
				break launch
			case <-time.After(a.Stagger):
			}
		}
		select {
		case <-ctx.Done():
			break launch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = a.runSource(ctx, id)
		}(i, id)
	}
	wg.Wait()

	var errList []error
	for i, id := range ids {
		o := &outcomes[i]
		if o.Source == "" {
			o.Source = id
			o.Err = fmt.Errorf("app: source %s not started: %w", id, ctx.Err())
		}
		if o.Err != nil {
			errList = append(errList, o.Err)
		}
		if o.SaveErr != nil {
			errList = append(errList, o.SaveErr)
		}
	}
	return outcomes, errors.Join(errList...)
}

func (a *App) runSource(ctx context.Context, id string) (out Outcome) {
	out.Source = id
	log := a.logger.With("source", id)
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("app: source %s panicked: %v", id, r)
			log.Error("harvest panicked", "panic", r)
		}
	}()

	mgr := session.NewManager(a.engine, a.cfg.Logic.UserAgent, a.logger)
	h, err := NewHarvester(id, a.cfg.Sources[id], a.cfg.Logic, mgr, a.logger)
	if err != nil {
		out.Err = err
		return out
	}
	h.RobotsClient = a.robots

	out.Result, out.Err = h.Run(ctx)
	if out.Result == nil {
		return out
	}
	out.Saved, out.SaveErr = a.persist(ctx, id, out.Result)
	return out
}

// persist hands records to the sink when the run succeeded, or when
// partial results are wanted. Run history is recorded either way.
func (a *App) persist(ctx context.Context, id string, res *Result) (bool, error) {
	if a.sink == nil {
		return false, nil
	}
	// a cancelled harvest still gets to write what it collected
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	ctx = sink.WithRunID(ctx, res.Summary.RunID)
	log := a.logger.With("source", id, "run_id", res.Summary.RunID)

	var errList []error
	saved := false
	if !res.Partial || a.cfg.Logic.PersistPartial {
		if err := a.sink.Save(ctx, id, res.Records); err != nil {
			errList = append(errList, fmt.Errorf("app: save %s: %w", id, err))
		} else {
			saved = true
			log.Info("records saved", "count", len(res.Records), "partial", res.Partial)
		}
	} else {
		log.Warn("partial records discarded", "count", len(res.Records))
	}

	if rec, ok := a.sink.(sink.RunRecorder); ok {
		if err := rec.RecordRun(ctx, res.Summary); err != nil {
			errList = append(errList, fmt.Errorf("app: record run %s: %w", id, err))
		}
	}
	return saved, errors.Join(errList...)
}

// Summaries collects the run summaries of outcomes that produced a result.
func Summaries(outcomes []Outcome) []models.RunSummary {
	out := make([]models.RunSummary, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Result != nil {
			out = append(out, o.Result.Summary)
		} else {
			msg := ""
			if o.Err != nil {
				msg = o.Err.Error()
			}
			out = append(out, models.RunSummary{Source: o.Source, State: string(StateFailed), ErrorMessage: msg})
		}
	}
	return out
}
