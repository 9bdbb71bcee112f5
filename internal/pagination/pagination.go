package pagination

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"harvester/internal/config"
	"harvester/internal/session"
)

// Strategy is one of None, ExplicitControl, ScrollGrowth or
// IndexedNavigation.
type Strategy interface {
	Name() string
}

type None struct{}

// ExplicitControl clicks a load-more control and waits for the item count
// to grow.
type ExplicitControl struct {
	Control string
	Item    string
	Timeout time.Duration
	Poll    time.Duration
}

// ScrollGrowth scrolls in steps until the scrolled distance reaches the
// page height.
type ScrollGrowth struct {
	Step     int
	Interval time.Duration
	MaxSteps int
}

// IndexedNavigation follows a next-page control to a new document.
type IndexedNavigation struct {
	Control string
	Timeout time.Duration
}

func (None) Name() string              { return config.StrategyNone }
func (ExplicitControl) Name() string   { return config.StrategyExplicitControl }
func (ScrollGrowth) Name() string      { return config.StrategyScrollGrowth }
func (IndexedNavigation) Name() string { return config.StrategyIndexedNavigation }

type State struct {
	LastCount        int
	NextFound        bool
	PageIndex        int
	ScrolledDistance int
	Extent           int
	Terminated       bool
}

type Waiter interface {
	Wait(ctx context.Context, source string)
}

type Driver struct {
	Source string
	Polite Waiter
	Logger *slog.Logger
}

func FromConfig(cfg config.PaginationConfig) (Strategy, error) {
	switch cfg.Strategy {
	case "", config.StrategyNone:
		return None{}, nil
	case config.StrategyExplicitControl:
		return ExplicitControl{Control: cfg.Control, Item: cfg.Item, Timeout: cfg.Timeout(), Poll: cfg.Poll()}, nil
	case config.StrategyScrollGrowth:
		return ScrollGrowth{Step: cfg.Step, Interval: cfg.Interval(), MaxSteps: cfg.MaxSteps}, nil
	case config.StrategyIndexedNavigation:
		return IndexedNavigation{Control: cfg.Control, Timeout: cfg.Timeout()}, nil
	default:
		return nil, fmt.Errorf("pagination: unknown strategy %q", cfg.Strategy)
	}
}

// Advance moves the view to its next batch of records. It reports false
// once the source is exhausted; errors are transport failures only.
func (d *Driver) Advance(ctx context.Context, page session.Page, s Strategy, st *State) (bool, error) {
	if st.Terminated {
		return false, nil
	}
	var (
		more bool
		err  error
	)
	switch s := s.(type) {
	case None:
		more = false
	case ExplicitControl:
		more, err = d.explicitControl(ctx, page, s, st)
	case ScrollGrowth:
		more, err = d.scrollGrowth(ctx, page, s, st)
	case IndexedNavigation:
		more, err = d.indexedNavigation(ctx, page, s, st)
	default:
		return false, fmt.Errorf("pagination: unsupported strategy %T", s)
	}
	if err != nil {
		return false, err
	}
	if !more {
		st.Terminated = true
	}
	d.logger().DebugContext(ctx, "pagination advance",
		"source", d.Source, "strategy", s.Name(), "more", more, "page_index", st.PageIndex)
	return more, nil
}

func (d *Driver) explicitControl(ctx context.Context, page session.Page, s ExplicitControl, st *State) (bool, error) {
	found, err := page.Has(ctx, s.Control)
	if err != nil {
		return false, err
	}
	st.NextFound = found
	if !found {
		return false, nil
	}

	before, err := page.Count(ctx, s.Item)
	if err != nil {
		return false, err
	}
	st.LastCount = before

	d.wait(ctx)
	if err := page.Click(ctx, s.Control); err != nil {
		return false, err
	}

	poll := s.Poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := time.Now().Add(s.Timeout)
	for {
		n, err := page.Count(ctx, s.Item)
		if err != nil {
			return false, err
		}
		if n > before {
			st.LastCount = n
			st.PageIndex++
			return true, nil
		}
		if !time.Now().Before(deadline) {
			d.logger().InfoContext(ctx, "item count stopped growing", "source", d.Source, "count", n)
			return false, nil
		}
		if !sleep(ctx, poll) {
			return false, ctx.Err()
		}
	}
}

// scrollGrowth makes one full pass to the bottom and reports whether the
// page grew on the way.
func (d *Driver) scrollGrowth(ctx context.Context, page session.Page, s ScrollGrowth, st *State) (bool, error) {
	extent, err := page.ScrollExtent(ctx)
	if err != nil {
		return false, err
	}
	st.Extent = extent

	step := s.Step
	if step <= 0 {
		step = 100
	}
	grew := false
	for i := 0; s.MaxSteps <= 0 || i < s.MaxSteps; i++ {
		if st.ScrolledDistance >= st.Extent {
			break
		}
		if err := page.ScrollBy(ctx, step); err != nil {
			return false, err
		}
		st.ScrolledDistance += step
		if s.Interval > 0 && !sleep(ctx, s.Interval) {
			return false, ctx.Err()
		}
		extent, err := page.ScrollExtent(ctx)
		if err != nil {
			return false, err
		}
		if extent > st.Extent {
			grew = true
		}
		st.Extent = extent
	}
	st.Terminated = true
	if grew {
		st.PageIndex++
	}
	return grew, nil
}

func (d *Driver) indexedNavigation(ctx context.Context, page session.Page, s IndexedNavigation, st *State) (bool, error) {
	found, err := page.Has(ctx, s.Control)
	if err != nil {
		return false, err
	}
	st.NextFound = found
	if !found {
		return false, nil
	}
	disabled, err := isDisabled(ctx, page, s.Control)
	if err != nil {
		return false, err
	}
	if disabled {
		st.NextFound = false
		return false, nil
	}

	d.wait(ctx)
	navCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if err := page.ClickNavigate(navCtx, s.Control); err != nil {
		return false, err
	}
	st.PageIndex++
	return true, nil
}

func isDisabled(ctx context.Context, page session.Page, control string) (bool, error) {
	if _, ok, err := page.Attr(ctx, control, "disabled"); err != nil || ok {
		return ok, err
	}
	aria, _, err := page.Attr(ctx, control, "aria-disabled")
	if err != nil {
		return false, err
	}
	if strings.EqualFold(aria, "true") {
		return true, nil
	}
	class, _, err := page.Attr(ctx, control, "class")
	if err != nil {
		return false, err
	}
	return strings.Contains(class, "disabled"), nil
}

func (d *Driver) wait(ctx context.Context) {
	if d.Polite != nil {
		d.Polite.Wait(ctx, d.Source)
	}
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
