package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"harvester/internal/errs"
)

const navigationStatusJS = `() => {
	const e = performance.getEntriesByType('navigation')[0];
	return e && e.responseStatus ? e.responseStatus : 0;
}`

// RodEngine drives headless Chrome. With RemoteURL set it connects to an
// existing DevTools endpoint instead of launching a local browser.
type RodEngine struct {
	RemoteURL   string
	ShowBrowser bool
	Logger      *slog.Logger
}

func (e *RodEngine) Launch(ctx context.Context) (Browser, error) {
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}

	var (
		wsURL string
		lnch  *launcher.Launcher
	)
	if e.RemoteURL != "" {
		wsURL = e.RemoteURL
		log.InfoContext(ctx, "browser: connecting to remote", "url", wsURL)
	} else {
		lnch = launcher.New().Headless(!e.ShowBrowser).Context(ctx)
		u, err := lnch.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		log.InfoContext(ctx, "browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return &rodBrowser{browser: b, lnch: lnch}, nil
}

type rodBrowser struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	once    sync.Once
	err     error
}

func (b *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	p, err := b.browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	return &rodPage{page: p}, nil
}

func (b *rodBrowser) Close() error {
	b.once.Do(func() {
		b.err = b.browser.Close()
		if b.lnch != nil {
			b.lnch.Cleanup()
		}
	})
	return b.err
}

type rodPage struct {
	page *rod.Page
	url  string
}

func (p *rodPage) SetUserAgent(ctx context.Context, ua string) error {
	return p.page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return navigationError(url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return navigationError(url, err)
	}
	p.url = url
	return p.checkStatus(ctx)
}

func (p *rodPage) checkStatus(ctx context.Context) error {
	res, err := p.page.Context(ctx).Eval(navigationStatusJS)
	if err != nil {
		return nil
	}
	return errs.FromStatus(p.url, res.Value.Int())
}

func (p *rodPage) URL() string {
	return p.url
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *rodPage) Has(ctx context.Context, selector string) (bool, error) {
	ok, _, err := p.page.Context(ctx).Has(selector)
	return ok, err
}

func (p *rodPage) Attr(ctx context.Context, selector, name string) (string, bool, error) {
	ok, el, err := p.page.Context(ctx).Has(selector)
	if err != nil || !ok {
		return "", false, err
	}
	v, err := el.Attribute(name)
	if err != nil || v == nil {
		return "", false, err
	}
	return *v, true, nil
}

func (p *rodPage) Count(ctx context.Context, selector string) (int, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

func (p *rodPage) click(ctx context.Context, selector string) error {
	ok, el, err := p.page.Context(ctx).Has(selector)
	if err != nil {
		return err
	}
	if !ok {
		return &errs.NavigationFailure{URL: p.url, Reason: "control " + selector + " not found"}
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		// overlays can swallow the pointer event; fall back to a DOM click
		if _, evalErr := el.Eval(`() => this.click()`); evalErr != nil {
			return fmt.Errorf("browser: click %s: %w", selector, err)
		}
	}
	return nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	return p.click(ctx, selector)
}

func (p *rodPage) ClickNavigate(ctx context.Context, selector string) error {
	wait := p.page.Context(ctx).WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := p.click(ctx, selector); err != nil {
		return err
	}
	wait()
	if ctx.Err() != nil {
		return navigationError(p.url, ctx.Err())
	}

	res, err := p.page.Context(ctx).Eval(`() => location.href`)
	if err == nil {
		p.url = res.Value.Str()
	}
	return p.checkStatus(ctx)
}

func (p *rodPage) ScrollBy(ctx context.Context, dy int) error {
	_, err := p.page.Context(ctx).Eval(`(dy) => window.scrollBy(0, dy)`, dy)
	return err
}

func (p *rodPage) ScrollExtent(ctx context.Context) (int, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.body.scrollHeight`)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

// navigationError classifies engine-level failures. Timeouts are scoped to
// the target and not retried; rate limiting only shows up as a status.
func navigationError(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &errs.NavigationFailure{URL: url, Reason: "timeout", Err: err}
	}
	return &errs.NavigationFailure{URL: url, Err: err}
}
