// Package sessiontest provides an in-memory browsing engine for tests.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"harvester/internal/errs"
	"harvester/internal/session"
)

// Site scripts one URL. Stages are documents revealed one at a time, by a
// Click on a load-more control or by scrolling to the bottom when Extents
// is set. Extents[i] is the scroll height while stage i is shown.
type Site struct {
	HTML      string
	Stages    []string
	Extents   []int
	Status    int
	Transient int
}

type Engine struct {
	mu        sync.Mutex
	sites     map[string]*Site
	LaunchErr error

	launches      int
	browserCloses int
	livePages     int
	pagesOpened   int
	navigations   []string
	userAgents    []string
}

func New() *Engine {
	return &Engine{sites: make(map[string]*Site)}
}

func (e *Engine) Add(rawURL string, site *Site) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sites[rawURL] = site
	return e
}

// Page registers a plain document.
func (e *Engine) Page(rawURL, html string) *Engine {
	return e.Add(rawURL, &Site{HTML: html})
}

func (e *Engine) Launch(ctx context.Context) (session.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LaunchErr != nil {
		return nil, e.LaunchErr
	}
	e.launches++
	return &browser{engine: e}, nil
}

func (e *Engine) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launches
}

func (e *Engine) BrowserCloses() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.browserCloses
}

func (e *Engine) LivePages() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.livePages
}

func (e *Engine) PagesOpened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pagesOpened
}

// Navigations lists every navigation attempt in order, failed ones included.
func (e *Engine) Navigations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.navigations...)
}

func (e *Engine) UserAgents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.userAgents...)
}

func (e *Engine) visit(target string) (*Site, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.navigations = append(e.navigations, target)
	site, ok := e.sites[target]
	if !ok {
		return nil, &errs.NavigationFailure{URL: target, Status: 404}
	}
	if site.Transient > 0 {
		site.Transient--
		return nil, &errs.TransientNetworkError{URL: target, Status: 429}
	}
	if err := errs.FromStatus(target, site.Status); err != nil {
		return nil, err
	}
	return site, nil
}

type browser struct {
	engine *Engine
	closed bool
}

func (b *browser) NewPage(ctx context.Context) (session.Page, error) {
	e := b.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if b.closed {
		return nil, errors.New("browser closed")
	}
	e.livePages++
	e.pagesOpened++
	return &page{engine: e}, nil
}

func (b *browser) Close() error {
	e := b.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	e.browserCloses++
	return nil
}

type page struct {
	engine   *Engine
	site     *Site
	url      string
	stage    int
	scrolled int
	closed   bool
}

func (p *page) SetUserAgent(ctx context.Context, ua string) error {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	p.engine.userAgents = append(p.engine.userAgents, ua)
	return nil
}

func (p *page) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return &errs.NavigationFailure{URL: target, Err: err}
	}
	site, err := p.engine.visit(target)
	if err != nil {
		return err
	}
	p.site = site
	p.url = target
	p.stage = 0
	p.scrolled = 0
	return nil
}

func (p *page) URL() string { return p.url }

func (p *page) current() string {
	if p.site == nil {
		return ""
	}
	if p.stage == 0 {
		return p.site.HTML
	}
	return p.site.Stages[p.stage-1]
}

func (p *page) HTML(ctx context.Context) (string, error) {
	if p.site == nil {
		return "", errors.New("no document loaded")
	}
	return p.current(), nil
}

func (p *page) find(selector string) (*goquery.Selection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.current()))
	if err != nil {
		return nil, err
	}
	return doc.Find(selector), nil
}

func (p *page) Has(ctx context.Context, selector string) (bool, error) {
	sel, err := p.find(selector)
	if err != nil {
		return false, err
	}
	return sel.Length() > 0, nil
}

func (p *page) Attr(ctx context.Context, selector, name string) (string, bool, error) {
	sel, err := p.find(selector)
	if err != nil {
		return "", false, err
	}
	v, ok := sel.First().Attr(name)
	return v, ok, nil
}

func (p *page) Count(ctx context.Context, selector string) (int, error) {
	sel, err := p.find(selector)
	if err != nil {
		return 0, err
	}
	return sel.Length(), nil
}

// Click reveals the next stage. Past the last stage the document stays
// as it is, like a control that no longer loads anything.
func (p *page) Click(ctx context.Context, selector string) error {
	ok, err := p.Has(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return &errs.NavigationFailure{URL: p.url, Reason: "control " + selector + " not found"}
	}
	if p.site != nil && p.stage < len(p.site.Stages) {
		p.stage++
	}
	return nil
}

func (p *page) ClickNavigate(ctx context.Context, selector string) error {
	href, ok, err := p.Attr(ctx, selector, "href")
	if err != nil {
		return err
	}
	if !ok {
		return &errs.NavigationFailure{URL: p.url, Reason: fmt.Sprintf("control %s has no link", selector)}
	}
	base, err := url.Parse(p.url)
	if err != nil {
		return err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return &errs.NavigationFailure{URL: p.url, Err: err}
	}
	return p.Navigate(ctx, base.ResolveReference(ref).String())
}

func (p *page) ScrollBy(ctx context.Context, dy int) error {
	p.scrolled += dy
	return nil
}

// ScrollExtent reports the scroll height. Reaching the bottom of a stage
// loads the next one, growing the extent.
func (p *page) ScrollExtent(ctx context.Context) (int, error) {
	if p.site == nil || len(p.site.Extents) == 0 {
		return 0, nil
	}
	if p.scrolled >= p.extent() && p.stage < len(p.site.Stages) {
		p.stage++
	}
	return p.extent(), nil
}

func (p *page) extent() int {
	ext := p.site.Extents
	if p.stage < len(ext) {
		return ext[p.stage]
	}
	return ext[len(ext)-1]
}

func (p *page) Close() error {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.engine.livePages--
	return nil
}
