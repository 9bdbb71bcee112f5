package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"
	"golang.org/x/net/html/charset"

	"harvester/internal/errs"
)

// StaticEngine fetches documents without running scripts. It serves
// sources whose listings are plain HTML with link-based pagination.
type StaticEngine struct {
	Timeout       time.Duration
	RespectRobots bool
	Logger        *slog.Logger
}

func (e *StaticEngine) Launch(ctx context.Context) (Browser, error) {
	return &staticBrowser{engine: e}, nil
}

type staticBrowser struct {
	engine *StaticEngine
}

func (b *staticBrowser) NewPage(ctx context.Context) (Page, error) {
	c := colly.NewCollector()
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !b.engine.RespectRobots
	if b.engine.Timeout > 0 {
		c.SetRequestTimeout(b.engine.Timeout)
	}
	log := b.engine.Logger
	if log == nil {
		log = slog.Default()
	}
	return &staticPage{collector: c, logger: log}, nil
}

func (b *staticBrowser) Close() error { return nil }

type staticPage struct {
	collector *colly.Collector
	logger    *slog.Logger
	url       string
	html      string
	doc       *goquery.Document
}

type fetchResult struct {
	status int
	body   []byte
	ctype  string
	final  string
	err    error
}

func (p *staticPage) SetUserAgent(ctx context.Context, ua string) error {
	p.collector.UserAgent = ua
	return nil
}

func (p *staticPage) Navigate(ctx context.Context, target string) error {
	res := p.fetch(ctx, target)
	if res.err != nil {
		return res.err
	}

	html, err := decode(res.body, res.ctype)
	if err != nil {
		return &errs.NavigationFailure{URL: target, Reason: "decode", Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return &errs.NavigationFailure{URL: target, Reason: "parse", Err: err}
	}
	p.url = res.final
	p.html = html
	p.doc = doc
	return nil
}

func (p *staticPage) fetch(ctx context.Context, target string) fetchResult {
	done := make(chan fetchResult, 1)
	var res fetchResult

	c := p.collector.Clone()
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = p.collector.IgnoreRobotsTxt
	c.UserAgent = p.collector.UserAgent
	c.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = r.Body
		res.final = r.Request.URL.String()
		if r.Headers != nil {
			res.ctype = r.Headers.Get("Content-Type")
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
	})

	go func() {
		done <- fetchResult{err: c.Visit(target)}
	}()

	var visitErr error
	select {
	case <-ctx.Done():
		return fetchResult{err: navigationError(target, ctx.Err())}
	case r := <-done:
		visitErr = r.err
	}

	if err := errs.FromStatus(target, res.status); err != nil {
		return fetchResult{err: err}
	}
	if visitErr != nil {
		return fetchResult{err: classifyFetch(target, visitErr)}
	}
	if res.final == "" {
		res.final = target
	}
	return res
}

func classifyFetch(target string, err error) error {
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		return &errs.NavigationFailure{URL: target, Reason: "disallowed by robots.txt", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &errs.NavigationFailure{URL: target, Reason: "timeout", Err: err}
	}
	return &errs.NavigationFailure{URL: target, Err: err}
}

// decode converts the body to UTF-8. Colly already transcodes bodies whose
// Content-Type names a charset, so only undeclared ones are sniffed.
func decode(body []byte, contentType string) (string, error) {
	if strings.Contains(strings.ToLower(contentType), "charset=") {
		return string(body), nil
	}
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (p *staticPage) URL() string {
	return p.url
}

func (p *staticPage) HTML(ctx context.Context) (string, error) {
	if p.doc == nil {
		return "", &errs.NavigationFailure{URL: p.url, Reason: "no document loaded"}
	}
	return p.html, nil
}

func (p *staticPage) find(selector string) *goquery.Selection {
	if p.doc == nil {
		return &goquery.Selection{}
	}
	return p.doc.Find(selector)
}

func (p *staticPage) Has(ctx context.Context, selector string) (bool, error) {
	return p.find(selector).Length() > 0, nil
}

func (p *staticPage) Attr(ctx context.Context, selector, name string) (string, bool, error) {
	v, ok := p.find(selector).First().Attr(name)
	return v, ok, nil
}

func (p *staticPage) Count(ctx context.Context, selector string) (int, error) {
	return p.find(selector).Length(), nil
}

func (p *staticPage) Click(ctx context.Context, selector string) error {
	return &errs.NavigationFailure{URL: p.url, Reason: "load-more controls need the browser engine"}
}

// ClickNavigate follows the href of the first element matching selector.
func (p *staticPage) ClickNavigate(ctx context.Context, selector string) error {
	sel := p.find(selector).First()
	href, ok := sel.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		href, ok = sel.Find("a[href]").First().Attr("href")
	}
	if !ok || strings.TrimSpace(href) == "" {
		return &errs.NavigationFailure{URL: p.url, Reason: fmt.Sprintf("control %s has no link", selector)}
	}
	base, err := url.Parse(p.url)
	if err != nil {
		return &errs.NavigationFailure{URL: p.url, Err: err}
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return &errs.NavigationFailure{URL: p.url, Reason: "malformed link", Err: err}
	}
	return p.Navigate(ctx, base.ResolveReference(ref).String())
}

func (p *staticPage) ScrollBy(ctx context.Context, dy int) error { return nil }

func (p *staticPage) ScrollExtent(ctx context.Context) (int, error) { return 0, nil }

func (p *staticPage) Close() error {
	p.doc = nil
	return nil
}
