// Package session owns the browsing engine for one harvest run: the browser
// process, the views opened from it and their release.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"harvester/internal/errs"
)

type Engine interface {
	Launch(ctx context.Context) (Browser, error)
}

type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one tab. Selector arguments are CSS selectors; a selector that
// matches nothing is not an error for Has, Attr and Count.
type Page interface {
	SetUserAgent(ctx context.Context, ua string) error
	Navigate(ctx context.Context, url string) error
	URL() string
	HTML(ctx context.Context) (string, error)
	Has(ctx context.Context, selector string) (bool, error)
	Attr(ctx context.Context, selector, name string) (string, bool, error)
	Count(ctx context.Context, selector string) (int, error)
	Click(ctx context.Context, selector string) error
	ClickNavigate(ctx context.Context, selector string) error
	ScrollBy(ctx context.Context, dy int) error
	ScrollExtent(ctx context.Context) (int, error)
	Close() error
}

type Manager struct {
	engine    Engine
	userAgent string
	logger    *slog.Logger
}

func NewManager(engine Engine, userAgent string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{engine: engine, userAgent: userAgent, logger: logger}
}

// Open starts a browser for one run.
func (m *Manager) Open(ctx context.Context, source string) (*Session, error) {
	b, err := m.engine.Launch(ctx)
	if err != nil {
		return nil, &errs.SessionError{Source: source, Err: err}
	}
	m.logger.DebugContext(ctx, "session opened", "source", source)
	return &Session{
		source:    source,
		userAgent: m.userAgent,
		browser:   b,
		views:     make(map[*View]struct{}),
		logger:    m.logger,
	}, nil
}

type Session struct {
	source    string
	userAgent string
	browser   Browser
	logger    *slog.Logger

	mu     sync.Mutex
	views  map[*View]struct{}
	opened int
	closed bool
}

// NewView opens a tab carrying the identification string. A tab whose
// user agent cannot be set is closed and never handed out.
func (s *Session) NewView(ctx context.Context) (*View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &errs.SessionError{Source: s.source, Err: errors.New("session is closed")}
	}
	s.mu.Unlock()

	p, err := s.browser.NewPage(ctx)
	if err != nil {
		return nil, &errs.SessionError{Source: s.source, Err: fmt.Errorf("new page: %w", err)}
	}
	if err := p.SetUserAgent(ctx, s.userAgent); err != nil {
		_ = p.Close()
		return nil, &errs.SessionError{Source: s.source, Err: fmt.Errorf("set user agent: %w", err)}
	}

	v := &View{Page: p, sess: s}
	s.mu.Lock()
	s.views[v] = struct{}{}
	s.opened++
	s.mu.Unlock()
	return v, nil
}

// Close releases every live view and then the browser. Calling it again
// does nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	views := make([]*View, 0, len(s.views))
	for v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()

	var errList []error
	for _, v := range views {
		if err := v.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if err := s.browser.Close(); err != nil {
		errList = append(errList, fmt.Errorf("close browser: %w", err))
	}
	s.logger.Debug("session closed", "source", s.source, "views", len(views))
	return errors.Join(errList...)
}

func (s *Session) LiveViews() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

func (s *Session) ViewsOpened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Session) Source() string {
	return s.source
}

func (s *Session) untrack(v *View) {
	s.mu.Lock()
	delete(s.views, v)
	s.mu.Unlock()
}

// View is a tab owned by a Session.
type View struct {
	Page
	sess *Session

	once     sync.Once
	closeErr error
}

func (v *View) Close() error {
	v.once.Do(func() {
		v.closeErr = v.Page.Close()
		v.sess.untrack(v)
	})
	return v.closeErr
}

// WaitFor polls until selector is present or timeout elapses.
func (v *View) WaitFor(ctx context.Context, selector string, timeout, poll time.Duration) (bool, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, err := v.Has(ctx, selector)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(poll):
		}
	}
}
