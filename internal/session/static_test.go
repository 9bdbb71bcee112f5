package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"harvester/internal/errs"
	"harvester/internal/logger"
	"harvester/internal/session"

	"github.com/stretchr/testify/require"
)

func staticServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body>
			<ul><li class="c">Alice</li><li class="c">Bob</li></ul>
			<a class="next" href="/list2">Next</a>
			<p class="ua">` + r.UserAgent() + `</p>
		</body></html>`))
	})
	mux.HandleFunc("/list2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><ul><li class="c">Carol</li></ul></body></html>`))
	})
	mux.HandleFunc("/latin1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><meta charset=\"iso-8859-1\"></head><body><p class=\"n\">Andr\xe9</p></body></html>"))
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secret"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func openStaticView(t *testing.T) *session.View {
	t.Helper()
	engine := &session.StaticEngine{Timeout: 5 * time.Second, RespectRobots: true, Logger: logger.Discard()}
	m := session.NewManager(engine, "TestBot/1.0", logger.Discard())
	sess, err := m.Open(context.Background(), "static")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	v, err := sess.NewView(context.Background())
	require.NoError(t, err)
	return v
}

func TestStaticNavigateAndQuery(t *testing.T) {
	srv := staticServer(t)
	v := openStaticView(t)
	ctx := context.Background()

	require.NoError(t, v.Navigate(ctx, srv.URL+"/list"))
	require.Equal(t, srv.URL+"/list", v.URL())

	n, err := v.Count(ctx, "li.c")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	has, err := v.Has(ctx, "a.next")
	require.NoError(t, err)
	require.True(t, has)

	href, ok, err := v.Attr(ctx, "a.next", "href")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/list2", href)

	html, err := v.HTML(ctx)
	require.NoError(t, err)
	require.Contains(t, html, "TestBot/1.0")

	require.NoError(t, v.ClickNavigate(ctx, "a.next"))
	require.Equal(t, srv.URL+"/list2", v.URL())
	n, err = v.Count(ctx, "li.c")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	extent, err := v.ScrollExtent(ctx)
	require.NoError(t, err)
	require.Zero(t, extent)
	require.True(t, errs.IsNavigation(v.Click(ctx, "a.next")))
}

func TestStaticDecodesMetaCharset(t *testing.T) {
	srv := staticServer(t)
	v := openStaticView(t)

	require.NoError(t, v.Navigate(context.Background(), srv.URL+"/latin1"))
	html, err := v.HTML(context.Background())
	require.NoError(t, err)
	require.Contains(t, html, "André")
}

func TestStaticClassifiesFailures(t *testing.T) {
	srv := staticServer(t)
	v := openStaticView(t)
	ctx := context.Background()

	err := v.Navigate(ctx, srv.URL+"/busy")
	require.True(t, errs.IsTransient(err), "got %v", err)

	err = v.Navigate(ctx, srv.URL+"/missing")
	var nav *errs.NavigationFailure
	require.ErrorAs(t, err, &nav)
	require.Equal(t, 404, nav.Status)

	err = v.Navigate(ctx, srv.URL+"/private")
	require.True(t, errs.IsNavigation(err), "got %v", err)
}
