package politeness_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"harvester/internal/config"
	"harvester/internal/logger"
	"harvester/internal/politeness"

	"github.com/stretchr/testify/require"
)

const robotsBody = `User-agent: *
Disallow: /private/
Crawl-delay: 4
`

func TestFetchRobots(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(robotsBody))
	}))
	defer srv.Close()

	client := politeness.NewRobotsClient(config.DefaultUserAgent, 5*time.Second, nil)
	r := politeness.FetchRobots(context.Background(), client, srv.URL+"/candidates", config.DefaultUserAgent, logger.Discard())
	require.NotNil(t, r)
	require.Equal(t, config.DefaultUserAgent, gotUA)

	require.True(t, r.Allowed(srv.URL+"/candidates"))
	require.False(t, r.Allowed(srv.URL+"/private/alice"))
	require.Equal(t, 4*time.Second, r.CrawlDelay())
}

func TestFetchRobotsMissingIsPermissive(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := politeness.NewRobotsClient(config.DefaultUserAgent, 5*time.Second, nil)
	r := politeness.FetchRobots(context.Background(), client, srv.URL, config.DefaultUserAgent, logger.Discard())
	require.True(t, r.Allowed(srv.URL+"/anything"))
	require.Zero(t, r.CrawlDelay())
}

func TestFetchRobotsUnreachableIsPermissive(t *testing.T) {
	client := politeness.NewRobotsClient(config.DefaultUserAgent, time.Second, nil)
	r := politeness.FetchRobots(context.Background(), client, "http://127.0.0.1:1/", config.DefaultUserAgent, logger.Discard())
	require.Nil(t, r)
	require.True(t, r.Allowed("http://127.0.0.1:1/x"))
}

func TestParseRobotsAgentGroup(t *testing.T) {
	body := []byte("User-agent: NewMajorityBot\nDisallow: /\n\nUser-agent: *\nAllow: /\n")
	r, err := politeness.ParseRobots(body, "NewMajorityBot")
	require.NoError(t, err)
	require.False(t, r.Allowed("https://example.ca/candidates"))

	other, err := politeness.ParseRobots(body, "SomeoneElse")
	require.NoError(t, err)
	require.True(t, other.Allowed("https://example.ca/candidates"))
}

func TestProductToken(t *testing.T) {
	require.Equal(t, "NewMajorityBot", politeness.ProductToken(config.DefaultUserAgent))
	require.Equal(t, "curl/8.0", politeness.ProductToken("curl/8.0"))
}

func TestFetchRobotsMatchesBotGroup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: NewMajorityBot\nDisallow: /members/\n\nUser-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	client := politeness.NewRobotsClient(config.DefaultUserAgent, 5*time.Second, nil)
	r := politeness.FetchRobots(context.Background(), client, srv.URL, config.DefaultUserAgent, logger.Discard())
	require.True(t, r.Allowed(srv.URL+"/candidates"))
	require.False(t, r.Allowed(srv.URL+"/members/alice"))
}

func TestRobotsClientIsPaced(t *testing.T) {
	var hits []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, time.Now())
		_, _ = w.Write([]byte(robotsBody))
	}))
	defer srv.Close()

	client := politeness.NewRobotsClient(config.DefaultUserAgent, 5*time.Second, politeness.NewLimiter(40*time.Millisecond))
	politeness.FetchRobots(context.Background(), client, srv.URL, config.DefaultUserAgent, logger.Discard())
	politeness.FetchRobots(context.Background(), client, srv.URL, config.DefaultUserAgent, logger.Discard())

	require.Len(t, hits, 2)
	require.GreaterOrEqual(t, hits[1].Sub(hits[0]), 30*time.Millisecond)
}
