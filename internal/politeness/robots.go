package politeness

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

var reProduct = regexp.MustCompile(`compatible;\s*([A-Za-z0-9_.-]+)`)

// Robots is the robots.txt group that applies to our user agent on one
// host. A nil *Robots allows everything.
type Robots struct {
	group *robotstxt.Group
}

// NewRobotsClient builds the client robots.txt is fetched with. A non-nil
// limiter paces every request it sends.
func NewRobotsClient(userAgent string, timeout time.Duration, limiter *rate.Limiter) *resty.Client {
	client := resty.New()
	client.SetHeader("user-agent", userAgent)
	client.SetTimeout(timeout)
	if limiter != nil {
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Wait(req.Context())
		})
	}
	return client
}

// FetchRobots loads robots.txt for the host of startURL. Fetch and parse
// failures are logged and yield a permissive policy.
func FetchRobots(ctx context.Context, client *resty.Client, startURL, userAgent string, logger *slog.Logger) *Robots {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(startURL)
	if err != nil || u.Host == "" {
		logger.WarnContext(ctx, "cannot parse url for robots.txt", "url", startURL, "error", err)
		return nil
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	logger.InfoContext(ctx, "loading robots.txt", "url", robotsURL)

	res, err := client.R().SetContext(ctx).Get(robotsURL)
	if err != nil {
		logger.WarnContext(ctx, "robots.txt fetch failed, ignoring", "url", robotsURL, "error", err)
		return nil
	}

	data, err := robotstxt.FromStatusAndBytes(res.StatusCode(), res.Body())
	if err != nil {
		logger.WarnContext(ctx, "robots.txt parse failed, ignoring", "url", robotsURL, "error", err)
		return nil
	}
	return &Robots{group: data.FindGroup(ProductToken(userAgent))}
}

func ParseRobots(body []byte, userAgent string) (*Robots, error) {
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("politeness: parse robots.txt: %w", err)
	}
	return &Robots{group: data.FindGroup(ProductToken(userAgent))}, nil
}

func (r *Robots) Allowed(rawURL string) bool {
	if r == nil || r.group == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return r.group.Test(path)
}

func (r *Robots) CrawlDelay() time.Duration {
	if r == nil || r.group == nil {
		return 0
	}
	return r.group.CrawlDelay
}

// ProductToken returns the bot name robots.txt groups are matched against:
// "NewMajorityBot" for "Mozilla/5.0 (compatible; NewMajorityBot/1.0; ...)".
func ProductToken(userAgent string) string {
	if m := reProduct.FindStringSubmatch(userAgent); m != nil {
		return m[1]
	}
	return userAgent
}
