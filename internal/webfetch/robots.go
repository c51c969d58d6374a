package webfetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
)

// robotsChecker fetches and caches robots.txt per scheme+host.
type robotsChecker struct {
	cache     *cache.Cache
	userAgent string
	client    *http.Client
}

func newRobotsChecker(userAgent string, client *http.Client) *robotsChecker {
	return &robotsChecker{
		cache:     cache.New(24*time.Hour, time.Hour),
		userAgent: userAgent,
		client:    client,
	}
}

// allowed reports whether u may be fetched. Missing or unreadable robots.txt
// allows everything.
func (rc *robotsChecker) allowed(ctx context.Context, u *url.URL) bool {
	origin := u.Scheme + "://" + u.Host
	if cached, ok := rc.cache.Get(origin); ok {
		return cached.(*robotstxt.RobotsData).TestAgent(pathOf(u), rc.userAgent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return true
	}
	req.Header.Set("User-Agent", rc.userAgent)
	resp, err := rc.client.Do(req)
	if err != nil {
		return true
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return true
	}
	rc.cache.Set(origin, data, cache.DefaultExpiration)
	return data.TestAgent(pathOf(u), rc.userAgent)
}

func pathOf(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
