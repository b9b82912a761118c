// Package origin implements the Origin Client (C6): it issues HEAD/GET/Range
// GET requests to the configured origin and, following a redirect, to a CDN,
// leaving response classification (206/200/30x/error) to the caller. It is
// grounded on the teacher's per-engine HTTP adapters (internal/engine's
// TorrServer/rqbit/qBittorrent clients) generalized from "one fixed torrent
// engine" to "any WebDAV-ish origin plus whatever it redirects to", and on
// the connection pool and per-read deadline built in internal/transport.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/krizcold/videoproxy/internal/originstate"
	"github.com/krizcold/videoproxy/internal/transport"
)

// neutralUserAgent is sent on every outbound request; redirect-follow (§4.6.4)
// explicitly forbids forwarding the original client's own User-Agent.
const neutralUserAgent = "videoproxy/1.0"

// Response is a classified-but-unconsumed origin or CDN response. Body must
// be read by exactly one path and then closed (§3 invariant 5).
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client issues outbound requests over the shared connection pool (C5) and
// wraps every response body in a per-read deadline so a stalled-but-connected
// origin cannot hang a stream forever.
type Client struct {
	http *http.Client
	log  *zap.Logger

	headGroup singleflight.Group
	health    healthRing
}

// New builds a Client over httpClient (normally transport.New()'s shared
// pool).
func New(httpClient *http.Client, log *zap.Logger) *Client {
	return &Client{http: httpClient, log: log, health: newHealthRing(20)}
}

// Health reports how many of the last N origin requests succeeded,
// grounded on the teacher's Engine.Ping health check (§4 "upstream
// health/ping" supplement) but observed passively from real traffic instead
// of a dedicated probe, since the proxy never calls the origin for any
// other reason than serving a request.
func (c *Client) Health() (ok, total int) {
	return c.health.snapshot()
}

// Head issues a HEAD request to learn a resource's size, content-type,
// last-modified and etag (C2's fill path). Concurrent Head calls for the
// same URL are deduplicated via singleflight so a burst of simultaneous
// Range requests for a cold video triggers exactly one HEAD.
func (c *Client) Head(ctx context.Context, url string) (originstate.MetadataEntry, error) {
	v, err, _ := c.headGroup.Do(url, func() (any, error) {
		return c.headOnce(ctx, url)
	})
	if err != nil {
		return originstate.MetadataEntry{}, err
	}
	return v.(originstate.MetadataEntry), nil
}

func (c *Client) headOnce(ctx context.Context, url string) (originstate.MetadataEntry, error) {
	// The shared pool never auto-follows redirects (the engine needs to see
	// them), so a HEAD that 30x-es is followed by hand, a few hops at most.
	for hop := 0; hop < 3; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return originstate.MetadataEntry{}, fmt.Errorf("origin: build HEAD: %w", err)
		}
		req.Header.Set("User-Agent", neutralUserAgent)
		transport.PrepareRequest(req)

		resp, err := c.http.Do(req)
		if err != nil {
			c.health.record(false)
			return originstate.MetadataEntry{}, fmt.Errorf("origin: HEAD %s: %w", url, err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound:
			loc := resp.Header.Get("Location")
			if loc == "" {
				c.health.record(false)
				return originstate.MetadataEntry{}, fmt.Errorf("origin: HEAD %s: redirect with empty Location", url)
			}
			url = loc
			continue

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			c.health.record(false)
			return originstate.MetadataEntry{}, fmt.Errorf("origin: HEAD %s: unexpected status %d", url, resp.StatusCode)
		}
		c.health.record(true)

		length, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
		return originstate.MetadataEntry{
			ContentLength: length,
			ContentType:   resp.Header.Get("Content-Type"),
			LastModified:  resp.Header.Get("Last-Modified"),
			ETag:          resp.Header.Get("ETag"),
		}, nil
	}
	c.health.record(false)
	return originstate.MetadataEntry{}, fmt.Errorf("origin: HEAD %s: too many redirects", url)
}

// Revalidate issues a conditional HEAD carrying If-None-Match/If-Modified-Since
// from an expired (not yet swept) metadata entry. A 304 means the cached entry
// is still accurate and its TTL clock may be reset without a full HEAD round
// trip; any other status returns ok=false, and the caller falls back to a
// plain Head. This is additive to §4.2 and never
// changes the TTL contract: an entry is still only ever served while
// now-insertedAt < TTL.
func (c *Client) Revalidate(ctx context.Context, url string, prev originstate.MetadataEntry) (originstate.MetadataEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return originstate.MetadataEntry{}, false, fmt.Errorf("origin: build conditional HEAD: %w", err)
	}
	req.Header.Set("User-Agent", neutralUserAgent)
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.LastModified != "" {
		req.Header.Set("If-Modified-Since", prev.LastModified)
	}
	transport.PrepareRequest(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return originstate.MetadataEntry{}, false, fmt.Errorf("origin: conditional HEAD %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return prev, true, nil
	}
	// Anything else (including a fresh 200) means the cheap path didn't help;
	// the caller should fall back to a plain Head.
	return originstate.MetadataEntry{}, false, nil
}

// Get issues a GET to url, optionally carrying a Range header, and returns
// the response unconsumed for the caller to classify and stream. Only Range
// and a neutral User-Agent are ever sent — none of the original client's
// headers reach the origin or a CDN.
func (c *Client) Get(ctx context.Context, url, rangeHeader string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("origin: build GET: %w", err)
	}
	req.Header.Set("User-Agent", neutralUserAgent)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	transport.PrepareRequest(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.health.record(false)
		return nil, fmt.Errorf("origin: GET %s: %w", url, err)
	}
	c.health.record(resp.StatusCode < 500)

	body := transport.NewDeadlineBody(resp.Body, transport.ReadTimeout, connCloser(resp))
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// connCloser builds the stall-closer DeadlineBody invokes if a read never
// returns: closing the response body is sufficient to unblock a stuck Read
// on the underlying connection without reaching into net.Conn directly.
func connCloser(resp *http.Response) func() error {
	return func() error { return resp.Body.Close() }
}

// IsTimeout reports whether err represents a connect/read timeout, the
// trigger condition for proxyerr.UpstreamTimeout.
func IsTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// healthRing is a fixed-size ring buffer of recent request outcomes, used
// only to answer "is the origin up" for /api/health; it is not part of any
// cache invariant.
type healthRing struct {
	mu      sync.Mutex
	results []bool
	next    int
	filled  bool
}

func newHealthRing(size int) healthRing {
	return healthRing{results: make([]bool, size)}
}

func (h *healthRing) record(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[h.next] = ok
	h.next = (h.next + 1) % len(h.results)
	if h.next == 0 {
		h.filled = true
	}
}

func (h *healthRing) snapshot() (ok, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.filled {
		n = len(h.results)
	}
	for i := 0; i < n; i++ {
		if h.results[i] {
			ok++
		}
	}
	return ok, n
}
