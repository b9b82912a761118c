// Package router implements the Request Router (C8): it classifies every
// inbound request by method and path (§4.7) and dispatches to the
// Streaming Range Engine, the admin/preload endpoints, or a transparent
// reverse proxy. It is grounded on the teacher's internal/api/routes.go
// (endpoint registration shape) and internal/proxy/stream.go (the
// zero-buffering SetBodyStream idiom, hop-by-hop header filtering), with
// go-stremio's AddEndpoint/AddMiddleware wrapper dropped in favor of a
// plain Fiber v1 app since this proxy is no longer an addon.
package router

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gofiber/fiber"
	"go.uber.org/zap"

	"github.com/krizcold/videoproxy/internal/config"
	"github.com/krizcold/videoproxy/internal/origin"
	"github.com/krizcold/videoproxy/internal/originstate"
	"github.com/krizcold/videoproxy/internal/proxyerr"
	"github.com/krizcold/videoproxy/internal/rangeengine"
	"github.com/krizcold/videoproxy/internal/segcache"
	"github.com/krizcold/videoproxy/internal/stats"
)

// defaultPreloadSize is used when the preload endpoint's size param is
// absent (§6.3).
const defaultPreloadSize = 2 * 1024 * 1024

// videoExtensions is the §4.7 classification list.
var videoExtensions = map[string]struct{}{
	".mp4":  {},
	".mov":  {},
	".avi":  {},
	".mkv":  {},
	".webm": {},
	".m4v":  {},
}

// hopByHopHeaders must never be forwarded between the client and the
// origin in either direction; they are connection-scoped.
var hopByHopHeaders = map[string]struct{}{
	"Connection":         {},
	"Keep-Alive":         {},
	"Transfer-Encoding":  {},
	"Te":                 {},
	"Trailer":            {},
	"Upgrade":            {},
	"Proxy-Connection":   {},
	"Proxy-Authenticate": {},
}

// Router wires every dependency a handler needs: the streaming engine, the
// three origin-state caches, the origin client (for health), stats, and
// the shared outbound http.Client used for transparent proxying.
type Router struct {
	cfg *config.Config

	engine    *rangeengine.Engine
	metadata  *originstate.MetadataCache
	redirects *originstate.RedirectCache
	preload   *originstate.PreloadCache
	segments  *segcache.Cache
	client    *origin.Client
	stats     *stats.Stats
	http      *http.Client

	log *zap.Logger
}

// New builds a Router. httpClient is the shared outbound connection pool
// (C5), reused for the transparent-proxy path as well as the engine's own
// origin traffic.
func New(cfg *config.Config, engine *rangeengine.Engine, metadata *originstate.MetadataCache, redirects *originstate.RedirectCache, preload *originstate.PreloadCache, segments *segcache.Cache, client *origin.Client, st *stats.Stats, httpClient *http.Client, log *zap.Logger) *Router {
	return &Router{
		cfg:       cfg,
		engine:    engine,
		metadata:  metadata,
		redirects: redirects,
		preload:   preload,
		segments:  segments,
		client:    client,
		stats:     st,
		http:      httpClient,
		log:       log,
	}
}

// Register wires every route and the global CORS middleware onto app.
func (r *Router) Register(app *fiber.App) {
	app.Use(corsMiddleware)

	app.Options("/*", func(c *fiber.Ctx) { c.Status(http.StatusOK) })

	app.Get("/api/stats", r.handleStats)
	app.Get("/api/health", r.handleHealth)
	app.Get("/api/preload", r.handlePreload)

	app.All("/*", r.handleDefault)
}

// corsMiddleware sets the §6.2 headers on every response, including ones a
// later handler answers with an error status.
func corsMiddleware(c *fiber.Ctx) {
	c.Set("Access-Control-Allow-Origin", "*")
	c.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PROPFIND, PROPPATCH, MKCOL, COPY, MOVE")
	c.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Depth, Destination, If, Lock-Token, Overwrite, Timeout, X-Requested-With, Range")
	c.Set("Access-Control-Expose-Headers", "Content-Length, Content-Type, Date, Last-Modified, ETag, Accept-Ranges, Content-Range")
	c.Set("Access-Control-Allow-Credentials", "true")
	c.Next()
}

// handleStats answers GET /api/stats with the §6.3 JSON snapshot.
func (r *Router) handleStats(c *fiber.Ctx) {
	snap := r.stats.Snapshot(r.metadata, r.redirects, r.segments)
	writeJSON(c, http.StatusOK, snap)
}

// handleHealth answers the supplemented GET /api/health, built on the
// passively observed Origin Client health ring (grounded on the teacher's
// Engine.Ping check).
func (r *Router) handleHealth(c *fiber.Ctx) {
	ok, total := r.client.Health()
	status := "ok"
	if total > 0 && ok == 0 {
		status = "down"
	} else if total > 0 && ok < total {
		status = "degraded"
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"status":       status,
		"okRequests":   ok,
		"totalSampled": total,
	})
}

// handlePreload answers GET /api/preload?path=&start=&size= per §6.3.
func (r *Router) handlePreload(c *fiber.Ctx) {
	release := r.stats.BeginRequest(c.Method(), c.Path(), "")
	defer release()

	p := c.Query("path")
	if p == "" {
		writeError(c, proxyerr.New(proxyerr.MalformedRange, "missing path parameter", nil))
		return
	}

	start, err := parseInt64Query(c.Query("start"), 0)
	if err != nil {
		writeError(c, proxyerr.New(proxyerr.MalformedRange, "invalid start parameter", err))
		return
	}
	size, err := parseInt64Query(c.Query("size"), defaultPreloadSize)
	if err != nil {
		writeError(c, proxyerr.New(proxyerr.MalformedRange, "invalid size parameter", err))
		return
	}

	originURL := r.originURL(p, "")
	key := fmt.Sprintf("%s#%d-%d", originURL, start, size)

	cached := r.preload.Seen(key)
	if !cached {
		err = r.preload.Do(key, func() error {
			alreadyCached, perr := r.engine.Preload(context.Background(), originURL, start, size)
			if perr != nil {
				return perr
			}
			cached = alreadyCached
			r.preload.Mark(key)
			return nil
		})
		if err != nil {
			writeError(c, err)
			return
		}
	}

	status := "preloaded"
	if cached {
		status = "cached"
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"status": status,
		"range":  fmt.Sprintf("%d-%d", start, start+size-1),
		"size":   size,
	})
}

// handleDefault implements the remaining two rows of §4.7's table: a
// video path carrying Range goes to the Streaming Range Engine, everything
// else is a transparent reverse proxy.
func (r *Router) handleDefault(c *fiber.Ctx) {
	reqPath := c.Path()
	rangeHeader := c.Get("Range")

	release := r.stats.BeginRequest(c.Method(), reqPath, rangeHeader)
	defer release()

	if isVideoPath(reqPath) && rangeHeader != "" {
		r.stats.RecordRangeRequest()
		r.serveRange(c, reqPath, rangeHeader)
		return
	}
	r.passthrough(c, reqPath, isVideoPath(reqPath))
}

// serveRange dispatches to C7 and streams the prepared body with
// SetBodyStreamWriter, the push-style counterpart of the teacher's
// SetBodyStream for responses whose bytes are computed rather than a bare
// upstream reader.
func (r *Router) serveRange(c *fiber.Ctx, reqPath, rangeHeader string) {
	originURL := r.originURL(reqPath, string(c.Fasthttp.URI().QueryString()))

	prepared, err := r.engine.Serve(context.Background(), originURL, rangeHeader)
	if err != nil {
		writeError(c, err)
		return
	}

	for k, vals := range prepared.Header {
		for _, v := range vals {
			c.Set(k, v)
		}
	}
	c.Status(prepared.Status)

	log := r.log
	st := r.stats
	c.Fasthttp.Response.SetBodyStreamWriter(func(w *bufio.Writer) {
		cw := countingWriter{w: w, stats: st}
		if err := prepared.WriteBody(context.Background(), cw); err != nil {
			if isClientDisconnect(err) {
				log.Debug("client aborted range response", zap.String("url", originURL))
			} else {
				log.Warn("range response write failed", zap.String("url", originURL), zap.Error(err))
			}
		}
		w.Flush()
	})
}

// passthrough forwards the request to the origin unchanged, bar the hop-by-hop
// and Origin/Referer header stripping of §4.7, streaming the body both ways
// without buffering (grounded on internal/proxy/stream.go's SetBodyStream).
func (r *Router) passthrough(c *fiber.Ctx, reqPath string, isVideo bool) {
	originURL := r.originURL(reqPath, string(c.Fasthttp.URI().QueryString()))

	var reqBody io.Reader
	if body := c.Body(); len(body) > 0 {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequest(c.Method(), originURL, reqBody)
	if err != nil {
		writeError(c, proxyerr.Wrap(proxyerr.InternalError, err, "building upstream request"))
		return
	}
	c.Fasthttp.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(key)]; skip {
			return
		}
		if key == "Origin" || key == "Referer" {
			return
		}
		req.Header.Add(key, string(v))
	})
	req.Host = req.URL.Host

	resp, err := r.http.Do(req)
	if err != nil {
		writeError(c, proxyerr.Wrap(proxyerr.UpstreamError, err, "passthrough request to %s", originURL))
		return
	}

	for k, vals := range resp.Header {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vals {
			c.Set(k, v)
		}
	}
	if isVideo {
		c.Set("Accept-Ranges", "bytes")
	}
	c.Status(resp.StatusCode)

	contentLength := int(resp.ContentLength)
	if resp.ContentLength < 0 {
		contentLength = -1
	}
	body := &countingReadCloser{rc: resp.Body, stats: r.stats}
	c.Fasthttp.Response.SetBodyStream(body, contentLength)
}

// originURL joins the configured target host/path prefix with an inbound
// path and optional raw query string.
func (r *Router) originURL(reqPath, rawQuery string) string {
	u := strings.TrimRight(r.cfg.TargetHost, "/") + path.Join(r.cfg.TargetPath, reqPath)
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func isVideoPath(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	_, ok := videoExtensions[ext]
	return ok
}

// isClientDisconnect reports whether err looks like the client closed the
// connection mid-write, the trigger condition for the silent ClientAborted
// path of §7 (no response body can be written at this point regardless).
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset") || errors.Is(err, io.ErrClosedPipe)
}

// writeJSON renders v as the full response body. It is only ever called
// before any stream write has started, so setting status here is safe.
func writeJSON(c *fiber.Ctx, status int, v any) {
	out, err := json.Marshal(v)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		c.Set("Content-Type", "application/json")
		c.SendString(`{"error":"internal_error"}`)
		return
	}
	c.Status(status)
	c.Set("Content-Type", "application/json")
	c.Send(out)
}

// writeError maps err to the §7 JSON error shape. A client disconnect never
// reaches here — it only surfaces as a raw write error from the body-write
// path, after headers are already committed, and is logged there.
func writeError(c *fiber.Ctx, err error) {
	var perr *proxyerr.Error
	if !errors.As(err, &perr) {
		perr = proxyerr.New(proxyerr.InternalError, err.Error(), err)
	}
	c.Status(perr.Status)
	c.Set("Content-Type", "application/json")
	c.Send(perr.JSON())
}

func parseInt64Query(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// countingWriter wraps an io.Writer, feeding every successful write into
// the stats rolling-throughput window.
type countingWriter struct {
	w     io.Writer
	stats *stats.Stats
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.stats.RecordBytes(int64(n))
	}
	return n, err
}

// countingReadCloser wraps an upstream response body the same way, for the
// transparent-proxy path.
type countingReadCloser struct {
	rc    io.ReadCloser
	stats *stats.Stats
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 {
		c.stats.RecordBytes(int64(n))
	}
	return n, err
}

func (c *countingReadCloser) Close() error { return c.rc.Close() }
