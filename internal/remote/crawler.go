// Package remote implements the uplink side of the proxy pair: a recursive,
// quota-bounded crawl that downloads a page with its embedded objects and
// links, and the HTTP handler that ships the result back as a package.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/rcproxy/internal/cache"
	collyfetcher "github.com/JakeFAU/rcproxy/internal/fetcher/colly"
	"github.com/JakeFAU/rcproxy/internal/htmlparse"
	"github.com/JakeFAU/rcproxy/internal/metrics"
	"github.com/JakeFAU/rcproxy/internal/pack"
	"github.com/JakeFAU/rcproxy/internal/request"
)

var (
	// ErrKilled is returned when the owning handler asked the crawl to stop.
	ErrKilled = errors.New("crawl killed")
	// ErrQuotaExhausted is returned when not even the root fits the quota.
	ErrQuotaExhausted = errors.New("quota exhausted")
)

// StatusError carries the HTTP status the client should see for a failed
// root request.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.Code, http.StatusText(e.Code), e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Fetcher downloads one resource.
type Fetcher interface {
	Fetch(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error)
	Head(ctx context.Context, rawURL string) (collyfetcher.Response, error)
}

// Parser extracts references from HTML.
type Parser interface {
	EmbeddedObjects(baseURL string, body []byte) ([]string, error)
	Links(baseURL string, body []byte) ([]htmlparse.Link, error)
}

// Cache is the part of the cache store the crawl writes through.
type Cache interface {
	Root() string
	IsCached(method, uri string) bool
	Get(method, uri string) (cache.Entry, error)
	PathFor(method, uri string) (string, error)
	Put(resp cache.Response) (cache.Entry, error)
	WriteRedirectMarker(method, from, to string) (cache.Entry, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Config tunes the crawl.
type Config struct {
	// MaxDepth is the number of link levels explored, the root included.
	MaxDepth int
	// LowWatermark is the fraction of the starting quota below which the
	// crawl stops recursing.
	LowWatermark float64
	// MaxParallelDownloads bounds concurrent embedded object downloads
	// across all crawls.
	MaxParallelDownloads int64
	// MaxLinks caps the links followed from one page; zero means all.
	MaxLinks int
	// DefaultTimeout bounds a fetch when the crawl carries no deadline.
	DefaultTimeout time.Duration
	// HostLimiter, when set, spaces out fetches to the same host.
	HostLimiter HostLimiter
}

// HostLimiter blocks until a host may be contacted again.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Options describe one top-level crawl.
type Options struct {
	Richness pack.Richness
	Quota    int64
	Deadline time.Time
	// Header is forwarded on the root request only.
	Header http.Header
	// Kill is checked before every network call is issued.
	Kill *atomic.Bool
}

// Crawler runs crawls against a shared cache.
type Crawler struct {
	cfg     Config
	fetcher Fetcher
	parser  Parser
	cache   Cache
	clock   Clock
	logger  *zap.Logger
	sem     *semaphore.Weighted
}

// NewCrawler wires a Crawler.
func NewCrawler(cfg Config, fetcher Fetcher, parser Parser, store Cache, clock Clock, logger *zap.Logger) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1
	}
	if cfg.MaxParallelDownloads <= 0 {
		cfg.MaxParallelDownloads = 8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	return &Crawler{
		cfg:     cfg,
		fetcher: fetcher,
		parser:  parser,
		cache:   store,
		clock:   clock,
		logger:  logger.Named("crawler"),
		sem:     semaphore.NewWeighted(cfg.MaxParallelDownloads),
	}
}

// crawl is the state shared by every branch of one top-level request.
type crawl struct {
	opts    Options
	pkg     *pack.Package
	kill    *atomic.Bool
	mu      sync.Mutex
	visited map[string]struct{}
}

func (s *crawl) killed() bool {
	return s.kill != nil && s.kill.Load()
}

// claim marks uri as visited and reports whether it was new.
func (s *crawl) claim(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.visited[uri]; ok {
		return false
	}
	s.visited[uri] = struct{}{}
	return true
}

// Crawl downloads root and, within the quota and deadline, everything it
// references. The returned package holds every record that fit. A non-nil
// error means the root itself could not be served; it is a *StatusError
// whenever a client-facing status is known.
func (c *Crawler) Crawl(ctx context.Context, root *request.Record, opts Options) (*pack.Package, error) {
	quota := opts.Quota
	low := int64(float64(opts.Quota) * c.cfg.LowWatermark)
	s := &crawl{
		opts:    opts,
		pkg:     pack.New(c.cache.Root(), &quota, low),
		kill:    opts.Kill,
		visited: map[string]struct{}{root.URI(): {}},
	}
	err := c.crawlNode(ctx, s, root, 0)
	return s.pkg, err
}

func (c *Crawler) crawlNode(ctx context.Context, s *crawl, rec *request.Record, depth int) error {
	logger := c.logger.With(zap.String("url", rec.URI()), zap.Int("depth", depth))

	if s.killed() {
		return rootOnly(depth, &StatusError{Code: http.StatusServiceUnavailable, Err: ErrKilled})
	}
	if s.pkg.Exhausted() {
		return rootOnly(depth, &StatusError{Code: http.StatusRequestEntityTooLarge, Err: ErrQuotaExhausted})
	}

	var header http.Header
	if depth == 0 {
		header = s.opts.Header
	}
	body, err := c.download(ctx, s, rec, header)
	if err != nil {
		if depth == 0 {
			logger.Warn("root download failed", zap.Error(err))
		} else {
			logger.Debug("branch download failed", zap.Error(err))
		}
		return rootOnly(depth, err)
	}

	if !s.pkg.Pack(rec) {
		logger.Debug("record does not fit quota", zap.Int64("size", rec.Size()), zap.Int64("remaining", s.pkg.Remaining()))
		return rootOnly(depth, &StatusError{Code: http.StatusRequestEntityTooLarge, Err: ErrQuotaExhausted})
	}
	if rec.Redirected() {
		marker := request.New(rec.Method(), rec.URIBeforeRedirect(), request.Options{})
		s.pkg.Pack(marker)
	}

	if body == nil {
		return nil
	}

	c.fetchEmbedded(ctx, s, rec, body)

	if depth >= c.cfg.MaxDepth-1 {
		return nil
	}
	links, err := c.parser.Links(rec.URI(), body)
	if err != nil {
		logger.Debug("extract links", zap.Error(err))
		return nil
	}
	for i, link := range links {
		if c.cfg.MaxLinks > 0 && i >= c.cfg.MaxLinks {
			break
		}
		if s.killed() || s.pkg.Exhausted() {
			break
		}
		if !s.claim(link.URL) {
			continue
		}
		child := request.New(http.MethodGet, link.URL, request.Options{Anchor: link.Anchor, Referrer: rec.URI()})
		_ = c.crawlNode(ctx, s, child, depth+1)
	}
	return nil
}

func rootOnly(depth int, err error) error {
	if depth == 0 {
		return err
	}
	return nil
}

// fetchEmbedded downloads the page's embedded objects in parallel, waits for
// them until the crawl deadline, then packs the finished ones in one batch.
// Downloads still running at the deadline are abandoned.
func (c *Crawler) fetchEmbedded(ctx context.Context, s *crawl, page *request.Record, body []byte) {
	if s.pkg.Exhausted() {
		return
	}
	objects, err := c.parser.EmbeddedObjects(page.URI(), body)
	if err != nil || len(objects) == 0 {
		return
	}

	dctx, cancel := context.WithCancel(ctx)
	if !s.opts.Deadline.IsZero() {
		dctx, cancel = context.WithDeadline(ctx, s.opts.Deadline)
	}
	defer cancel()

	results := make(chan *request.Record, len(objects))
	var launched int
	for _, obj := range objects {
		if s.killed() {
			break
		}
		if !s.claim(obj) {
			continue
		}
		if s.opts.Richness == pack.RichnessLow && !c.IsATextPage(dctx, obj) {
			continue
		}
		launched++
		child := request.New(http.MethodGet, obj, request.Options{Referrer: page.URI()})
		go func() {
			if err := c.sem.Acquire(dctx, 1); err != nil {
				results <- nil
				return
			}
			defer c.sem.Release(1)
			if s.killed() {
				results <- nil
				return
			}
			if _, err := c.download(dctx, s, child, nil); err != nil {
				results <- nil
				return
			}
			results <- child
		}()
	}

	var done []*request.Record
wait:
	for range launched {
		select {
		case rec := <-results:
			if rec != nil {
				done = append(done, rec)
			}
		case <-dctx.Done():
			c.logger.Debug("embedded downloads abandoned at deadline", zap.String("url", page.URI()))
			break wait
		}
	}

	for _, rec := range done {
		if !s.pkg.Pack(rec) {
			continue
		}
		if rec.Redirected() {
			s.pkg.Pack(request.New(rec.Method(), rec.URIBeforeRedirect(), request.Options{}))
		}
	}
}

// download brings rec into the cache, from the network unless a cacheable
// copy is already present. It returns the body when the record is an HTML
// page worth parsing, nil otherwise.
func (c *Crawler) download(ctx context.Context, s *crawl, rec *request.Record, header http.Header) ([]byte, error) {
	if err := rec.Start(c.clock.Now()); err != nil {
		return nil, err
	}

	if rec.Cacheable() {
		if entry, ok := c.cached(rec); ok {
			_ = rec.Complete(c.clock.Now(), entry.Size)
			metrics.ObserveCrawlPage(rec.URI(), "cached")
			return c.readHTML(entry)
		}
	}

	if s.killed() {
		_ = rec.Fail(c.clock.Now())
		return nil, &StatusError{Code: http.StatusServiceUnavailable, Err: ErrKilled}
	}

	timeout := c.cfg.DefaultTimeout
	if !s.opts.Deadline.IsZero() {
		timeout = request.RemainingTimeout(s.opts.Deadline, c.clock.Now())
	}
	if c.cfg.HostLimiter != nil {
		if err := c.cfg.HostLimiter.Wait(ctx, rec.URI()); err != nil {
			return nil, c.fail(rec, http.StatusGatewayTimeout, err)
		}
	}
	resp, err := c.fetcher.Fetch(ctx, collyfetcher.Request{
		Method:  rec.Method(),
		URL:     rec.URI(),
		Body:    rec.Body(),
		Header:  header,
		Timeout: timeout,
	})
	if err != nil {
		return nil, c.fail(rec, fetchStatus(err), err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, c.fail(rec, resp.StatusCode, fmt.Errorf("upstream returned %d", resp.StatusCode))
	}

	if resp.Redirected(rec.URI()) {
		from := rec.URI()
		rec.Redirect(resp.URL)
		if _, err := c.cache.WriteRedirectMarker(rec.Method(), from, resp.URL); err != nil {
			c.logger.Warn("write redirect marker", zap.String("url", from), zap.Error(err))
		}
	}

	entry, err := c.cache.Put(cache.Response{
		Method:       rec.Method(),
		URI:          rec.URI(),
		Status:       resp.StatusCode,
		Header:       resp.Header,
		Body:         bytes.NewReader(resp.Body),
		DownloadTime: resp.Duration,
	})
	if err != nil {
		return nil, c.fail(rec, http.StatusBadGateway, err)
	}
	if entry.Size == 0 && rec.Method() != http.MethodHead {
		return nil, c.fail(rec, http.StatusBadGateway, errors.New("empty response body"))
	}
	if err := rec.Complete(c.clock.Now(), entry.Size); err != nil {
		return nil, err
	}
	metrics.ObserveCrawlPage(rec.URI(), "completed")

	if !isHTML(entry.ContentType) {
		return nil, nil
	}
	return resp.Body, nil
}

func (c *Crawler) fail(rec *request.Record, code int, err error) error {
	_ = rec.Fail(c.clock.Now())
	metrics.ObserveCrawlPage(rec.URI(), "failed")
	return &StatusError{Code: code, Err: fmt.Errorf("%s: %w", rec, err)}
}

// cached resolves rec against the cache, following a stored redirect marker
// onto its target when the target is cached too.
func (c *Crawler) cached(rec *request.Record) (cache.Entry, bool) {
	if !c.cache.IsCached(rec.Method(), rec.URI()) {
		return cache.Entry{}, false
	}
	entry, err := c.cache.Get(rec.Method(), rec.URI())
	if err != nil {
		return cache.Entry{}, false
	}
	if entry.Status != http.StatusMovedPermanently {
		return entry, true
	}
	target := entry.Header.Get("Location")
	if target == "" || !c.cache.IsCached(rec.Method(), target) {
		return cache.Entry{}, false
	}
	rec.Redirect(target)
	entry, err = c.cache.Get(rec.Method(), target)
	if err != nil {
		return cache.Entry{}, false
	}
	return entry, true
}

func (c *Crawler) readHTML(entry cache.Entry) ([]byte, error) {
	if !isHTML(entry.ContentType) {
		return nil, nil
	}
	full, err := c.cache.PathFor(entry.Method, entry.URI)
	if err != nil {
		return nil, nil
	}
	body, err := os.ReadFile(full) // #nosec G304 -- path comes from the cache layout.
	if err != nil {
		return nil, nil
	}
	return body, nil
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "html")
}

// fetchStatus picks the most specific status for a transport failure.
func fetchStatus(err error) int {
	if errors.Is(err, collyfetcher.ErrNoTimeBudget) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
