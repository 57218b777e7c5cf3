// Package collyfetcher downloads pages and embedded objects for the remote
// crawl using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// ErrNoTimeBudget is returned for requests whose deadline already passed.
var ErrNoTimeBudget = errors.New("no time left before deadline")

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Gateway is an optional upstream HTTP proxy for every fetch.
	Gateway string
	// MaxBodySize caps a single response body; zero keeps colly's default.
	MaxBodySize int
	// HeadTimeout bounds content-type probes.
	HeadTimeout time.Duration
}

// Request describes one download.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Header  http.Header
	Timeout time.Duration
}

// Response is a completed download. URL is the final URL after redirects.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Redirected reports whether the server moved the request elsewhere.
func (r Response) Redirected(requested string) bool {
	return r.URL != "" && r.URL != requested
}

// Fetcher issues requests through a shared base collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	base, err := newHTTPTransport(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	transport := newMeteredTransport(base)

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}, nil
}

// Fetch executes a single request. A zero or negative timeout fails
// immediately; the deadline has already been spent.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	if req.Timeout <= 0 {
		return Response{}, fmt.Errorf("%s %s: %w", req.Method, req.URL, ErrNoTimeBudget)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(req.Timeout)
	f.configureCollectorHooks(collector, req, start, &result, &fetchErr)

	visit := func() error {
		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		return collector.Request(method, req.URL, body, nil, req.Header.Clone())
	}
	if err := f.runCollector(ctx, visit, &fetchErr); err != nil {
		return Response{}, err
	}
	return result, nil
}

// Head probes a URL with a short timeout.
func (f *Fetcher) Head(ctx context.Context, rawURL string) (Response, error) {
	timeout := f.cfg.HeadTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return f.Fetch(ctx, Request{Method: http.MethodHead, URL: rawURL, Timeout: timeout})
}

func (f *Fetcher) buildCollector(timeout time.Duration) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	req Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	})
}

func (f *Fetcher) runCollector(ctx context.Context, visit func() error, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	// An abandoned visit keeps running until its own timeout fires.
	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport(gateway string) (*http.Transport, error) {
	proxy := http.ProxyFromEnvironment
	if gateway != "" {
		u, err := url.Parse(gateway)
		if err != nil {
			return nil, fmt.Errorf("parse gateway %q: %w", gateway, err)
		}
		proxy = http.ProxyURL(u)
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}, nil
}
