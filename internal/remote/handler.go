package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/rcproxy/internal/metrics"
	"github.com/JakeFAU/rcproxy/internal/pack"
	"github.com/JakeFAU/rcproxy/internal/request"
	"github.com/JakeFAU/rcproxy/internal/throttle"
)

const role = "remote"

// HandlerConfig tunes the remote proxy handler.
type HandlerConfig struct {
	// Quota is the byte budget of one package.
	Quota int64
	// RequestTimeout bounds the crawl behind one request.
	RequestTimeout time.Duration
	// MaxInflight caps concurrent crawls; further requests get 503.
	MaxInflight int64
	// Transport forwards stream-through requests. Nil uses goproxy's default.
	Transport *http.Transport
}

// Handler is the remote proxy: a goproxy server that answers every proxied
// request with a package, or streams it straight through when asked to.
type Handler struct {
	cfg     HandlerConfig
	crawler *Crawler
	limiter *throttle.Limiter
	clock   Clock
	logger  *zap.Logger
	admit   *semaphore.Weighted
	proxy   *goproxy.ProxyHttpServer
}

// streamThrough tags a goproxy context whose response bypasses packaging.
type streamThrough struct{}

// NewHandler wires the remote proxy.
func NewHandler(cfg HandlerConfig, crawler *Crawler, limiter *throttle.Limiter, clock Clock, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 16
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	h := &Handler{
		cfg:     cfg,
		crawler: crawler,
		limiter: limiter,
		clock:   clock,
		logger:  logger.Named("remote"),
		admit:   semaphore.NewWeighted(cfg.MaxInflight),
	}

	proxy := goproxy.NewProxyHttpServer()
	if cfg.Transport != nil {
		proxy.Tr = cfg.Transport
	}
	proxy.OnRequest().HandleConnect(goproxy.AlwaysReject)
	proxy.OnRequest().DoFunc(h.onRequest)
	proxy.OnResponse().DoFunc(h.onResponse)
	proxy.NonproxyHandler = h.routes()
	h.proxy = proxy
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.IncActiveHandlers(role)
	defer metrics.DecActiveHandlers(role)
	h.proxy.ServeHTTP(w, r)
}

func (h *Handler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok\n")
	})
	return r
}

func (h *Handler) onRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	envelope := pack.ReadRequestHeaders(r.Header)
	envelope.Strip(r.Header)
	logger := h.logger.With(zap.String("url", r.URL.String()), zap.String("user", envelope.UserID))

	if envelope.Stream {
		ctx.UserData = streamThrough{}
		metrics.ObserveProxyRequest(role, "stream")
		logger.Debug("streaming through")
		return r, nil
	}

	if !h.admit.TryAcquire(1) {
		metrics.ObserveProxyRequest(role, "rejected")
		logger.Warn("too many crawls in flight")
		return r, textResponse(r, http.StatusServiceUnavailable, "too many requests in flight")
	}
	defer h.admit.Release(1)

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			metrics.ObserveProxyRequest(role, "error")
			return r, textResponse(r, http.StatusBadRequest, "read request body")
		}
	}

	kill := &atomic.Bool{}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.Context().Done():
			kill.Store(true)
		case <-done:
		}
	}()

	now := h.clock.Now()
	root := request.New(r.Method, r.URL.String(), request.Options{Body: body, Created: now})
	pkg, err := h.crawler.Crawl(context.WithoutCancel(r.Context()), root, Options{
		Richness: envelope.Richness,
		Quota:    h.cfg.Quota,
		Deadline: now.Add(h.cfg.RequestTimeout),
		Header:   forwardHeader(r.Header),
		Kill:     kill,
	})
	if err != nil {
		code := http.StatusBadGateway
		var se *StatusError
		if errors.As(err, &se) {
			code = se.Code
		}
		metrics.ObserveProxyRequest(role, "failed")
		logger.Info("crawl failed", zap.Int("status", code), zap.Error(err))
		return r, textResponse(r, code, err.Error())
	}

	manifest := pkg.Manifest()
	metrics.AddPackagedBytes(manifest.ContentSize)
	metrics.ObserveProxyRequest(role, "packaged")
	logger.Info("package ready",
		zap.Int("records", pkg.Len()),
		zap.Int64("bytes", manifest.ContentSize),
		zap.Int64("quota_left", pkg.Remaining()))

	pr, pw := io.Pipe()
	go func() {
		_, werr := manifest.WriteTo(pw)
		pw.CloseWithError(werr)
	}()

	resp := goproxy.NewResponse(r, "application/gzip", http.StatusOK, "")
	manifest.Headers().Apply(resp.Header)
	resp.ContentLength = -1
	resp.Body = h.limiter.Reader(r.Context(), pr)
	return r, resp
}

func (h *Handler) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil {
		if ctx.Error != nil {
			h.logger.Info("stream-through failed", zap.Error(ctx.Error))
		}
		return resp
	}
	if _, ok := ctx.UserData.(streamThrough); ok {
		resp.Body = h.limiter.Reader(ctx.Req.Context(), resp.Body)
	}
	return resp
}

// forwardHeader keeps the client headers worth sending upstream.
func forwardHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range []string{"Proxy-Connection", "Proxy-Authorization", "Connection", "Keep-Alive", "Te", "Trailer", "Upgrade", "Accept-Encoding"} {
		out.Del(name)
	}
	return out
}

func textResponse(r *http.Request, code int, msg string) *http.Response {
	return goproxy.NewResponse(r, goproxy.ContentTypeText, code, fmt.Sprintf("%d %s\n%s\n", code, http.StatusText(code), msg))
}
