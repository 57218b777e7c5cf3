package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/cache"
	"github.com/JakeFAU/rcproxy/internal/metrics"
	"github.com/JakeFAU/rcproxy/internal/netstatus"
	"github.com/JakeFAU/rcproxy/internal/pack"
	"github.com/JakeFAU/rcproxy/internal/request"
	"github.com/JakeFAU/rcproxy/internal/search"
	"github.com/JakeFAU/rcproxy/internal/users"
)

const defaultRequestTimeout = 30 * time.Second

// Queue is the part of the queue manager the control plane drives.
type Queue interface {
	Enqueue(userID string, rec *request.Record) (*request.Record, error)
	Dequeue(userID string, rec *request.Record) bool
	ListForUser(userID string) []*request.Record
	Find(userID, id string) (*request.Record, bool)
	ClaimOrphan(userID, id string) (*request.Record, error)
}

// Dispatcher reports ETAs and holds the richness used for queued crawls.
type Dispatcher interface {
	FormatETA(rec *request.Record) string
	SetRichness(r pack.Richness)
	Richness() pack.Richness
}

// Searcher answers local full-text queries.
type Searcher interface {
	Search(query string, p, n int) (int, []search.Result, error)
}

// Cache lists cached text pages for the browse page.
type Cache interface {
	TextFiles() iter.Seq[cache.Entry]
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Config tunes the control plane.
type Config struct {
	// SearchEngineURL receives search.xml queries while online. Empty keeps
	// every search local.
	SearchEngineURL string
	// RequestTimeout bounds each control-plane request.
	RequestTimeout time.Duration
	// Client performs external search requests.
	Client *http.Client
}

// Deps are the collaborators behind the control-plane routes. Search, Cache
// and Users are optional.
type Deps struct {
	Queue      Queue
	Dispatcher Dispatcher
	Status     *netstatus.Holder
	Search     Searcher
	Cache      Cache
	Users      *users.Store
	Clock      Clock
}

// Server wires the /request control plane and operational endpoints.
type Server struct {
	router chi.Router
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/request", func(r chi.Router) {
		r.Get("/index.xml", s.browse)
		r.Get("/queue.xml", s.queue)
		r.Get("/result.xml", s.localSearch)
		r.Get("/search.xml", s.search)
		r.Get("/add", s.add)
		r.Post("/add", s.add)
		r.Get("/remove", s.remove)
		r.Get("/eta", s.eta)
		r.Get("/status", s.status)
		r.Get("/richness", s.richness)
		r.Get("/signup", s.signup)
		r.Post("/signup", s.signup)
		r.Get("/claim", s.claim)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.String("url", r.URL.String()),
						zap.Any("panic", rec),
						zap.Stack("stack"))
					writeText(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}
