package proxy

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/address"
	"github.com/JakeFAU/rcproxy/internal/cache"
	"github.com/JakeFAU/rcproxy/internal/metrics"
	"github.com/JakeFAU/rcproxy/internal/netstatus"
	"github.com/JakeFAU/rcproxy/internal/pack"
	"github.com/JakeFAU/rcproxy/internal/request"
	"github.com/JakeFAU/rcproxy/internal/throttle"
)

const role = "local"

// UserCookie names the cookie carrying the user id on control-plane pages.
const UserCookie = "rc_user"

// Cache is the read side of the cache store.
type Cache interface {
	IsCached(method, uri string) bool
	OpenFile(method, uri string) (*os.File, cache.Entry, error)
}

// Queue is the part of the queue manager the handler submits to.
type Queue interface {
	Enqueue(userID string, rec *request.Record) (*request.Record, error)
	AddOrphan(rec *request.Record) (string, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// LocalConfig configures the local proxy handler.
type LocalConfig struct {
	// InternalHosts are host names answered by the control plane instead of
	// being proxied. The first one is used in redirects.
	InternalHosts []string
	// Remote is the remote proxy that online requests stream through.
	Remote *url.URL
}

// Local is the local proxy handler. Cached responses are served from disk;
// misses stream through the remote proxy while online and are queued for
// later otherwise.
type Local struct {
	cfg       LocalConfig
	cache     Cache
	queue     Queue
	status    *netstatus.Holder
	blocklist *Blocklist
	control   http.Handler
	limiter   *throttle.Limiter
	clock     Clock
	logger    *zap.Logger
	internal  map[string]struct{}
	proxy     *goproxy.ProxyHttpServer
}

// streamed tags goproxy contexts whose response comes from the remote proxy.
type streamed struct{}

// NewLocal wires the local proxy handler. control serves the internal hosts
// and any non-proxy request.
func NewLocal(
	cfg LocalConfig,
	store Cache,
	queue Queue,
	status *netstatus.Holder,
	blocklist *Blocklist,
	control http.Handler,
	limiter *throttle.Limiter,
	clock Clock,
	logger *zap.Logger,
) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Local{
		cfg:       cfg,
		cache:     store,
		queue:     queue,
		status:    status,
		blocklist: blocklist,
		control:   control,
		limiter:   limiter,
		clock:     clock,
		logger:    logger.Named("local"),
		internal:  make(map[string]struct{}, len(cfg.InternalHosts)),
	}
	for _, h := range cfg.InternalHosts {
		l.internal[strings.ToLower(h)] = struct{}{}
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Tr = &http.Transport{Proxy: http.ProxyURL(cfg.Remote)}
	proxy.OnRequest().HandleConnect(goproxy.AlwaysReject)
	proxy.OnRequest().DoFunc(l.onRequest)
	proxy.OnResponse().DoFunc(l.onResponse)
	proxy.NonproxyHandler = control
	l.proxy = proxy
	return l
}

// ServeHTTP implements http.Handler.
func (l *Local) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.IncActiveHandlers(role)
	defer metrics.DecActiveHandlers(role)

	if r.URL.IsAbs() && l.isInternal(r.URL.Hostname()) {
		l.control.ServeHTTP(w, r)
		return
	}
	l.proxy.ServeHTTP(w, r)
}

func (l *Local) isInternal(host string) bool {
	_, ok := l.internal[strings.ToLower(host)]
	return ok
}

func (l *Local) onRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	uri := r.URL.String()
	logger := l.logger.With(zap.String("url", uri))

	if err := address.Validate(uri); err != nil {
		metrics.ObserveProxyRequest(role, "invalid")
		logger.Debug("invalid uri", zap.Error(err))
		return r, textResponse(r, http.StatusBadRequest, "invalid URI")
	}
	if l.blocklist.IsBlocked(r.URL.Hostname()) {
		metrics.ObserveProxyRequest(role, "blocked")
		logger.Debug("blacklisted host")
		return r, textResponse(r, http.StatusForbidden, "blocked by proxy blacklist")
	}

	if l.cache.IsCached(r.Method, uri) {
		if resp := l.serveCached(r, logger); resp != nil {
			metrics.ObserveCacheLookup(true)
			metrics.ObserveProxyRequest(role, "hit")
			return r, resp
		}
	}
	metrics.ObserveCacheLookup(false)

	user := UserFromRequest(r)
	if l.status.Get() == netstatus.Online {
		pack.RequestHeaders{Stream: true, UserID: user}.Apply(r.Header)
		r.Header.Del("Proxy-Authorization")
		ctx.UserData = streamed{}
		metrics.ObserveProxyRequest(role, "stream")
		return r, nil
	}

	return r, l.queueMiss(r, user, logger)
}

// serveCached answers from disk. A redirect marker becomes a 301 to its
// target. It returns nil when the file vanished since the index lookup.
func (l *Local) serveCached(r *http.Request, logger *zap.Logger) *http.Response {
	f, entry, err := l.cache.OpenFile(r.Method, r.URL.String())
	if err != nil {
		logger.Debug("cached file unavailable", zap.Error(err))
		return nil
	}

	if entry.Status == http.StatusMovedPermanently {
		defer f.Close()
		target := entry.Header.Get("Location")
		if target == "" {
			head, _ := io.ReadAll(io.LimitReader(f, 8<<10))
			target, _ = cache.ParseRedirectMarker(head)
		}
		if target != "" {
			resp := goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusMovedPermanently, "moved to "+target+"\n")
			resp.Header.Set("Location", target)
			return resp
		}
	}

	resp := goproxy.NewResponse(r, entry.ContentType, http.StatusOK, "")
	for k, vs := range entry.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Transfer-Encoding", "Content-Encoding", "Connection":
			continue
		}
		resp.Header[k] = append([]string(nil), vs...)
	}
	if entry.ContentType != "" {
		resp.Header.Set("Content-Type", entry.ContentType)
	}
	resp.Header.Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	resp.ContentLength = entry.Size
	resp.Body = l.limiter.Reader(r.Context(), f)
	logger.Debug("served from cache", zap.Int64("bytes", entry.Size))
	return resp
}

// queueMiss parks a miss for the dispatch loop. Known users get a receipt;
// anonymous requests become orphans and are sent to the claim page.
func (l *Local) queueMiss(r *http.Request, user string, logger *zap.Logger) *http.Response {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(r.Body, 1<<20))
		_ = r.Body.Close()
	}
	rec := request.New(r.Method, r.URL.String(), request.Options{
		Body:     body,
		Referrer: r.Referer(),
		Created:  l.clock.Now(),
	})

	if user == "" {
		id, err := l.queue.AddOrphan(rec)
		if err != nil {
			logger.Warn("park orphan", zap.Error(err))
			return textResponse(r, http.StatusInternalServerError, "could not queue request")
		}
		metrics.ObserveProxyRequest(role, "orphaned")
		logger.Debug("orphan parked", zap.String("id", id))
		resp := goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusFound, "")
		resp.Header.Set("Location", l.claimURL(id, r.URL.String()))
		return resp
	}

	queued, err := l.queue.Enqueue(user, rec)
	if err != nil {
		logger.Warn("enqueue", zap.Error(err))
		return textResponse(r, http.StatusInternalServerError, "could not queue request")
	}
	metrics.ObserveProxyRequest(role, "queued")
	logger.Info("queued", zap.String("user", user), zap.String("id", queued.ID()))
	return goproxy.NewResponse(r, goproxy.ContentTypeHtml, http.StatusAccepted, l.receipt(queued, user))
}

func (l *Local) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil {
		if ctx.Error != nil {
			l.logger.Info("stream-through failed", zap.String("url", ctx.Req.URL.String()), zap.Error(ctx.Error))
		}
		return resp
	}
	if _, ok := ctx.UserData.(streamed); ok {
		resp.Body = l.limiter.Reader(ctx.Req.Context(), resp.Body)
	}
	return resp
}

func (l *Local) controlHost() string {
	if len(l.cfg.InternalHosts) > 0 {
		return l.cfg.InternalHosts[0]
	}
	return "rcproxy.local"
}

func (l *Local) claimURL(id, target string) string {
	q := url.Values{}
	q.Set("i", id)
	q.Set("r", target)
	return (&url.URL{Scheme: "http", Host: l.controlHost(), Path: "/request/claim", RawQuery: q.Encode()}).String()
}

func (l *Local) receipt(rec *request.Record, user string) string {
	q := url.Values{}
	q.Set("u", user)
	queueURL := (&url.URL{Scheme: "http", Host: l.controlHost(), Path: "/request/queue.xml", RawQuery: q.Encode()}).String()
	return fmt.Sprintf(
		"<html><head><title>Queued</title></head><body><p>%s has been queued (id %s).</p><p><a href=\"%s\">Your queue</a></p></body></html>\n",
		html.EscapeString(rec.URI()), html.EscapeString(rec.ID()), html.EscapeString(queueURL))
}

// UserFromRequest returns the user id a proxied request carries: the
// username of a Basic Proxy-Authorization header, else the rc_user cookie.
func UserFromRequest(r *http.Request) string {
	if user, ok := proxyAuthUser(r.Header.Get("Proxy-Authorization")); ok {
		return user
	}
	if c, err := r.Cookie(UserCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func proxyAuthUser(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	// net/http only parses Authorization, so borrow it for the proxy header.
	probe := &http.Request{Header: http.Header{"Authorization": []string{header}}}
	user, _, ok := probe.BasicAuth()
	if !ok || user == "" {
		return "", false
	}
	return user, true
}

func textResponse(r *http.Request, code int, msg string) *http.Response {
	return goproxy.NewResponse(r, goproxy.ContentTypeText, code, fmt.Sprintf("%d %s\n%s\n", code, http.StatusText(code), msg))
}
