// Package server builds and runs the two proxy tiers from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/api"
	"github.com/JakeFAU/rcproxy/internal/cache"
	"github.com/JakeFAU/rcproxy/internal/clock/system"
	"github.com/JakeFAU/rcproxy/internal/config"
	"github.com/JakeFAU/rcproxy/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/rcproxy/internal/fetcher/colly"
	"github.com/JakeFAU/rcproxy/internal/htmlparse"
	"github.com/JakeFAU/rcproxy/internal/id/uuid"
	"github.com/JakeFAU/rcproxy/internal/netstatus"
	"github.com/JakeFAU/rcproxy/internal/pack"
	"github.com/JakeFAU/rcproxy/internal/policy/ratelimit"
	"github.com/JakeFAU/rcproxy/internal/proxy"
	"github.com/JakeFAU/rcproxy/internal/queue"
	"github.com/JakeFAU/rcproxy/internal/remote"
	"github.com/JakeFAU/rcproxy/internal/search"
	"github.com/JakeFAU/rcproxy/internal/throttle"
	"github.com/JakeFAU/rcproxy/internal/users"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	openTimeout       = time.Second
)

// App is one built proxy tier: its handler, listener settings and the
// goroutines and resources that live alongside the server.
type App struct {
	role       string
	listen     string
	maxConns   int
	handler    http.Handler
	background []func(context.Context)
	closers    []func() error
	logger     *zap.Logger
}

func newApp(role string, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{role: role, logger: logger}
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Handler is the tier's HTTP handler, panics recovered.
func (a *App) Handler() http.Handler {
	return proxy.Recover(a.logger, a.handler)
}

// Run listens on the configured address and serves until ctx ends.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.listen)
	if err != nil {
		a.closeAll()
		return fmt.Errorf("listen %s: %w", a.listen, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts on ln until ctx ends, then shuts down gracefully: the HTTP
// server drains, background loops stop and resources close in reverse order.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	for _, fn := range a.background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	limited := proxy.NewListener(ln, a.maxConns, 0, a.logger)
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("proxy started", zap.String("role", a.role), zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(limited); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated", zap.String("role", a.role))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	a.closeAll()
	a.logger.Info("shutdown complete", zap.String("role", a.role))

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	default:
		return nil
	}
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func openCache(cfg config.Config, clock cache.Clock, logger *zap.Logger) (*cache.Store, error) {
	store, err := cache.Open(cache.Config{
		Root:        cfg.Cache.Path,
		IndexFile:   cfg.Cache.IndexFile,
		OpenTimeout: openTimeout,
	}, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("cache init failed: %w", err)
	}
	return store, nil
}

// BuildLocal assembles the user-facing proxy: cache, queues and their
// snapshot, dispatch loop, control plane and the optional link prober.
func BuildLocal(cfg config.Config, logger *zap.Logger) (*App, error) {
	app := newApp("local", logger)
	app.listen = cfg.Local.Listen
	app.maxConns = cfg.Local.MaxConnections
	logger = app.logger
	built := false
	defer func() {
		if !built {
			app.closeAll()
		}
	}()

	clock := system.New()
	if err := os.MkdirAll(filepath.Join(cfg.Local.StateDir, "tmp"), 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	store, err := openCache(cfg, clock, logger)
	if err != nil {
		return nil, err
	}
	app.onClose(store.Close)

	index, err := search.Open(cfg.SearchIndexFile(), htmlparse.Parser{}, logger)
	if err != nil {
		return nil, fmt.Errorf("search index init failed: %w", err)
	}
	app.onClose(index.Close)

	userStore, err := users.Open(cfg.UsersFile(), clock, logger)
	if err != nil {
		return nil, fmt.Errorf("user store init failed: %w", err)
	}

	blocklist, err := proxy.LoadBlocklist(cfg.Blacklist.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("blacklist loaded", zap.Int("patterns", blocklist.Len()))

	queues := queue.NewManager(cfg.Queue.OrphanCapacity, uuid.New(), clock, logger)
	snapshots, err := queue.OpenSnapshotStore(cfg.SnapshotFile(), openTimeout)
	if err != nil {
		return nil, err
	}
	app.onClose(snapshots.Close)
	switch st, ok, loadErr := snapshots.Load(); {
	case loadErr != nil:
		logger.Warn("queue snapshot unreadable, starting empty", zap.Error(loadErr))
	case ok:
		logger.Info("queues restored", zap.Int("pending", queues.Restore(st)), zap.Int("users", len(queues.Users())))
	}

	status := netstatus.NewHolder(cfg.InitialStatus())
	remoteURL, err := dispatcher.ParseRemote(cfg.Remote.Address)
	if err != nil {
		return nil, err
	}
	transfer, err := dispatcher.NewRemoteTransfer(cfg.Remote.Address, &pack.Unpacker{
		Target:  store,
		Indexer: index,
		TempDir: filepath.Join(cfg.Local.StateDir, "tmp"),
		Logger:  logger,
	}, logger)
	if err != nil {
		return nil, err
	}
	dispatch := dispatcher.New(queues, status, transfer, clock, logger)

	control := api.NewServer(api.Config{SearchEngineURL: cfg.Search.EngineURL}, api.Deps{
		Queue:      queues,
		Dispatcher: dispatch,
		Status:     status,
		Search:     index,
		Cache:      store,
		Users:      userStore,
		Clock:      clock,
	}, logger)

	app.handler = proxy.NewLocal(
		proxy.LocalConfig{InternalHosts: cfg.Local.InternalHosts, Remote: remoteURL},
		store, queues, status, blocklist,
		control.Handler(),
		throttle.New(cfg.Bandwidth.LocalBytesPerSec, "local"),
		clock,
		logger,
	)

	app.background = append(app.background,
		dispatch.Run,
		func(ctx context.Context) { queues.Persist(ctx, snapshots, cfg.Queue.PersistInterval) },
	)
	if cfg.Network.ProbeInterval > 0 {
		prober := &netstatus.Prober{
			Holder:    status,
			Target:    remoteURL.JoinPath("healthz").String(),
			Interval:  cfg.Network.ProbeInterval,
			Threshold: cfg.Network.SlowThreshold,
			Logger:    logger.Named("prober"),
		}
		app.background = append(app.background, prober.Run)
	}

	logger.Info("local proxy built",
		zap.String("listen", cfg.Local.Listen),
		zap.String("remote", remoteURL.String()),
		zap.String("status", status.Get().String()),
		zap.Int("cached", store.Len()),
	)
	built = true
	return app, nil
}

// BuildRemote assembles the crawling proxy.
func BuildRemote(cfg config.Config, logger *zap.Logger) (*App, error) {
	app := newApp("remote", logger)
	app.listen = cfg.Remote.Listen
	app.maxConns = cfg.Remote.MaxConnections
	logger = app.logger
	built := false
	defer func() {
		if !built {
			app.closeAll()
		}
	}()

	clock := system.New()
	store, err := openCache(cfg, clock, logger)
	if err != nil {
		return nil, err
	}
	app.onClose(store.Close)

	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Crawl.UserAgent,
		Gateway:     cfg.Remote.Gateway,
		MaxBodySize: cfg.Crawl.MaxBodyBytes,
		HeadTimeout: cfg.Crawl.HeadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}

	crawlCfg := remote.Config{
		MaxDepth:             cfg.Crawl.MaxDepth,
		LowWatermark:         cfg.Crawl.LowWatermark,
		MaxParallelDownloads: cfg.Crawl.MaxParallelDownloads,
		MaxLinks:             cfg.Crawl.MaxLinks,
		DefaultTimeout:       cfg.Crawl.RequestTimeout,
	}
	if cfg.Crawl.HostRPS > 0 {
		crawlCfg.HostLimiter = ratelimit.New(ratelimit.Config{RPS: cfg.Crawl.HostRPS, Burst: cfg.Crawl.HostBurst})
	}
	crawler := remote.NewCrawler(crawlCfg, fetcher, htmlparse.Parser{MaxLinks: cfg.Crawl.MaxLinks}, store, clock, logger)

	var transport *http.Transport
	if cfg.Remote.Gateway != "" {
		gateway, err := url.Parse(cfg.Remote.Gateway)
		if err != nil {
			return nil, fmt.Errorf("parse remote.gateway: %w", err)
		}
		transport = &http.Transport{Proxy: http.ProxyURL(gateway)}
	}

	app.handler = remote.NewHandler(remote.HandlerConfig{
		Quota:          cfg.Crawl.QuotaBytes,
		RequestTimeout: cfg.Crawl.RequestTimeout,
		MaxInflight:    int64(cfg.Remote.MaxInflightRequests),
		Transport:      transport,
	}, crawler, throttle.New(cfg.Bandwidth.RemoteBytesPerSec, "remote"), clock, logger)

	logger.Info("remote proxy built",
		zap.String("listen", cfg.Remote.Listen),
		zap.Int64("quota_bytes", cfg.Crawl.QuotaBytes),
		zap.Int("max_depth", cfg.Crawl.MaxDepth),
		zap.Bool("gateway", cfg.Remote.Gateway != ""),
		zap.Float64("host_rps", cfg.Crawl.HostRPS),
	)
	built = true
	return app, nil
}
