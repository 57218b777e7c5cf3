package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rcproxy/internal/config"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Cache.Path = t.TempDir()
	cfg.Local.StateDir = t.TempDir()
	cfg.Queue.PersistInterval = 20 * time.Millisecond
	return cfg
}

// serve runs app on a loopback listener until the test ends.
func serve(t *testing.T, app *App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("app did not shut down")
		}
	})
	return ln.Addr().String()
}

func proxyClient(t *testing.T, addr, user string) *http.Client {
	t.Helper()
	proxyURL := &url.URL{Scheme: "http", Host: addr}
	if user != "" {
		proxyURL.User = url.UserPassword(user, "x")
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableCompression: true},
		Timeout:   30 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestQueuedRequestIsCrawledAndServedFromCache(t *testing.T) {
	t.Parallel()

	var originHits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits.Add(1)
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, `<html><head><title>Home</title><link rel="stylesheet" href="/style.css"></head><body>hello offline world</body></html>`)
		case "/style.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "body{color:red}")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	remoteCfg := baseConfig(t)
	remoteApp, err := BuildRemote(remoteCfg, nil)
	require.NoError(t, err)
	remoteAddr := serve(t, remoteApp)

	localCfg := baseConfig(t)
	localCfg.Remote.Address = remoteAddr
	localApp, err := BuildLocal(localCfg, nil)
	require.NoError(t, err)
	localAddr := serve(t, localApp)

	client := proxyClient(t, localAddr, "alice")
	resp, err := client.Get(origin.URL + "/")
	require.NoError(t, err)
	assert.Contains(t, body(t, resp), "queued")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := client.Get("http://rcproxy.local/request/queue.xml?u=alice")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(data), `status="completed"`)
	}, 20*time.Second, 50*time.Millisecond)

	hits := originHits.Load()
	require.Equal(t, int64(2), hits)

	resp, err = client.Get(origin.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), "hello offline world")

	resp, err = client.Get(origin.URL + "/style.css")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{color:red}", body(t, resp))
	assert.Equal(t, hits, originHits.Load())

	resp, err = client.Get("http://rcproxy.local/request/result.xml?s=offline")
	require.NoError(t, err)
	assert.Contains(t, body(t, resp), origin.URL+"/")
}

func TestLocalRestoresQueuesAcrossRestart(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Network.Status = "offline"
	cfg.Remote.Address = "127.0.0.1:1"

	first, err := BuildLocal(cfg, nil)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Serve(ctx, ln) }()

	resp, err := proxyClient(t, ln.Addr().String(), "").Get("http://rcproxy.local/request/add?u=alice&t=" + url.QueryEscape("http://example.com/later") + "&r=back")
	require.NoError(t, err)
	require.Equal(t, "back", body(t, resp))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("first app did not shut down")
	}

	second, err := BuildLocal(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(second.closeAll)

	rec := httptest.NewRecorder()
	second.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://rcproxy.local/request/queue.xml?u=alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://example.com/later")
	assert.Contains(t, rec.Body.String(), `status="pending"`)
}

func TestBuildRemoteRejectsBadGateway(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Remote.Gateway = "http://[::1"
	_, err := BuildRemote(cfg, nil)
	require.Error(t, err)
}
