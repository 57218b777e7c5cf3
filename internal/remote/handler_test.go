package remote

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rcproxy/internal/cache"
	"github.com/JakeFAU/rcproxy/internal/pack"
	"github.com/JakeFAU/rcproxy/internal/throttle"
)

func newTestHandler(t *testing.T, fetcher Fetcher, cfg HandlerConfig) (*httptest.Server, *http.Client) {
	t.Helper()
	crawler, _ := newTestCrawler(t, fetcher, Config{MaxDepth: 2, LowWatermark: 0.01})
	h := NewHandler(cfg, crawler, throttle.New(0, "remote"), wallClock{}, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	proxyURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableCompression: true},
		Timeout:   10 * time.Second,
	}
	return srv, client
}

func TestHandlerReturnsPackage(t *testing.T) {
	t.Parallel()

	_, client := newTestHandler(t, newFakeFetcher(sitePages()), HandlerConfig{Quota: 1 << 20, RequestTimeout: time.Minute})

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	pack.RequestHeaders{UserID: "alice"}.Apply(req.Header)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sizes, err := pack.ReadResponseHeaders(resp.Header)
	require.NoError(t, err)
	assert.Positive(t, sizes.ContentSize)

	local, err := cache.Open(cache.Config{Root: t.TempDir()}, wallClock{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	u := &pack.Unpacker{Target: local, TempDir: t.TempDir()}
	n, err := u.Unpack(resp.Body, sizes.IndexSize, sizes.ContentSize)
	require.NoError(t, err)
	assert.Equal(t, sizes.ContentSize, n)
	assert.Equal(t, 4, local.Len())

	path, err := local.PathFor(http.MethodGet, "http://example.com/style.css")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "body{color:red}", string(data))
}

func TestHandlerReportsRootFailure(t *testing.T) {
	t.Parallel()

	_, client := newTestHandler(t, newFakeFetcher(sitePages()), HandlerConfig{Quota: 1 << 20})

	resp, err := client.Get("http://nowhere.test/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(pack.HeaderIndexSize))
}

func TestHandlerQuotaTooSmall(t *testing.T) {
	t.Parallel()

	_, client := newTestHandler(t, newFakeFetcher(sitePages()), HandlerConfig{Quota: 5})

	resp, err := client.Get("http://example.com/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHandlerStreamsThrough(t *testing.T) {
	t.Parallel()

	gotEnvelope := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEnvelope <- r.Header.Get(pack.HeaderStream)
		_, _ = io.WriteString(w, "direct")
	}))
	t.Cleanup(upstream.Close)

	fetcher := newFakeFetcher(nil)
	_, client := newTestHandler(t, fetcher, HandlerConfig{Quota: 1 << 20})

	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/x", nil)
	require.NoError(t, err)
	pack.RequestHeaders{Stream: true}.Apply(req.Header)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "direct", string(body))
	assert.Empty(t, <-gotEnvelope)
	assert.Zero(t, fetcher.totalCalls())
}

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestHandler(t, newFakeFetcher(nil), HandlerConfig{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
