package api

import (
	"encoding/xml"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/cache"
	"github.com/JakeFAU/rcproxy/internal/dispatcher"
	"github.com/JakeFAU/rcproxy/internal/netstatus"
	"github.com/JakeFAU/rcproxy/internal/pack"
	"github.com/JakeFAU/rcproxy/internal/queue"
	"github.com/JakeFAU/rcproxy/internal/request"
	"github.com/JakeFAU/rcproxy/internal/search"
	"github.com/JakeFAU/rcproxy/internal/users"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("orphan-%d", g.n), nil
}

type fakeSearcher struct {
	query   string
	p, n    int
	total   int
	results []search.Result
}

func (f *fakeSearcher) Search(query string, p, n int) (int, []search.Result, error) {
	f.query, f.p, f.n = query, p, n
	if strings.TrimSpace(query) == "" {
		return 0, nil, search.ErrEmptyQuery
	}
	return f.total, f.results, nil
}

type fakeCache []cache.Entry

func (c fakeCache) TextFiles() iter.Seq[cache.Entry] { return slices.Values(c) }

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	server   *Server
	queue    *queue.Manager
	dispatch *dispatcher.Dispatcher
	status   *netstatus.Holder
	searcher *fakeSearcher
	users    *users.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := fakeClock{now: epoch}
	q := queue.NewManager(4, &fakeIDGen{}, clock, nil)
	status := netstatus.NewHolder(netstatus.Slow)
	d := dispatcher.New(q, status, nil, clock, nil)
	store, err := users.Open(filepath.Join(t.TempDir(), "users.xml"), clock, nil)
	require.NoError(t, err)
	searcher := &fakeSearcher{
		total:   3,
		results: []search.Result{{Title: "Go", URL: "http://go.dev/", Snippet: "the go language"}},
	}
	pages := fakeCache{
		{URI: "http://example.com/", ContentType: "text/html", Size: 10},
		{URI: "http://news.example.org/a", ContentType: "text/html", Size: 20},
		{URI: "http://news.example.org/b", ContentType: "text/plain", Size: 30},
	}
	srv := NewServer(cfg, Deps{
		Queue:      q,
		Dispatcher: d,
		Status:     status,
		Search:     searcher,
		Cache:      pages,
		Users:      store,
		Clock:      clock,
	}, nil)
	return &fixture{server: srv, queue: q, dispatch: d, status: status, searcher: searcher, users: store}
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestAddQueuesAndEchoesReferrer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	rec := f.get(t, "/request/add?u=alice&t="+url.QueryEscape("http://example.com/page")+"&a=Page&r="+url.QueryEscape("http://example.com/"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://example.com/", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	queued := f.queue.ListForUser("alice")
	require.Len(t, queued, 1)
	assert.Equal(t, "Page", queued[0].Anchor())
	assert.Equal(t, 1, f.queue.GlobalLen())
}

func TestAddPostForm(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	form := url.Values{"u": {"bob"}, "t": {"http://example.com/x"}, "r": {"back"}}
	req := httptest.NewRequest(http.MethodPost, "/request/add", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "back", rec.Body.String())
	assert.Len(t, f.queue.ListForUser("bob"), 1)
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/request/add?t=http://example.com/").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/request/add?u=alice&t=ftp://example.com/").Code)
	assert.Zero(t, f.queue.GlobalLen())
}

func TestQueueXML(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.queue.Enqueue("alice", request.New(http.MethodGet, "http://example.com/a", request.Options{Created: epoch}))
	require.NoError(t, err)
	_, err = f.queue.Enqueue("alice", request.New(http.MethodGet, "http://example.com/b", request.Options{Created: epoch.AddDate(0, 1, 0)}))
	require.NoError(t, err)

	var doc queueDoc
	rec := f.get(t, "/request/queue.xml?u=alice&v=0")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "alice", doc.User)
	require.Len(t, doc.Items, 2)
	assert.Equal(t, "pending", doc.Items[0].Status)
	assert.Equal(t, "-1", doc.Items[0].ETA)

	for view, want := range map[string]string{"2024-03-01": "http://example.com/a", "2024-04": "http://example.com/b"} {
		doc = queueDoc{}
		rec = f.get(t, "/request/queue.xml?u=alice&v="+view)
		require.Equal(t, http.StatusOK, rec.Code, view)
		require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
		require.Len(t, doc.Items, 1, view)
		assert.Equal(t, want, doc.Items[0].URL, view)
	}

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/request/queue.xml?u=alice&v=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/request/queue.xml").Code)
}

func TestQueueXMLUsesCookie(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.queue.Enqueue("carol", request.New(http.MethodGet, "http://example.com/", request.Options{Created: epoch}))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/request/queue.xml", nil)
	req.AddCookie(&http.Cookie{Name: UserCookie, Value: "carol"})
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `user="carol"`)
}

func TestETAAndRemove(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	rec, err := f.queue.Enqueue("alice", request.New(http.MethodGet, "http://example.com/", request.Options{Created: epoch}))
	require.NoError(t, err)

	resp := f.get(t, "/request/eta?u=alice&i="+rec.ID())
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "-1", resp.Body.String())

	require.NoError(t, rec.Start(epoch))
	require.NoError(t, rec.Complete(epoch, 10))
	assert.Equal(t, "0", f.get(t, "/request/eta?u=alice&i="+rec.ID()).Body.String())

	assert.Equal(t, http.StatusNotFound, f.get(t, "/request/eta?u=alice&i=nope").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/request/eta?u=bob&i="+rec.ID()).Code)

	resp = f.get(t, "/request/remove?u=alice&i="+rec.ID())
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, f.queue.ListForUser("alice"))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/request/remove?u=alice&i="+rec.ID()).Code)
}

func TestStatusAndRichness(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	assert.Equal(t, "cached", f.get(t, "/request/status").Body.String())
	f.status.Set(netstatus.Online)
	assert.Equal(t, "online", f.get(t, "/request/status").Body.String())

	assert.Equal(t, "normal", f.get(t, "/request/richness").Body.String())
	assert.Equal(t, "low", f.get(t, "/request/richness?r=low").Body.String())
	assert.Equal(t, pack.RichnessLow, f.dispatch.Richness())
}

func TestResultXML(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	rec := f.get(t, "/request/result.xml?s=golang&p=2&n=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "golang", f.searcher.query)
	assert.Equal(t, 2, f.searcher.p)
	assert.Equal(t, 5, f.searcher.n)

	var doc searchDoc
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 3, doc.Total)
	require.Len(t, doc.Items, 1)
	assert.Equal(t, "http://go.dev/", doc.Items[0].URL)

	rec = f.get(t, "/request/result.xml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `total="0"`)
}

func TestSearchXMLProxiesWhenOnline(t *testing.T) {
	t.Parallel()

	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprintf(w, `<search total="42"><item><title>Remote</title><url>http://remote.test/?q=%s</url><snippet/></item></search>`, r.URL.Query().Get("s"))
	}))
	t.Cleanup(engine.Close)

	f := newFixture(t, Config{SearchEngineURL: engine.URL + "/find"})

	var doc searchDoc
	rec := f.get(t, "/request/search.xml?s=news")
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 3, doc.Total, "slow link answers locally")

	f.status.Set(netstatus.Online)
	doc = searchDoc{}
	rec = f.get(t, "/request/search.xml?s=news")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 42, doc.Total)
	require.Len(t, doc.Items, 1)
	assert.Equal(t, "http://remote.test/?q=news", doc.Items[0].URL)
}

func TestBrowseIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	var doc browseDoc
	rec := f.get(t, "/request/index.xml?c=example.org&n=1&s=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 2, doc.Total)
	require.Len(t, doc.Items, 1)
	assert.Equal(t, "http://news.example.org/b", doc.Items[0].URL)
}

func TestSignupClaimsOrphan(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	id, err := f.queue.AddOrphan(request.New(http.MethodGet, "http://example.com/orphan", request.Options{Created: epoch}))
	require.NoError(t, err)

	rec := f.get(t, "/request/signup?u=dave&p=pw&i="+id)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.users.Authenticate("dave", "pw"))
	assert.Len(t, f.queue.ListForUser("dave"), 1)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), UserCookie+"=dave")

	assert.Equal(t, http.StatusConflict, f.get(t, "/request/signup?u=dave&p=pw").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/request/signup?u=eve").Code)
}

func TestClaim(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	id, err := f.queue.AddOrphan(request.New(http.MethodGet, "http://example.com/orphan", request.Options{Created: epoch}))
	require.NoError(t, err)

	form := f.get(t, "/request/claim?i="+id+"&r="+url.QueryEscape("http://example.com/orphan"))
	require.Equal(t, http.StatusOK, form.Code)
	assert.Contains(t, form.Body.String(), `name="u"`)
	assert.Contains(t, form.Body.String(), id)
	assert.Zero(t, f.queue.GlobalLen())

	rec := f.get(t, "/request/claim?u=alice&i="+id)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://example.com/orphan")
	assert.Equal(t, 1, f.queue.GlobalLen())
	assert.Len(t, f.queue.ListForUser("alice"), 1)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/request/claim?u=alice&i="+id).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	rec := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
