package request

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rcproxy/internal/address"
)

func TestNewRecordDefaults(t *testing.T) {
	t.Parallel()

	created := time.Unix(100, 0)
	r := New("get", " http://example.com/ ", Options{Anchor: "Example", Created: created})

	require.Equal(t, http.MethodGet, r.Method())
	require.Equal(t, "http://example.com/", r.URI())
	require.Equal(t, StatusPending, r.Status())
	require.Equal(t, created, r.Created())
	require.Equal(t, "Example", r.Anchor())
	require.Equal(t, address.RelativeCacheFileName("http://example.com/", "GET"), r.CachePath())
	require.Len(t, r.ID(), 16)
	require.True(t, r.Cacheable())
}

func TestRecordIdentity(t *testing.T) {
	t.Parallel()

	a := New(http.MethodGet, "http://example.com/a", Options{})
	b := New(http.MethodGet, "http://example.com/a", Options{Anchor: "different anchor"})
	c := New(http.MethodPost, "http://example.com/a", Options{})
	d := New(http.MethodPost, "http://example.com/a", Options{Body: []byte("x=1")})

	require.True(t, a.Equal(b))
	require.Equal(t, a.ID(), b.ID())
	require.False(t, a.Equal(c))
	require.False(t, c.Equal(d))
	require.False(t, d.Cacheable())
}

func TestRecordStateMachine(t *testing.T) {
	t.Parallel()

	now := time.Unix(10, 0)
	r := New(http.MethodGet, "http://example.com/", Options{})

	require.ErrorIs(t, r.Complete(now, 1), ErrInvalidTransition)
	require.NoError(t, r.Start(now))
	require.Equal(t, StatusDownloading, r.Status())
	require.Equal(t, now, r.Started())
	require.ErrorIs(t, r.Start(now), ErrInvalidTransition)
	require.NoError(t, r.Complete(now.Add(time.Second), 42))
	require.Equal(t, StatusCompleted, r.Status())
	require.Equal(t, int64(42), r.Size())

	for _, err := range []error{r.Start(now), r.Fail(now), r.Complete(now, 1)} {
		require.True(t, errors.Is(err, ErrInvalidTransition))
	}
	require.Equal(t, StatusCompleted, r.Status())
}

func TestRecordFailFromPending(t *testing.T) {
	t.Parallel()

	r := New(http.MethodGet, "http://example.com/", Options{})
	require.NoError(t, r.Fail(time.Unix(1, 0)))
	require.Equal(t, StatusFailed, r.Status())
	require.True(t, r.Status().Terminal())
	require.False(t, r.ResetDownloading())
}

func TestRecordResetDownloading(t *testing.T) {
	t.Parallel()

	r := New(http.MethodGet, "http://example.com/", Options{})
	require.NoError(t, r.Start(time.Unix(1, 0)))
	require.True(t, r.ResetDownloading())
	require.Equal(t, StatusPending, r.Status())
	require.True(t, r.Started().IsZero())
}

func TestRecordRedirectRebasesPathOnce(t *testing.T) {
	t.Parallel()

	r := New(http.MethodGet, "http://old.example.com/", Options{})
	key := r.Key()
	before := r.CachePath()

	previous := r.Redirect("http://new.example.com/landing")
	require.Equal(t, before, previous)
	require.Equal(t, "http://old.example.com/", r.URIBeforeRedirect())
	require.Equal(t, "http://new.example.com/landing", r.URI())
	require.Equal(t, address.RelativeCacheFileName("http://new.example.com/landing", "GET"), r.CachePath())
	require.True(t, r.Redirected())
	require.Equal(t, key, r.Key(), "identity stays with the requested URI")

	r.Redirect("http://third.example.com/")
	require.Equal(t, "http://old.example.com/", r.URIBeforeRedirect())
}

func TestOutstandingNeverNegative(t *testing.T) {
	t.Parallel()

	r := New(http.MethodGet, "http://example.com/", Options{})
	require.Equal(t, 2, r.AddOutstanding(2))
	require.Equal(t, 0, r.AddOutstanding(-5))
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	created := time.Unix(500, 0).UTC()
	r := New(http.MethodGet, "http://example.com/a", Options{Anchor: "A", Referrer: "http://ref/", Created: created})
	require.NoError(t, r.Start(created.Add(time.Second)))
	r.Redirect("http://example.com/b")

	snap := r.Snapshot("alice")
	require.Equal(t, "alice", snap.UserID)
	require.Equal(t, StatusDownloading, snap.Status)

	restored := FromSnapshot(snap)
	require.True(t, restored.Equal(r))
	require.Equal(t, "http://example.com/b", restored.URI())
	require.Equal(t, "http://example.com/a", restored.URIBeforeRedirect())
	require.Equal(t, r.CachePath(), restored.CachePath())
	require.Equal(t, StatusDownloading, restored.Status())
	require.Equal(t, created, restored.Created())
	require.Equal(t, "A", restored.Anchor())
}

func TestRemainingTimeout(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0)
	require.Equal(t, 5*time.Second, RemainingTimeout(now.Add(5*time.Second), now))
	require.Zero(t, RemainingTimeout(now.Add(-time.Second), now))
	require.Zero(t, RemainingTimeout(now, now))
}
