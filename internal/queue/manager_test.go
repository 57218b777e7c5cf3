package queue

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rcproxy/internal/request"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("orphan-%d", s.n), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newManager(capacity int) *Manager {
	return NewManager(capacity, &seqIDs{}, fixedClock{t: epoch}, nil)
}

func get(uri string, created time.Time) *request.Record {
	return request.New(http.MethodGet, uri, request.Options{Created: created})
}

func TestEnqueueDeduplicatesAcrossUsers(t *testing.T) {
	t.Parallel()

	m := newManager(0)
	a, err := m.Enqueue("alice", get("http://example.com/", epoch))
	require.NoError(t, err)
	b, err := m.Enqueue("bob", get("http://example.com/", epoch.Add(time.Second)))
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, m.GlobalLen())
	assert.Equal(t, 2, a.Outstanding())
	assert.Len(t, m.ListForUser("alice"), 1)
	assert.Len(t, m.ListForUser("bob"), 1)
	assert.Equal(t, []string{"alice", "bob"}, m.Users())
}

func TestEnqueueRequiresUser(t *testing.T) {
	t.Parallel()

	_, err := newManager(0).Enqueue("", get("http://example.com/", epoch))
	require.ErrorIs(t, err, ErrNoUser)
}

func TestResubmissionMovesToEnd(t *testing.T) {
	t.Parallel()

	m := newManager(0)
	_, _ = m.Enqueue("alice", get("http://a.example/", epoch))
	_, _ = m.Enqueue("alice", get("http://b.example/", epoch))
	again, err := m.Enqueue("alice", get("http://a.example/", epoch))
	require.NoError(t, err)

	list := m.ListForUser("alice")
	require.Len(t, list, 2)
	assert.Equal(t, "http://b.example/", list[0].URI())
	assert.Equal(t, "http://a.example/", list[1].URI())
	assert.Equal(t, 1, again.Outstanding())
	assert.Equal(t, 2, m.GlobalLen())
}

func TestResubmissionAfterPopReleasesOldInstance(t *testing.T) {
	t.Parallel()

	m := newManager(0)
	first, _ := m.Enqueue("alice", get("http://a.example/", epoch))
	require.Same(t, first, m.PopGlobal())
	require.Equal(t, 1, first.Outstanding())

	again, err := m.Enqueue("alice", get("http://a.example/", epoch))
	require.NoError(t, err)
	assert.NotSame(t, first, again)
	assert.Zero(t, first.Outstanding())
	assert.Equal(t, 1, again.Outstanding())

	list := m.ListForUser("alice")
	require.Len(t, list, 1)
	assert.Same(t, again, list[0])
}

func TestDequeueDropsGlobalAtZero(t *testing.T) {
	t.Parallel()

	m := newManager(0)
	rec, _ := m.Enqueue("alice", get("http://example.com/", epoch))
	_, _ = m.Enqueue("bob", get("http://example.com/", epoch))

	require.True(t, m.Dequeue("alice", rec))
	assert.Equal(t, 1, m.GlobalLen())
	assert.Equal(t, 1, rec.Outstanding())

	require.True(t, m.Dequeue("bob", rec))
	assert.Zero(t, m.GlobalLen())
	assert.Empty(t, m.Users())
	assert.False(t, m.Dequeue("bob", rec))
}

func TestPopGlobalIsFIFOAndMarksDownloading(t *testing.T) {
	t.Parallel()

	m := newManager(0)
	first, _ := m.Enqueue("alice", get("http://a.example/", epoch))
	second, _ := m.Enqueue("bob", get("http://b.example/", epoch))

	assert.Equal(t, 0, m.Position(first))
	assert.Equal(t, 1, m.Position(second))

	got := m.PopGlobal()
	assert.Same(t, first, got)
	assert.Equal(t, request.StatusDownloading, got.Status())
	assert.Equal(t, epoch, got.Started())
	assert.Equal(t, -1, m.Position(first))
	assert.Equal(t, 0, m.Position(second))

	// Popped records stay visible in the user's list.
	list := m.ListForUser("alice")
	require.Len(t, list, 1)
	assert.Same(t, first, list[0])

	assert.Same(t, second, m.PopGlobal())
	assert.Nil(t, m.PopGlobal())
}

func TestFindByID(t *testing.T) {
	t.Parallel()

	m := newManager(0)
	rec, _ := m.Enqueue("alice", get("http://example.com/", epoch))

	got, ok := m.Find("alice", rec.ID())
	require.True(t, ok)
	assert.Same(t, rec, got)
	_, ok = m.Find("bob", rec.ID())
	assert.False(t, ok)
}

func TestOrphanRingEvictsOldest(t *testing.T) {
	t.Parallel()

	m := newManager(2)
	id1, err := m.AddOrphan(get("http://1.example/", epoch))
	require.NoError(t, err)
	id2, _ := m.AddOrphan(get("http://2.example/", epoch))
	id3, _ := m.AddOrphan(get("http://3.example/", epoch))

	_, err = m.PopOrphan(id1)
	require.ErrorIs(t, err, ErrOrphanNotFound)

	rec, err := m.PopOrphan(id2)
	require.NoError(t, err)
	assert.Equal(t, "http://2.example/", rec.URI())
	_, err = m.PopOrphan(id2)
	require.ErrorIs(t, err, ErrOrphanNotFound)

	claimed, err := m.ClaimOrphan("carol", id3)
	require.NoError(t, err)
	assert.Equal(t, "http://3.example/", claimed.URI())
	assert.Equal(t, 1, m.GlobalLen())
	assert.Len(t, m.ListForUser("carol"), 1)
}

func TestEnqueueWakesDispatcher(t *testing.T) {
	t.Parallel()

	m := newManager(0)
	_, _ = m.Enqueue("alice", get("http://a.example/", epoch))
	_, _ = m.Enqueue("alice", get("http://b.example/", epoch))

	select {
	case <-m.Wake():
	default:
		t.Fatal("expected a pending wake signal")
	}
	select {
	case <-m.Wake():
		t.Fatal("wake signals should coalesce")
	default:
	}
}

func TestRebuildGlobalFromUserQueues(t *testing.T) {
	t.Parallel()

	m := newManager(0)
	late, _ := m.Enqueue("alice", get("http://late.example/", epoch.Add(2*time.Minute)))
	early, _ := m.Enqueue("bob", get("http://early.example/", epoch))
	done, _ := m.Enqueue("bob", get("http://done.example/", epoch.Add(time.Minute)))

	require.Same(t, late, m.PopGlobal())
	require.Same(t, early, m.PopGlobal())
	require.Same(t, done, m.PopGlobal())
	require.NoError(t, done.Complete(epoch, 10))
	require.Zero(t, m.GlobalLen())

	assert.Equal(t, 2, m.RebuildGlobalFromUserQueues())
	assert.Equal(t, 0, m.Position(early))
	assert.Equal(t, 1, m.Position(late))
	assert.Equal(t, -1, m.Position(done))
	assert.Equal(t, request.StatusPending, early.Status())
	assert.Equal(t, request.StatusPending, late.Status())
	assert.Len(t, m.ListForUser("bob"), 2)
}

func TestRebuildCollapsesEqualRecords(t *testing.T) {
	t.Parallel()

	m := newManager(0)
	st := State{
		Version: snapshotVersion,
		Requests: []request.Snapshot{
			get("http://example.com/", epoch).Snapshot("alice"),
			get("http://example.com/", epoch).Snapshot("bob"),
		},
	}
	assert.Equal(t, 1, m.Restore(st))

	a := m.ListForUser("alice")[0]
	b := m.ListForUser("bob")[0]
	assert.Same(t, a, b)
	assert.Equal(t, 2, a.Outstanding())
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "queues.db")
	store, err := OpenSnapshotStore(path, 0)
	require.NoError(t, err)

	_, ok, err := store.Load()
	require.NoError(t, err)
	require.False(t, ok)

	m := newManager(4)
	_, _ = m.Enqueue("alice", get("http://a.example/", epoch))
	_, _ = m.Enqueue("bob", get("http://a.example/", epoch))
	_, _ = m.Enqueue("bob", get("http://b.example/", epoch.Add(time.Second)))
	orphanID, _ := m.AddOrphan(get("http://lost.example/", epoch))
	require.Same(t, m.PopGlobal(), m.ListForUser("alice")[0])
	require.Equal(t, request.StatusDownloading, m.ListForUser("alice")[0].Status())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Persist(ctx, store, time.Hour)
		close(done)
	}()
	cancel()
	<-done
	require.NoError(t, store.Close())

	store, err = OpenSnapshotStore(path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	st, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)

	restored := newManager(4)
	assert.Equal(t, 2, restored.Restore(st))
	for _, rec := range restored.ListForUser("bob") {
		assert.Equal(t, request.StatusPending, rec.Status())
	}
	assert.Equal(t, 2, restored.ListForUser("alice")[0].Outstanding())

	rec, err := restored.PopOrphan(orphanID)
	require.NoError(t, err)
	assert.Equal(t, "http://lost.example/", rec.URI())
}
