// Package queue holds the local proxy's request queues: the global FIFO the
// dispatch loop drains, one submission list per user, and a bounded ring of
// requests whose user is not known yet.
package queue

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/metrics"
	"github.com/JakeFAU/rcproxy/internal/request"
)

// DefaultOrphanCapacity bounds the orphan ring when no capacity is configured.
const DefaultOrphanCapacity = 64

var (
	// ErrOrphanNotFound is returned for unknown or evicted orphan ids.
	ErrOrphanNotFound = errors.New("orphan request not found")
	// ErrNoUser is returned when an operation needs a user id.
	ErrNoUser = errors.New("user id required")
)

// IDGenerator mints orphan ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock stamps dispatch start times.
type Clock interface {
	Now() time.Time
}

type orphan struct {
	id  string
	rec *request.Record
}

// state is everything guarded by the manager's single lock.
type state struct {
	global  []*request.Record
	users   map[string][]*request.Record
	orphans []orphan
}

// Manager is safe for concurrent use.
type Manager struct {
	mu             sync.Mutex
	st             state
	orphanCapacity int
	ids            IDGenerator
	clock          Clock
	logger         *zap.Logger
	wake           chan struct{}
	dirty          bool
}

// NewManager creates an empty Manager.
func NewManager(orphanCapacity int, ids IDGenerator, clock Clock, logger *zap.Logger) *Manager {
	if orphanCapacity <= 0 {
		orphanCapacity = DefaultOrphanCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		st:             state{users: make(map[string][]*request.Record)},
		orphanCapacity: orphanCapacity,
		ids:            ids,
		clock:          clock,
		logger:         logger.Named("queue"),
		wake:           make(chan struct{}, 1),
	}
}

// Wake fires after Enqueue and Notify. It has a buffer of one so signals
// raised while nobody waits are not lost.
func (m *Manager) Wake() <-chan struct{} {
	return m.wake
}

// Notify wakes the dispatch loop without changing the queues.
func (m *Manager) Notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Touch flags the queues as changed so record status updates made outside
// the manager reach the next snapshot.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

// Enqueue records rec as submitted by userID and returns the instance that
// is actually queued. A request equal to one already in the global queue
// shares that instance and bumps its outstanding counter. A user submitting
// the same request again moves it to the end of their list.
func (m *Manager) Enqueue(userID string, rec *request.Record) (*request.Record, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	m.mu.Lock()
	shared := m.enqueueLocked(userID, rec)
	depth := len(m.st.global)
	m.mu.Unlock()

	metrics.SetQueueDepth(depth)
	m.logger.Debug("enqueued",
		zap.String("user", userID),
		zap.String("url", shared.URI()),
		zap.Int("outstanding", shared.Outstanding()))
	m.Notify()
	return shared, nil
}

func (m *Manager) enqueueLocked(userID string, rec *request.Record) *request.Record {
	list := m.st.users[userID]
	var previous *request.Record
	if i := indexOf(list, rec.Key()); i >= 0 {
		previous = list[i]
		list = slices.Delete(list, i, i+1)
	}

	shared := rec
	if i := indexOf(m.st.global, rec.Key()); i >= 0 {
		shared = m.st.global[i]
		if previous != shared {
			shared.AddOutstanding(1)
		}
	} else {
		rec.AddOutstanding(1)
		m.st.global = append(m.st.global, rec)
	}
	// The user's earlier instance was already popped or finished and is no
	// longer theirs.
	if previous != nil && previous != shared {
		previous.AddOutstanding(-1)
	}

	m.st.users[userID] = append(list, shared)
	m.dirty = true
	return shared
}

// Dequeue removes rec from userID's list. The global entry is dropped once
// no user references it any more.
func (m *Manager) Dequeue(userID string, rec *request.Record) bool {
	m.mu.Lock()
	list := m.st.users[userID]
	i := indexOf(list, rec.Key())
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	removed := list[i]
	m.st.users[userID] = slices.Delete(list, i, i+1)
	if len(m.st.users[userID]) == 0 {
		delete(m.st.users, userID)
	}
	left := removed.AddOutstanding(-1)
	if g := indexOfInstance(m.st.global, removed); g >= 0 && left == 0 {
		m.st.global = slices.Delete(m.st.global, g, g+1)
	}
	m.dirty = true
	depth := len(m.st.global)
	m.mu.Unlock()

	metrics.SetQueueDepth(depth)
	m.logger.Debug("dequeued", zap.String("user", userID), zap.String("url", removed.URI()))
	return true
}

// PopGlobal removes the oldest global entry, marks it Downloading and
// returns it. It returns nil when the queue is empty.
func (m *Manager) PopGlobal() *request.Record {
	m.mu.Lock()
	var rec *request.Record
	for len(m.st.global) > 0 {
		head := m.st.global[0]
		m.st.global = m.st.global[1:]
		if head.Status() == request.StatusPending {
			rec = head
			break
		}
	}
	if rec != nil {
		if err := rec.Start(m.clock.Now()); err != nil {
			m.logger.Warn("start popped request", zap.String("url", rec.URI()), zap.Error(err))
		}
		m.dirty = true
	}
	depth := len(m.st.global)
	m.mu.Unlock()

	metrics.SetQueueDepth(depth)
	return rec
}

// ListForUser returns a copy of userID's list in submission order.
func (m *Manager) ListForUser(userID string) []*request.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.st.users[userID])
}

// Users returns the ids of every user with a non-empty list.
func (m *Manager) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.st.users))
	for u := range m.st.users {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Find looks a record up by id in userID's list.
func (m *Manager) Find(userID, id string) (*request.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.st.users[userID] {
		if rec.ID() == id {
			return rec, true
		}
	}
	return nil, false
}

// Position is rec's index in the global queue, or -1 when it is not queued.
func (m *Manager) Position(rec *request.Record) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return indexOfInstance(m.st.global, rec)
}

// GlobalLen is the number of requests waiting for dispatch.
func (m *Manager) GlobalLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.global)
}

// AddOrphan parks a request whose user is unknown and returns the id that
// claims it. A full ring evicts its oldest entry.
func (m *Manager) AddOrphan(rec *request.Record) (string, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("orphan id: %w", err)
	}
	m.mu.Lock()
	if len(m.st.orphans) >= m.orphanCapacity {
		evicted := m.st.orphans[0]
		m.st.orphans = slices.Delete(m.st.orphans, 0, 1)
		m.logger.Debug("orphan evicted", zap.String("id", evicted.id), zap.String("url", evicted.rec.URI()))
	}
	m.st.orphans = append(m.st.orphans, orphan{id: id, rec: rec})
	m.dirty = true
	m.mu.Unlock()
	return id, nil
}

// PopOrphan removes and returns the orphan with the given id.
func (m *Manager) PopOrphan(id string) (*request.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.st.orphans {
		if o.id == id {
			m.st.orphans = slices.Delete(m.st.orphans, i, i+1)
			m.dirty = true
			return o.rec, nil
		}
	}
	return nil, ErrOrphanNotFound
}

// ClaimOrphan moves an orphan into userID's queue.
func (m *Manager) ClaimOrphan(userID, id string) (*request.Record, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	rec, err := m.PopOrphan(id)
	if err != nil {
		return nil, err
	}
	return m.Enqueue(userID, rec)
}

// RebuildGlobalFromUserQueues recreates the global queue from the user
// lists. Pending and Downloading records are requeued in creation order,
// Downloading ones reset to Pending. Equal records across users collapse to
// one shared instance whose outstanding counter is the number of users
// holding it. Terminal records stay in the user lists only.
func (m *Manager) RebuildGlobalFromUserQueues() int {
	m.mu.Lock()
	m.rebuildLocked()
	depth := len(m.st.global)
	m.mu.Unlock()

	metrics.SetQueueDepth(depth)
	if depth > 0 {
		m.Notify()
	}
	return depth
}

func (m *Manager) rebuildLocked() {
	m.st.global = nil
	canonical := make(map[string]*request.Record)
	var live []*request.Record

	users := make([]string, 0, len(m.st.users))
	for u := range m.st.users {
		users = append(users, u)
	}
	sort.Strings(users)

	for _, u := range users {
		list := m.st.users[u]
		for i, rec := range list {
			if rec.Status().Terminal() {
				continue
			}
			rec.ResetDownloading()
			c, ok := canonical[rec.Key()]
			if !ok {
				c = rec
				canonical[rec.Key()] = c
				c.AddOutstanding(-c.Outstanding())
				live = append(live, c)
			}
			c.AddOutstanding(1)
			list[i] = c
		}
	}

	sort.SliceStable(live, func(i, j int) bool {
		return live[i].Created().Before(live[j].Created())
	})
	m.st.global = live
	m.dirty = true
}

func indexOf(list []*request.Record, key string) int {
	return slices.IndexFunc(list, func(r *request.Record) bool { return r.Key() == key })
}

func indexOfInstance(list []*request.Record, rec *request.Record) int {
	return slices.Index(list, rec)
}
