package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/request"
)

const (
	snapshotVersion = 1
	bucketQueues    = "queues"
	keyState        = "state"
)

// State is the persisted form of the queues. It holds plain data only; live
// records are rebuilt from it on restore.
type State struct {
	Version  int                `json:"version"`
	Saved    time.Time          `json:"saved"`
	Requests []request.Snapshot `json:"requests"`
	Orphans  []OrphanSnapshot   `json:"orphans,omitempty"`
}

// OrphanSnapshot is one persisted orphan ring slot.
type OrphanSnapshot struct {
	ID      string           `json:"id"`
	Request request.Snapshot `json:"request"`
}

// Snapshot captures every user list and the orphan ring.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{Version: snapshotVersion, Saved: m.clock.Now()}
	for user, list := range m.st.users {
		for _, rec := range list {
			st.Requests = append(st.Requests, rec.Snapshot(user))
		}
	}
	for _, o := range m.st.orphans {
		st.Orphans = append(st.Orphans, OrphanSnapshot{ID: o.id, Request: o.rec.Snapshot("")})
	}
	return st
}

// Restore replaces the queues with st and rebuilds the global queue from the
// user lists. It returns the global queue length.
func (m *Manager) Restore(st State) int {
	m.mu.Lock()
	m.st = state{users: make(map[string][]*request.Record)}
	for _, snap := range st.Requests {
		if snap.UserID == "" {
			continue
		}
		m.st.users[snap.UserID] = append(m.st.users[snap.UserID], request.FromSnapshot(snap))
	}
	for _, o := range st.Orphans {
		if len(m.st.orphans) >= m.orphanCapacity {
			m.st.orphans = m.st.orphans[1:]
		}
		m.st.orphans = append(m.st.orphans, orphan{id: o.ID, rec: request.FromSnapshot(o.Request)})
	}
	m.mu.Unlock()
	return m.RebuildGlobalFromUserQueues()
}

// takeDirty reports and clears the pending-changes flag.
func (m *Manager) takeDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.dirty
	m.dirty = false
	return d
}

// SnapshotStore persists State in a bbolt file.
type SnapshotStore struct {
	db *bolt.DB
}

// OpenSnapshotStore opens or creates the snapshot file at path.
func OpenSnapshotStore(path string, timeout time.Duration) (*SnapshotStore, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketQueues))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init snapshot store: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Close releases the file.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// Save overwrites the stored state.
func (s *SnapshotStore) Save(st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode queue state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQueues)).Put([]byte(keyState), data)
	})
}

// Load returns the stored state. ok is false when nothing was saved yet or
// the stored state is from an unknown version.
func (s *SnapshotStore) Load() (st State, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketQueues)).Get([]byte(keyState))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("decode queue state: %w", err)
		}
		ok = st.Version == snapshotVersion
		return nil
	})
	return st, ok, err
}

// Persist saves the queues every interval when they changed, and once more
// when ctx ends.
func (m *Manager) Persist(ctx context.Context, store *SnapshotStore, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	save := func() {
		if !m.takeDirty() {
			return
		}
		if err := store.Save(m.Snapshot()); err != nil {
			m.logger.Error("save queue snapshot", zap.Error(err))
			m.mu.Lock()
			m.dirty = true
			m.mu.Unlock()
		}
	}
	for {
		select {
		case <-ctx.Done():
			save()
			return
		case <-ticker.C:
			save()
		}
	}
}
