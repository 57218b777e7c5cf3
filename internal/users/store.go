// Package users keeps the local proxy's registered users in a small XML file.
package users

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/JakeFAU/rcproxy/internal/cache"
)

var (
	// ErrExists is returned when signing up an id that is already taken.
	ErrExists = errors.New("users: id already registered")
	// ErrInvalidID rejects ids that cannot be used in URLs and cookies.
	ErrInvalidID = errors.New("users: invalid id")
	// ErrInvalidPassword rejects empty passwords.
	ErrInvalidPassword = errors.New("users: password required")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_.\-@]{1,64}$`)

// User is one registered account.
type User struct {
	ID           string    `xml:"id,attr"`
	Created      time.Time `xml:"created,attr"`
	PasswordHash string    `xml:"password"`
}

type document struct {
	XMLName xml.Name `xml:"users"`
	Users   []User   `xml:"user"`
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Store is the XML-backed user list. Every Add rewrites the file.
type Store struct {
	mu     sync.RWMutex
	path   string
	users  map[string]User
	clock  Clock
	logger *zap.Logger
}

// Open loads path, starting empty when it does not exist yet.
func Open(path string, clock Clock, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = wallClock{}
	}
	s := &Store{path: path, users: make(map[string]User), clock: clock, logger: logger.Named("users")}
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path.
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse users %s: %w", path, err)
	}
	for _, u := range doc.Users {
		s.users[u.ID] = u
	}
	s.logger.Debug("users loaded", zap.Int("count", len(s.users)))
	return s, nil
}

// Add registers id with password.
func (s *Store) Add(id, password string) (User, error) {
	if !validID.MatchString(id) {
		return User{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if password == "" {
		return User{}, ErrInvalidPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; ok {
		return User{}, fmt.Errorf("%w: %q", ErrExists, id)
	}
	u := User{ID: id, Created: s.clock.Now().UTC(), PasswordHash: string(hash)}
	s.users[id] = u
	if err := s.saveLocked(); err != nil {
		delete(s.users, id)
		return User{}, err
	}
	s.logger.Info("user registered", zap.String("user", id))
	return u, nil
}

// Exists reports whether id is registered.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[id]
	return ok
}

// Authenticate checks password against the stored hash.
func (s *Store) Authenticate(id, password string) bool {
	s.mu.RLock()
	u, ok := s.users[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// Len is the number of registered users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *Store) saveLocked() error {
	doc := document{Users: make([]User, 0, len(s.users))}
	for _, u := range s.users {
		doc.Users = append(doc.Users, u)
	}
	sort.Slice(doc.Users, func(a, b int) bool { return doc.Users[a].ID < doc.Users[b].ID })
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users: %w", err)
	}
	if _, err := cache.WriteFileAtomic(s.path, bytes.NewReader(append([]byte(xml.Header), data...))); err != nil {
		return fmt.Errorf("write users: %w", err)
	}
	return nil
}
