// Package cache owns the on-disk page cache shared by both proxy tiers: files
// laid out by the address codec plus a bbolt index of their response
// metadata.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/address"
)

const (
	// maxSegmentLength is the longest single path element most filesystems
	// accept.
	maxSegmentLength = 255
	// maxFullPath bounds the absolute path written to disk.
	maxFullPath = 4095

	redirectPrefix = "301 "
	// maxMarkerSize bounds how much of a file is inspected for a marker.
	maxMarkerSize = 4096
)

var (
	// ErrNotFound is returned when no entry exists for a method and URI.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrPathTooLong marks a URI whose cache path cannot be written.
	ErrPathTooLong = errors.New("cache: file name too long")
	// ErrOutsideRoot guards against paths that escape the cache root.
	ErrOutsideRoot = errors.New("cache: path escapes cache root")
)

// Entry is the index row for one cached file.
type Entry struct {
	Method       string        `json:"method"`
	URI          string        `json:"uri"`
	Path         string        `json:"path"`
	Status       int           `json:"status"`
	Header       http.Header   `json:"header,omitempty"`
	ContentType  string        `json:"content_type"`
	Size         int64         `json:"size"`
	Requests     int64         `json:"requests"`
	LastRequest  time.Time     `json:"last_request"`
	Downloaded   time.Time     `json:"downloaded"`
	DownloadTime time.Duration `json:"download_time"`
}

// IsText reports whether the entry holds a readable page.
func (e Entry) IsText() bool {
	return IsText(e.ContentType)
}

// Response is a completed download ready to be stored.
type Response struct {
	Method       string
	URI          string
	Status       int
	Header       http.Header
	Body         io.Reader
	DownloadTime time.Duration
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Config captures the parameters for the cache store.
type Config struct {
	// Root is the directory holding the method/bucket/bucket/path tree.
	Root string
	// IndexFile is the bbolt file; defaults to <Root>/.index.db.
	IndexFile string
	// OpenTimeout bounds how long Open waits for the index file lock.
	OpenTimeout time.Duration
}

// Store is the file cache. Mutations hold a single coarse lock.
type Store struct {
	mu     sync.Mutex
	root   string
	index  *index
	clock  Clock
	logger *zap.Logger
}

// Open prepares the cache root and its index, rebuilding the index from disk
// when it is missing or unusable. A stale or corrupt index never prevents
// startup.
func Open(cfg Config, clock Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = wallClock{}
	}

	info, err := os.Stat(cfg.Root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create cache root: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat cache root: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("cache root %s is not a directory", cfg.Root)
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	indexFile := cfg.IndexFile
	if indexFile == "" {
		indexFile = filepath.Join(root, ".index.db")
	}

	idx, needsBackfill, err := openIndex(indexFile, cfg.OpenTimeout)
	if err != nil {
		return nil, err
	}
	s := &Store{
		root:   root,
		index:  idx,
		clock:  clock,
		logger: logger.Named("cache"),
	}
	if needsBackfill {
		n, err := s.backfill()
		if err != nil {
			_ = idx.close()
			return nil, fmt.Errorf("rebuild cache index: %w", err)
		}
		s.logger.Info("cache index rebuilt from disk", zap.Int("entries", n), zap.String("root", root))
	}
	return s, nil
}

// Close releases the index.
func (s *Store) Close() error {
	return s.index.close()
}

// Root returns the absolute cache root.
func (s *Store) Root() string {
	return s.root
}

// PathFor returns the absolute file path for a method and URI, checking it
// against filesystem limits before anything is written.
func (s *Store) PathFor(method, uri string) (string, error) {
	return s.absolute(relativePath(method, uri))
}

func relativePath(method, uri string) string {
	if method == "" {
		method = http.MethodGet
	}
	return address.RelativeCacheFileName(uri, method)
}

func (s *Store) absolute(rel string) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	if len(full) > maxFullPath {
		return "", ErrPathTooLong
	}
	for _, seg := range strings.Split(rel, "/") {
		if len(seg) > maxSegmentLength {
			return "", ErrPathTooLong
		}
	}
	return full, nil
}

// IsCached reports whether the index has an entry for method and URI and its
// file is still present.
func (s *Store) IsCached(method, uri string) bool {
	rel := relativePath(method, uri)
	if _, err := s.index.get(rel); err != nil {
		return false
	}
	full, err := s.absolute(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// Get returns the entry for method and URI and records the access.
func (s *Store) Get(method, uri string) (Entry, error) {
	rel := relativePath(method, uri)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	e, err := s.index.update(rel, func(e *Entry) {
		e.Requests++
		e.LastRequest = now
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// OpenFile opens the cached file for method and URI for serving.
func (s *Store) OpenFile(method, uri string) (*os.File, Entry, error) {
	e, err := s.Get(method, uri)
	if err != nil {
		return nil, Entry{}, err
	}
	full, err := s.absolute(e.Path)
	if err != nil {
		return nil, Entry{}, err
	}
	f, err := os.Open(full) // #nosec G304 -- path is derived from the index and checked against root.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.mu.Lock()
			_ = s.index.delete(e.Path)
			s.mu.Unlock()
			return nil, Entry{}, ErrNotFound
		}
		return nil, Entry{}, fmt.Errorf("open cached file: %w", err)
	}
	return f, e, nil
}

// Add indexes a file that already exists at the computed path for method and
// URI. Missing content type headers are filled in by sniffing the file.
func (s *Store) Add(uri, method string, header http.Header, status int) (Entry, error) {
	rel := relativePath(method, uri)
	full, err := s.absolute(rel)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return Entry{}, fmt.Errorf("stat cached file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryFor(method, uri, rel, full, info.Size(), header, status, 0)
	if err := s.index.put(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *Store) entryFor(method, uri, rel, full string, size int64, header http.Header, status int, took time.Duration) Entry {
	contentType := ""
	if header != nil {
		contentType = header.Get("Content-Type")
	}
	if contentType == "" || status == 0 {
		sniffedType, sniffedStatus := sniffFile(full)
		if contentType == "" {
			contentType = sniffedType
		}
		if status == 0 {
			status = sniffedStatus
		}
	}
	now := s.clock.Now()
	return Entry{
		Method:       strings.ToUpper(method),
		URI:          uri,
		Path:         rel,
		Status:       status,
		Header:       header,
		ContentType:  contentType,
		Size:         size,
		LastRequest:  now,
		Downloaded:   now,
		DownloadTime: took,
	}
}

// AddFromResponse stores a download unless the file is already cached. It
// reports whether anything was written.
func (s *Store) AddFromResponse(resp Response) (bool, error) {
	if s.IsCached(resp.Method, resp.URI) {
		return false, nil
	}
	if _, err := s.Put(resp); err != nil {
		return false, err
	}
	return true, nil
}

// Put stores a download, replacing any existing file. The file is written
// to a temporary name and renamed so readers never see a partial body.
func (s *Store) Put(resp Response) (Entry, error) {
	method := strings.ToUpper(resp.Method)
	if method == "" {
		method = http.MethodGet
	}
	rel := relativePath(method, resp.URI)
	full, err := s.absolute(rel)
	if err != nil {
		return Entry{}, err
	}

	body := resp.Body
	if body == nil {
		body = bytes.NewReader(nil)
	}
	size, err := WriteFileAtomic(full, body)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryFor(method, resp.URI, rel, full, size, resp.Header, resp.Status, resp.DownloadTime)
	if err := s.index.put(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// WriteFileAtomic copies r into a temporary sibling of dst and renames it
// into place. Any stale file at dst is replaced.
func WriteFileAtomic(dst string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".part-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		if copyErr != nil {
			return n, fmt.Errorf("write cache file: %w", copyErr)
		}
		return n, fmt.Errorf("close cache file: %w", closeErr)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return n, fmt.Errorf("rename cache file: %w", err)
	}
	return n, nil
}

// Remove deletes the index row and the file for method and URI together.
func (s *Store) Remove(method, uri string) error {
	rel := relativePath(method, uri)
	full, err := s.absolute(rel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cached file: %w", err)
	}
	return s.index.delete(rel)
}

// WriteRedirectMarker leaves a "301 <to>" file at the path computed for from,
// so later requests for the old URI resolve without a network round trip.
func (s *Store) WriteRedirectMarker(method, from, to string) (Entry, error) {
	header := http.Header{}
	header.Set("Location", to)
	header.Set("Content-Type", "text/plain")
	return s.Put(Response{
		Method: method,
		URI:    from,
		Status: http.StatusMovedPermanently,
		Header: header,
		Body:   strings.NewReader(RedirectMarker(to)),
	})
}

// RedirectMarker returns the body of a marker file pointing at to.
func RedirectMarker(to string) string {
	return redirectPrefix + to + "\n"
}

// ParseRedirectMarker extracts the target from marker content. A marker is
// exactly one line, "301 <uri>", with an optional trailing newline.
func ParseRedirectMarker(content []byte) (string, bool) {
	if len(content) > maxMarkerSize || !bytes.HasPrefix(content, []byte(redirectPrefix)) {
		return "", false
	}
	line := bytes.TrimSuffix(content[len(redirectPrefix):], []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	target := string(line)
	if target == "" || strings.ContainsAny(target, " \t\r\n") {
		return "", false
	}
	if address.Validate(target) != nil {
		return "", false
	}
	return target, true
}

// AllFiles yields every indexed entry.
func (s *Store) AllFiles() iter.Seq[Entry] {
	return s.seq(nil)
}

// TextFiles yields entries whose content type is html or plain text. The
// answer comes from the index; files are not reopened.
func (s *Store) TextFiles() iter.Seq[Entry] {
	return s.seq(Entry.IsText)
}

func (s *Store) seq(keep func(Entry) bool) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		entries, err := s.index.list(keep)
		if err != nil {
			s.logger.Warn("list cache index", zap.Error(err))
			return
		}
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of indexed entries.
func (s *Store) Len() int {
	n, err := s.index.count()
	if err != nil {
		return 0
	}
	return n
}

// Rebuild drops the index and repopulates it from the files on disk.
func (s *Store) Rebuild() (int, error) {
	if err := s.index.reset(); err != nil {
		return 0, err
	}
	return s.backfill()
}

// backfill walks the cache tree and indexes every file. URIs are
// reconstructed from the normalized path; original headers are unknown.
func (s *Store) backfill() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		method, uri, ok := splitRelative(rel)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		contentType, status := sniffFile(p)
		header := http.Header{}
		header.Set("Content-Type", contentType)
		e := s.entryFor(method, uri, rel, p, info.Size(), header, status, 0)
		e.Downloaded = info.ModTime().UTC()
		if err := s.index.put(e); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

// splitRelative turns METHOD/b1/b2/normalized back into a method and a
// best-effort URI.
func splitRelative(rel string) (method, uri string, ok bool) {
	parts := strings.SplitN(rel, "/", 4)
	if len(parts) != 4 || parts[3] == "" {
		return "", "", false
	}
	return parts[0], "http://" + parts[3], true
}
