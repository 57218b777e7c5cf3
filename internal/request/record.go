// Package request defines the unit of work shared by both proxies: a request
// record with its identity, cache address and lifecycle state machine.
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/rcproxy/internal/address"
)

// Status represents the lifecycle state of a request record.
type Status string

// Record status values. Completed and Failed are terminal.
const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned when a status change violates the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// Options carries the optional attributes of a new record.
type Options struct {
	Body     []byte
	Anchor   string
	Referrer string
	Created  time.Time
}

// Record is one logical request. It is safe for concurrent use; the queue
// manager, the dispatch loop and the control plane all hold references to
// the same instance.
type Record struct {
	mu sync.Mutex

	method            string
	uri               string
	uriBeforeRedirect string
	body              []byte
	bodyHash          string
	key               string
	id                string
	anchor            string
	referrer          string
	cachePath         string
	size              int64
	status            Status
	created           time.Time
	started           time.Time
	finished          time.Time
	outstanding       int
}

// New creates a Pending record.
func New(method, uri string, opts Options) *Record {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	uri = strings.TrimSpace(uri)
	created := opts.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	r := &Record{
		method:   method,
		uri:      uri,
		body:     append([]byte(nil), opts.Body...),
		anchor:   opts.Anchor,
		referrer: opts.Referrer,
		status:   StatusPending,
		created:  created,
	}
	r.bodyHash = digest(r.body)
	r.key = identityKey(method, uri, r.bodyHash)
	r.id = digest([]byte(r.key))[:16]
	r.cachePath = address.RelativeCacheFileName(uri, method)
	return r
}

func identityKey(method, uri, bodyHash string) string {
	return method + " " + uri + " " + bodyHash
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key is the identity of the record: method, URI and body digest.
func (r *Record) Key() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

// ID is a short stable identifier derived from the identity, used by the
// control plane to address queue items.
func (r *Record) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Equal reports whether two records share method, URI and body.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Key() == other.Key()
}

// Method returns the HTTP method.
func (r *Record) Method() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.method
}

// URI returns the current target URI (the post-redirect one after a rebase).
func (r *Record) URI() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uri
}

// URIBeforeRedirect returns the originally requested URI, or "" when the
// record was never redirected.
func (r *Record) URIBeforeRedirect() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uriBeforeRedirect
}

// Body returns a copy of the request body.
func (r *Record) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.body...)
}

// Anchor returns the anchor text the request was discovered under.
func (r *Record) Anchor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anchor
}

// Referrer returns the referring URI.
func (r *Record) Referrer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.referrer
}

// CachePath returns the slash-separated path below the cache root.
func (r *Record) CachePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cachePath
}

// Cacheable reports whether responses to this record may be served from cache.
func (r *Record) Cacheable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.method == http.MethodGet || r.method == http.MethodHead) && len(r.body) == 0
}

// Size returns the number of bytes downloaded for the record.
func (r *Record) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// SetSize records the downloaded byte count.
func (r *Record) SetSize(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = n
}

// Status returns the current lifecycle state.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Created returns the creation timestamp.
func (r *Record) Created() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// Started returns when the download began, or the zero time.
func (r *Record) Started() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Finished returns when the record reached a terminal state, or the zero time.
func (r *Record) Finished() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Outstanding is the number of user queues referencing this record.
func (r *Record) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// AddOutstanding adjusts the outstanding counter and returns the new value.
// The counter never drops below zero.
func (r *Record) AddOutstanding(delta int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outstanding += delta
	if r.outstanding < 0 {
		r.outstanding = 0
	}
	return r.outstanding
}

// Start moves a Pending record to Downloading.
func (r *Record) Start(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.status, StatusDownloading)
	}
	r.status = StatusDownloading
	r.started = now
	return nil
}

// Complete moves a Downloading record to Completed.
func (r *Record) Complete(now time.Time, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusDownloading {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.status, StatusCompleted)
	}
	r.status = StatusCompleted
	r.size = size
	r.finished = now
	return nil
}

// Fail moves a non-terminal record to Failed.
func (r *Record) Fail(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.status, StatusFailed)
	}
	r.status = StatusFailed
	r.finished = now
	return nil
}

// ResetDownloading returns a Downloading record to Pending. Used when
// restoring queues: a download cannot survive a restart.
func (r *Record) ResetDownloading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusDownloading {
		return false
	}
	r.status = StatusPending
	r.started = time.Time{}
	return true
}

// Redirect rebases the record onto newURI: the original URI is kept as
// URIBeforeRedirect and the cache path is recomputed from the new URI.
// It returns the cache path the record had before the rebase.
func (r *Record) Redirect(newURI string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.cachePath
	if r.uriBeforeRedirect == "" {
		r.uriBeforeRedirect = r.uri
	}
	r.uri = newURI
	r.cachePath = address.RelativeCacheFileName(newURI, r.method)
	return previous
}

// Redirected reports whether the record was rebased onto another URI.
func (r *Record) Redirected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uriBeforeRedirect != "" && r.uriBeforeRedirect != r.uri
}

// String is used in log lines.
func (r *Record) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.method + " " + r.uri
}

// RemainingTimeout is the per-call budget left before deadline; a passed
// deadline yields zero so the call fails fast.
func RemainingTimeout(deadline, now time.Time) time.Duration {
	if remaining := deadline.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}
