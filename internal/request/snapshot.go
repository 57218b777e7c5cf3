package request

import "time"

// Snapshot is the persisted form of a queued record. It carries plain data
// only and is rebuilt into a live Record on restart.
type Snapshot struct {
	UserID            string    `json:"user_id"`
	Method            string    `json:"method"`
	URI               string    `json:"uri"`
	URIBeforeRedirect string    `json:"uri_before_redirect,omitempty"`
	Body              []byte    `json:"body,omitempty"`
	Anchor            string    `json:"anchor,omitempty"`
	Referrer          string    `json:"referrer,omitempty"`
	Status            Status    `json:"status"`
	Size              int64     `json:"size"`
	Created           time.Time `json:"created"`
	Started           time.Time `json:"started,omitempty"`
	Finished          time.Time `json:"finished,omitempty"`
}

// Snapshot captures the record as queued by userID.
func (r *Record) Snapshot(userID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		UserID:            userID,
		Method:            r.method,
		URI:               r.uri,
		URIBeforeRedirect: r.uriBeforeRedirect,
		Body:              append([]byte(nil), r.body...),
		Anchor:            r.anchor,
		Referrer:          r.referrer,
		Status:            r.status,
		Size:              r.size,
		Created:           r.created,
		Started:           r.started,
		Finished:          r.finished,
	}
}

// FromSnapshot rebuilds a record. Identity is derived from the originally
// requested URI so a restored record still deduplicates against new
// submissions of the same request.
func FromSnapshot(s Snapshot) *Record {
	requested := s.URI
	if s.URIBeforeRedirect != "" {
		requested = s.URIBeforeRedirect
	}
	r := New(s.Method, requested, Options{
		Body:     s.Body,
		Anchor:   s.Anchor,
		Referrer: s.Referrer,
		Created:  s.Created,
	})
	if s.URIBeforeRedirect != "" && s.URIBeforeRedirect != s.URI {
		r.Redirect(s.URI)
	}
	r.status = s.Status
	if r.status == "" {
		r.status = StatusPending
	}
	r.size = s.Size
	r.started = s.Started
	r.finished = s.Finished
	return r
}
