package api

import (
	"encoding/xml"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/address"
	"github.com/JakeFAU/rcproxy/internal/netstatus"
	"github.com/JakeFAU/rcproxy/internal/pack"
	"github.com/JakeFAU/rcproxy/internal/queue"
	"github.com/JakeFAU/rcproxy/internal/request"
	"github.com/JakeFAU/rcproxy/internal/search"
	"github.com/JakeFAU/rcproxy/internal/users"
)

const (
	// UserCookie carries the user id between the proxy and control plane.
	UserCookie = "rc_user"

	defaultPageSize   = 10
	maxPageSize       = 100
	defaultBrowseSize = 50
	maxSearchBody     = 1 << 20
)

type queueDoc struct {
	XMLName xml.Name    `xml:"queue"`
	User    string      `xml:"user,attr"`
	Items   []queueItem `xml:"item"`
}

type queueItem struct {
	ID       string    `xml:"id,attr"`
	Status   string    `xml:"status,attr"`
	ETA      string    `xml:"eta,attr"`
	URL      string    `xml:"url"`
	Anchor   string    `xml:"anchor,omitempty"`
	Referrer string    `xml:"referrer,omitempty"`
	Created  time.Time `xml:"created"`
	Size     int64     `xml:"size"`
}

type searchDoc struct {
	XMLName xml.Name     `xml:"search"`
	Total   int          `xml:"total,attr"`
	Items   []searchItem `xml:"item"`
}

type searchItem struct {
	Title   string `xml:"title"`
	URL     string `xml:"url"`
	Snippet string `xml:"snippet"`
}

type browseDoc struct {
	XMLName  xml.Name     `xml:"index"`
	Category string       `xml:"category,attr,omitempty"`
	Total    int          `xml:"total,attr"`
	Items    []browseItem `xml:"item"`
}

type browseItem struct {
	URL         string `xml:"url"`
	ContentType string `xml:"type"`
	Size        int64  `xml:"size"`
}

// browse lists cached text pages, optionally narrowed to hosts containing c.
// n is the page size and s the offset.
func (s *Server) browse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := intParam(q, "n", defaultBrowseSize, maxPageSize*10)
	start := intParam(q, "s", 0, -1)
	category := strings.ToLower(strings.TrimSpace(q.Get("c")))

	doc := browseDoc{Category: category}
	if s.deps.Cache != nil {
		for entry := range s.deps.Cache.TextFiles() {
			if category != "" && !strings.Contains(hostOf(entry.URI), category) {
				continue
			}
			if doc.Total >= start && len(doc.Items) < n {
				doc.Items = append(doc.Items, browseItem{URL: entry.URI, ContentType: entry.ContentType, Size: entry.Size})
			}
			doc.Total++
		}
	}
	s.writeXML(w, http.StatusOK, doc)
}

// queue renders a user's requests. v filters by creation day (YYYY-MM-DD)
// or month (YYYY-MM); "0" or empty lists everything.
func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	user := userParam(r)
	if user == "" {
		writeText(w, http.StatusBadRequest, "missing user id")
		return
	}
	keep, err := viewFilter(r.URL.Query().Get("v"))
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	doc := queueDoc{User: user}
	for _, rec := range s.deps.Queue.ListForUser(user) {
		if !keep(rec.Created()) {
			continue
		}
		doc.Items = append(doc.Items, queueItem{
			ID:       rec.ID(),
			Status:   string(rec.Status()),
			ETA:      s.deps.Dispatcher.FormatETA(rec),
			URL:      rec.URI(),
			Anchor:   rec.Anchor(),
			Referrer: rec.Referrer(),
			Created:  rec.Created(),
			Size:     rec.Size(),
		})
	}
	s.writeXML(w, http.StatusOK, doc)
}

func viewFilter(v string) (func(time.Time) bool, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "" || v == "0":
		return func(time.Time) bool { return true }, nil
	case len(v) == len("2006-01-02"):
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return nil, fmt.Errorf("invalid day %q", v)
		}
		return func(t time.Time) bool { return t.Format("2006-01-02") == v }, nil
	case len(v) == len("2006-01"):
		if _, err := time.Parse("2006-01", v); err != nil {
			return nil, fmt.Errorf("invalid month %q", v)
		}
		return func(t time.Time) bool { return t.Format("2006-01") == v }, nil
	default:
		return nil, fmt.Errorf("invalid view %q", v)
	}
}

// localSearch answers from the offline index: s is the query, p the 1-based
// page and n the page size.
func (s *Server) localSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("s"))
	p := intParam(q, "p", 1, -1)
	n := intParam(q, "n", defaultPageSize, maxPageSize)

	doc := searchDoc{}
	if s.deps.Search != nil {
		total, results, err := s.deps.Search.Search(query, p, n)
		switch {
		case errors.Is(err, search.ErrEmptyQuery):
		case err != nil:
			s.logger.Warn("local search failed", zap.String("query", query), zap.Error(err))
			writeText(w, http.StatusInternalServerError, "search failed")
			return
		default:
			doc.Total = total
			for _, res := range results {
				doc.Items = append(doc.Items, searchItem(res))
			}
		}
	}
	s.writeXML(w, http.StatusOK, doc)
}

// search forwards the query to the external engine while online and falls
// back to the local index otherwise.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SearchEngineURL == "" || s.deps.Status == nil || s.deps.Status.Get() != netstatus.Online {
		s.localSearch(w, r)
		return
	}

	target, err := url.Parse(s.cfg.SearchEngineURL)
	if err != nil {
		writeText(w, http.StatusInternalServerError, "invalid search engine url")
		return
	}
	params := target.Query()
	for _, key := range []string{"s", "p", "n"} {
		if v := r.URL.Query().Get(key); v != "" {
			params.Set(key, v)
		}
	}
	target.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		writeText(w, http.StatusInternalServerError, "build search request")
		return
	}
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		s.logger.Info("external search failed", zap.String("url", target.String()), zap.Error(err))
		writeText(w, http.StatusBadGateway, "search engine unavailable")
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBody))
	if err != nil {
		writeText(w, http.StatusBadGateway, "read search response")
		return
	}
	var doc searchDoc
	if resp.StatusCode != http.StatusOK || xml.Unmarshal(body, &doc) != nil {
		s.logger.Info("unusable search response", zap.Int("status", resp.StatusCode))
		writeText(w, http.StatusBadGateway, "search engine returned an unusable response")
		return
	}
	s.writeXML(w, http.StatusOK, doc)
}

// add queues t for user u with anchor a and referrer r, then echoes r so the
// browser can return to the page it came from.
func (s *Server) add(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, "invalid form")
		return
	}
	user := strings.TrimSpace(r.Form.Get("u"))
	if user == "" {
		user = cookieUser(r)
	}
	target := strings.TrimSpace(r.Form.Get("t"))
	referrer := r.Form.Get("r")
	if user == "" {
		writeText(w, http.StatusBadRequest, "missing user id")
		return
	}
	if err := address.Validate(target); err != nil {
		writeText(w, http.StatusBadRequest, "invalid target uri")
		return
	}

	rec := request.New(http.MethodGet, target, request.Options{
		Anchor:   r.Form.Get("a"),
		Referrer: referrer,
		Created:  s.deps.Clock.Now(),
	})
	queued, err := s.deps.Queue.Enqueue(user, rec)
	if err != nil {
		writeText(w, http.StatusInternalServerError, "could not queue request")
		return
	}
	s.logger.Info("queued from control plane", zap.String("user", user), zap.String("url", target), zap.String("id", queued.ID()))
	writeText(w, http.StatusOK, referrer)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	user := userParam(r)
	rec, ok := s.deps.Queue.Find(user, r.URL.Query().Get("i"))
	if !ok {
		writeText(w, http.StatusNotFound, "no such item")
		return
	}
	s.deps.Queue.Dequeue(user, rec)
	writeText(w, http.StatusOK, "removed")
}

func (s *Server) eta(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.deps.Queue.Find(userParam(r), r.URL.Query().Get("i"))
	if !ok {
		writeText(w, http.StatusNotFound, "no such item")
		return
	}
	writeText(w, http.StatusOK, s.deps.Dispatcher.FormatETA(rec))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	status := netstatus.Offline
	if s.deps.Status != nil {
		status = s.deps.Status.Get()
	}
	writeText(w, http.StatusOK, status.String())
}

// richness sets the crawl richness for queued requests when r is given and
// reports the current value.
func (s *Server) richness(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("r"); v != "" {
		s.deps.Dispatcher.SetRichness(pack.ParseRichness(v))
	}
	writeText(w, http.StatusOK, s.deps.Dispatcher.Richness().String())
}

// signup registers u with password p. When i names an orphan it is claimed
// for the new user straight away.
func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Users == nil {
		writeText(w, http.StatusServiceUnavailable, "user registration disabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, "invalid form")
		return
	}
	user := strings.TrimSpace(r.Form.Get("u"))
	if _, err := s.deps.Users.Add(user, r.Form.Get("p")); err != nil {
		switch {
		case errors.Is(err, users.ErrExists):
			writeText(w, http.StatusConflict, "user already registered")
		case errors.Is(err, users.ErrInvalidID), errors.Is(err, users.ErrInvalidPassword):
			writeText(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("signup failed", zap.String("user", user), zap.Error(err))
			writeText(w, http.StatusInternalServerError, "could not register user")
		}
		return
	}
	setUserCookie(w, user)

	if id := r.Form.Get("i"); id != "" {
		if _, err := s.deps.Queue.ClaimOrphan(user, id); err != nil {
			s.logger.Info("orphan not claimed at signup", zap.String("id", id), zap.Error(err))
		}
	}
	writeText(w, http.StatusOK, "registered "+user)
}

var claimForm = template.Must(template.New("claim").Parse(`<html><head><title>Who are you?</title></head><body>
<p>Your request for <a href="{{.Target}}">{{.Target}}</a> will be fetched when the link allows. Enter your user id to queue it.</p>
<form method="get" action="/request/claim">
<input type="hidden" name="i" value="{{.ID}}">
<input type="hidden" name="r" value="{{.Target}}">
<input type="text" name="u">
<input type="submit" value="Queue">
</form>
</body></html>
`))

var claimDone = template.Must(template.New("claimed").Parse(`<html><head><title>Queued</title></head><body>
<p>{{.Target}} has been queued (id {{.ID}}).</p>
<p><a href="/request/queue.xml?u={{.User}}">Your queue</a></p>
</body></html>
`))

type claimPage struct {
	ID     string
	Target string
	User   string
}

// claim moves orphan i into user u's queue. Without a user it asks for one.
func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := claimPage{ID: q.Get("i"), Target: q.Get("r"), User: userParam(r)}
	if page.User == "" {
		s.writeHTML(w, http.StatusOK, claimForm, page)
		return
	}

	rec, err := s.deps.Queue.ClaimOrphan(page.User, page.ID)
	switch {
	case errors.Is(err, queue.ErrOrphanNotFound):
		writeText(w, http.StatusNotFound, "request expired, please retry")
		return
	case err != nil:
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	setUserCookie(w, page.User)
	page.ID = rec.ID()
	page.Target = rec.URI()
	s.writeHTML(w, http.StatusOK, claimDone, page)
}

// userParam is the u parameter, else the user cookie.
func userParam(r *http.Request) string {
	if u := strings.TrimSpace(r.URL.Query().Get("u")); u != "" {
		return u
	}
	return cookieUser(r)
}

func cookieUser(r *http.Request) string {
	if c, err := r.Cookie(UserCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func setUserCookie(w http.ResponseWriter, user string) {
	http.SetCookie(w, &http.Cookie{Name: UserCookie, Value: user, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
}

// intParam parses a non-negative integer query value. limit <= 0 means
// unbounded.
func intParam(q url.Values, key string, def, limit int) int {
	v, err := strconv.Atoi(q.Get(key))
	if err != nil || v < 0 {
		return def
	}
	if limit > 0 && v > limit {
		return limit
	}
	return v
}

func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func (s *Server) writeXML(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(payload); err != nil {
		s.logger.Error("write XML failed", zap.Error(err))
	}
}

func (s *Server) writeHTML(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("write HTML failed", zap.Error(err))
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
