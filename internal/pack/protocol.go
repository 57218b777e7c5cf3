package pack

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Transfer headers exchanged between the local and remote proxies.
const (
	// HeaderStream asks the remote proxy to relay one request without crawling.
	HeaderStream = "X-RC-Stream"
	// HeaderUserID names the user a queued request was made for.
	HeaderUserID = "X-RC-User-Id"
	// HeaderRichness selects which embedded objects the crawl fetches.
	HeaderRichness = "X-RC-Richness"
	// HeaderIndexSize carries the decompressed manifest length.
	HeaderIndexSize = "X-RC-Index-Size"
	// HeaderContentSize carries the decompressed content length.
	HeaderContentSize = "X-RC-Content-Size"
)

// ErrProtocol marks a malformed package or transfer envelope.
var ErrProtocol = errors.New("package protocol violation")

// Richness controls which embedded objects a crawl downloads.
type Richness int

const (
	// RichnessNormal fetches every embedded object.
	RichnessNormal Richness = iota
	// RichnessLow fetches text objects only.
	RichnessLow
)

func (r Richness) String() string {
	if r == RichnessLow {
		return "low"
	}
	return "normal"
}

// ParseRichness maps a header value onto a Richness; anything unknown is
// normal.
func ParseRichness(v string) Richness {
	if strings.EqualFold(strings.TrimSpace(v), "low") {
		return RichnessLow
	}
	return RichnessNormal
}

// RequestHeaders is the local proxy's side of the envelope. Zero values are
// omitted so the remote falls back to its defaults.
type RequestHeaders struct {
	Stream   bool
	UserID   string
	Richness Richness
}

// Apply copies the fields onto h.
func (rh RequestHeaders) Apply(h http.Header) {
	if rh.Stream {
		h.Set(HeaderStream, "true")
	}
	if rh.UserID != "" {
		h.Set(HeaderUserID, rh.UserID)
	}
	if rh.Richness != RichnessNormal {
		h.Set(HeaderRichness, rh.Richness.String())
	}
}

// Strip removes the envelope so it is never forwarded upstream.
func (RequestHeaders) Strip(h http.Header) {
	h.Del(HeaderStream)
	h.Del(HeaderUserID)
	h.Del(HeaderRichness)
}

// ReadRequestHeaders parses the envelope from h.
func ReadRequestHeaders(h http.Header) RequestHeaders {
	stream, _ := strconv.ParseBool(h.Get(HeaderStream))
	return RequestHeaders{
		Stream:   stream,
		UserID:   h.Get(HeaderUserID),
		Richness: ParseRichness(h.Get(HeaderRichness)),
	}
}

// ResponseHeaders is the remote proxy's side of the envelope.
type ResponseHeaders struct {
	IndexSize   int64
	ContentSize int64
}

// Apply copies the sizes onto h.
func (rh ResponseHeaders) Apply(h http.Header) {
	h.Set(HeaderIndexSize, strconv.FormatInt(rh.IndexSize, 10))
	h.Set(HeaderContentSize, strconv.FormatInt(rh.ContentSize, 10))
}

// ReadResponseHeaders parses both sizes. Either one missing or malformed is
// a protocol violation.
func ReadResponseHeaders(h http.Header) (ResponseHeaders, error) {
	index, err := parseSize(h, HeaderIndexSize)
	if err != nil {
		return ResponseHeaders{}, err
	}
	content, err := parseSize(h, HeaderContentSize)
	if err != nil {
		return ResponseHeaders{}, err
	}
	return ResponseHeaders{IndexSize: index, ContentSize: content}, nil
}

func parseSize(h http.Header, name string) (int64, error) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrProtocol, name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad %s %q", ErrProtocol, name, raw)
	}
	return n, nil
}
