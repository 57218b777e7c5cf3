// Package address maps request URIs onto cache-relative file paths.
//
// Both proxies derive the same path for the same request without any
// coordination, so the mapping must stay deterministic across releases.
package address

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxPathLength bounds the normalized path before bucketing.
	MaxPathLength = 220
	// BucketCount is the fan-out of each of the two bucket levels.
	BucketCount = 5000
	// DefaultIndexName is appended to directory-like URIs.
	DefaultIndexName = "index.html"
)

// ErrInvalidURI is returned by Validate for URIs the proxies refuse to cache.
var ErrInvalidURI = errors.New("invalid uri")

var (
	whitespaceRun    = regexp.MustCompile(`\s+`)
	invalidPathChars = regexp.MustCompile(`[^a-z0-9/.\-]+`)
)

// ToFilePath normalizes a URI into a filesystem-safe relative path.
func ToFilePath(uri string) string {
	p := strings.TrimSpace(uri)
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
	}
	switch slash := strings.IndexByte(p, '/'); {
	case slash < 0:
		p += "/" + DefaultIndexName
	case strings.HasSuffix(p, "/"):
		p += DefaultIndexName
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	p = strings.ToLower(p)
	p = whitespaceRun.ReplaceAllString(p, "-")
	p = invalidPathChars.ReplaceAllString(p, "")
	p = dropRelativeSegments(p)
	if len(p) > MaxPathLength {
		p = p[:MaxPathLength]
	}
	return strings.Trim(p, "-.")
}

// dropRelativeSegments removes empty, "." and ".." segments so a path can
// never climb out of its bucket directory.
func dropRelativeSegments(p string) string {
	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "/")
}

// ToHashBucket returns the two directory buckets for a normalized path.
func ToHashBucket(p string) (int, int) {
	if p == "" {
		return 0, 0
	}
	mid := len(p) / 2
	return bucket(wordHash(p[:mid])), bucket(wordHash(p[mid:]))
}

// RelativeCacheFileName is the slash-separated path of a request below the
// cache root: method/bucket1/bucket2/normalizedPath.
func RelativeCacheFileName(uri, method string) string {
	p := ToFilePath(uri)
	b1, b2 := ToHashBucket(p)
	if p == "" {
		p = DefaultIndexName
	}
	return path.Join(strings.ToUpper(method), strconv.Itoa(b1), strconv.Itoa(b2), p)
}

// Validate accepts absolute http(s) URIs with a host.
func Validate(uri string) error {
	u, err := url.ParseRequestURI(strings.TrimSpace(uri))
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidURI, uri, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidURI, uri)
	}
	return nil
}

// wordHash is the classic polynomial string hash over 64-bit wrapping ints.
func wordHash(s string) int64 {
	if s == "" {
		return 0
	}
	h := int64(s[0]) << 7
	for i := 0; i < len(s); i++ {
		h = (h * 1000003) ^ int64(s[i])
	}
	h ^= int64(len(s))
	if h == -1 {
		h = -2
	}
	return h
}

func bucket(h int64) int {
	b := h % BucketCount
	if b < 0 {
		b = -b
	}
	return int(b)
}
