package cache

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
)

const sniffLength = 512

var extensionTypes = map[string]string{
	".html":  "text/html",
	".htm":   "text/html",
	".xhtml": "application/xhtml+xml",
	".php":   "text/html",
	".asp":   "text/html",
	".aspx":  "text/html",
	".jsp":   "text/html",
	".txt":   "text/plain",
	".text":  "text/plain",
	".xml":   "text/xml",
	".css":   "text/css",
	".js":    "application/javascript",
	".json":  "application/json",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".bmp":   "image/bmp",
	".ico":   "image/x-icon",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".mp3":   "audio/mpeg",
	".ogg":   "audio/ogg",
	".wav":   "audio/wav",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".avi":   "video/x-msvideo",
	".mov":   "video/quicktime",
	".flv":   "video/x-flv",
	".swf":   "application/x-shockwave-flash",
	".zip":   "application/zip",
	".gz":    "application/gzip",
}

// TypeByExtension returns the content type registered for the extension of
// p. ok is false for unknown or missing extensions.
func TypeByExtension(p string) (contentType string, ok bool) {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return "", false
	}
	contentType, ok = extensionTypes[ext]
	return contentType, ok
}

// IsText reports whether a content type is one the index and search layers
// treat as a readable page.
func IsText(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.Contains(ct, "plain")
}

// sniffFile guesses the content type and status of a file whose original
// response headers are gone.
func sniffFile(p string) (contentType string, status int) {
	f, err := os.Open(p) // #nosec G304 -- paths come from the cache walk.
	if err != nil {
		return "application/octet-stream", http.StatusOK
	}
	defer f.Close()

	head := make([]byte, sniffLength+1)
	n, _ := io.ReadFull(f, head)
	whole := n <= sniffLength
	if !whole {
		n = sniffLength
	}
	return sniffBytes(p, head[:n], whole)
}

// sniffBytes classifies a file from its first bytes. whole reports that head
// is the entire file; only then can it be a redirect marker.
func sniffBytes(p string, head []byte, whole bool) (contentType string, status int) {
	if _, ok := ParseRedirectMarker(head); ok && whole {
		return "text/plain", http.StatusMovedPermanently
	}
	if ct, ok := TypeByExtension(p); ok {
		return ct, http.StatusOK
	}
	lower := bytes.ToLower(bytes.TrimSpace(head))
	if bytes.HasPrefix(lower, []byte("<html")) || bytes.HasPrefix(lower, []byte("<!doctype html")) {
		return "text/html", http.StatusOK
	}
	return http.DetectContentType(head), http.StatusOK
}
