package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// Blocklist matches hosts against exact names and suffix wildcards. A nil
// Blocklist blocks nothing.
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewBlocklist builds a Blocklist from patterns: "example.com" matches that
// host only, "*.ads.net" and ".tracker.org" match the domain and every
// subdomain. It returns nil when no pattern is usable.
func NewBlocklist(patterns []string) *Blocklist {
	b := &Blocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "" || strings.HasPrefix(value, "#"):
			continue
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

// LoadBlocklist reads one pattern per line from path; blank lines and "#"
// comments are skipped. A missing file yields an empty blocklist.
func LoadBlocklist(path string) (*Blocklist, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path) // #nosec G304 -- operator supplied path.
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open blacklist: %w", err)
	}
	defer f.Close()
	return ReadBlocklist(f)
}

// ReadBlocklist parses patterns from r.
func ReadBlocklist(r io.Reader) (*Blocklist, error) {
	var patterns []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		patterns = append(patterns, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read blacklist: %w", err)
	}
	return NewBlocklist(patterns), nil
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(b.suffixes, suffix) {
		return
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether host (without port) matches a pattern.
func (b *Blocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Len is the number of patterns loaded.
func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.exact) + len(b.suffixes)
}
