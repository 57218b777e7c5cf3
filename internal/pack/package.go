// Package pack builds and unpacks the compressed bundles the remote proxy
// ships back to the local proxy.
//
// A bundle is gzip(manifest || content). The manifest is a list of
// "<uri> <length>\r\n" lines; the content is the files concatenated in
// manifest order. Both lengths travel out of band in the transfer headers.
package pack

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/JakeFAU/rcproxy/internal/request"
)

// Package collects the records of one crawl against a shared byte quota.
type Package struct {
	mu       sync.Mutex
	basePath string
	quota    *int64
	low      int64
	records  []*request.Record
	seen     map[string]struct{}
	content  int64
	index    int64
}

// New creates a Package drawing from quota. Files are resolved below
// basePath. lowWatermark is the remaining quota below which Exhausted
// reports true.
func New(basePath string, quota *int64, lowWatermark int64) *Package {
	if quota == nil {
		var unlimited int64
		quota = &unlimited
	}
	return &Package{
		basePath: basePath,
		quota:    quota,
		low:      lowWatermark,
		seen:     make(map[string]struct{}),
	}
}

// Pack adds a record if its file fits the remaining quota. The quota is
// decremented only on success. Records already packed are accepted again
// without being charged twice.
func (p *Package) Pack(rec *request.Record) bool {
	if rec == nil {
		return false
	}
	info, err := os.Stat(filepath.Join(p.basePath, filepath.FromSlash(rec.CachePath())))
	if err != nil || info.IsDir() {
		return false
	}
	size := info.Size()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[rec.URI()]; ok {
		return true
	}
	if size > *p.quota {
		return false
	}
	*p.quota -= size
	p.seen[rec.URI()] = struct{}{}
	p.records = append(p.records, rec)
	p.content += size
	p.index += int64(len(manifestLine(rec.URI(), size)))
	return true
}

// PackAll packs records in order and returns how many were accepted.
func (p *Package) PackAll(recs []*request.Record) int {
	var n int
	for _, rec := range recs {
		if p.Pack(rec) {
			n++
		}
	}
	return n
}

// Remaining returns the quota left.
func (p *Package) Remaining() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.quota
}

// Exhausted reports whether the remaining quota is below the low watermark.
func (p *Package) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.quota < p.low
}

// Len returns the number of packed records.
func (p *Package) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// ContentSize is the running total of packed file bytes.
func (p *Package) ContentSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content
}

// IndexSize is the running total of manifest bytes.
func (p *Package) IndexSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// Records returns the packed records in packing order.
func (p *Package) Records() []*request.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*request.Record(nil), p.records...)
}

// Manifest freezes the package contents for transfer.
func (p *Package) Manifest() *Manifest {
	return Build(p.Records(), p.basePath)
}

// Manifest is a frozen package: the encoded index plus the files it names.
type Manifest struct {
	Index       []byte
	ContentSize int64
	entries     []manifestEntry
}

type manifestEntry struct {
	uri  string
	path string
	size int64
}

// Headers returns the envelope announcing this manifest.
func (m *Manifest) Headers() ResponseHeaders {
	return ResponseHeaders{IndexSize: int64(len(m.Index)), ContentSize: m.ContentSize}
}

// Build writes one manifest line per record with the on-disk size of the
// record's file below basePath. Records without a file are skipped.
func Build(records []*request.Record, basePath string) *Manifest {
	var buf bytes.Buffer
	m := &Manifest{}
	for _, rec := range records {
		full := filepath.Join(basePath, filepath.FromSlash(rec.CachePath()))
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		buf.WriteString(manifestLine(rec.URI(), info.Size()))
		m.entries = append(m.entries, manifestEntry{uri: rec.URI(), path: full, size: info.Size()})
		m.ContentSize += info.Size()
	}
	m.Index = buf.Bytes()
	return m
}

func manifestLine(uri string, size int64) string {
	return uri + " " + strconv.FormatInt(size, 10) + "\r\n"
}

// WriteTo streams gzip(index || content) to w. It returns the number of
// uncompressed bytes written.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	zw := gzip.NewWriter(w)
	written, err := m.writePlain(zw)
	if err != nil {
		_ = zw.Close()
		return written, err
	}
	if err := zw.Close(); err != nil {
		return written, fmt.Errorf("close gzip stream: %w", err)
	}
	return written, nil
}

func (m *Manifest) writePlain(w io.Writer) (int64, error) {
	n, err := w.Write(m.Index)
	written := int64(n)
	if err != nil {
		return written, fmt.Errorf("write manifest: %w", err)
	}
	for _, e := range m.entries {
		f, err := os.Open(e.path) // #nosec G304 -- paths come from the cache layout.
		if err != nil {
			return written, fmt.Errorf("open %s: %w", e.uri, err)
		}
		copied, err := io.CopyN(w, f, e.size)
		_ = f.Close()
		written += copied
		if err != nil {
			return written, fmt.Errorf("copy %s: %w", e.uri, err)
		}
	}
	return written, nil
}
