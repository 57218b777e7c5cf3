package pack

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/address"
	"github.com/JakeFAU/rcproxy/internal/cache"
)

const (
	// maxIndexedBody bounds how much of a page is handed to the indexer.
	maxIndexedBody = 4 << 20
	// MaxIndexSize bounds the manifest, which is held in memory while unpacking.
	MaxIndexSize = 16 << 20
)

var (
	// ErrShortStream is returned when the decompressed stream is shorter than
	// the announced index and content sizes.
	ErrShortStream = errors.New("package stream ended early")
	// ErrLengthMismatch is returned when manifest lengths disagree with the
	// announced content size.
	ErrLengthMismatch = errors.New("package length mismatch")
)

// Target is the cache the package is unpacked into.
type Target interface {
	PathFor(method, uri string) (string, error)
	Add(uri, method string, header http.Header, status int) (cache.Entry, error)
}

// Indexer receives every newly unpacked text page.
type Indexer interface {
	IndexPage(uri string, body []byte) error
}

// Unpacker writes received packages into a cache.
type Unpacker struct {
	Target  Target
	Indexer Indexer
	// TempDir holds the decompressed stream; empty means os.TempDir.
	TempDir string
	Logger  *zap.Logger
}

// Unpack decompresses r and writes every manifest entry into the target. It
// returns the number of content bytes written. On any violation it stops and
// returns the bytes unpacked so far together with the error; the entry being
// written at that moment is discarded rather than left half-written.
func (u *Unpacker) Unpack(r io.Reader, indexSize, contentSize int64) (int64, error) {
	logger := u.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := checkSizes(indexSize, contentSize); err != nil {
		return 0, err
	}

	zr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("%w: open gzip: %v", ErrProtocol, err)
	}
	defer zr.Close()

	tmp, err := os.CreateTemp(u.TempDir, "rcproxy-package-*")
	if err != nil {
		return 0, fmt.Errorf("create package temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	want := indexSize + contentSize
	got, err := io.Copy(tmp, io.LimitReader(zr, want))
	if err != nil {
		return 0, fmt.Errorf("%w: decompress: %v", ErrProtocol, err)
	}
	if got < want {
		return 0, fmt.Errorf("%w: have %d of %d bytes", ErrShortStream, got, want)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind package temp file: %w", err)
	}

	br := bufio.NewReader(tmp)
	manifest := make([]byte, indexSize)
	if _, err := io.ReadFull(br, manifest); err != nil {
		return 0, fmt.Errorf("%w: read manifest: %v", ErrShortStream, err)
	}
	entries, err := ParseManifest(manifest)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total != contentSize {
		return 0, fmt.Errorf("%w: manifest lists %d bytes, header says %d", ErrLengthMismatch, total, contentSize)
	}

	var unpacked int64
	for _, e := range entries {
		if err := u.unpackEntry(br, e, logger); err != nil {
			logger.Warn("unpack aborted",
				zap.String("url", e.URI),
				zap.Int64("unpacked_bytes", unpacked),
				zap.Error(err))
			return unpacked, err
		}
		unpacked += e.Size
	}
	return unpacked, nil
}

// checkSizes rejects announced sizes that are negative, overflow when added
// or describe a manifest too large to hold in memory.
func checkSizes(indexSize, contentSize int64) error {
	switch {
	case indexSize < 0 || contentSize < 0:
		return fmt.Errorf("%w: negative size (index %d, content %d)", ErrProtocol, indexSize, contentSize)
	case indexSize > MaxIndexSize:
		return fmt.Errorf("%w: index size %d exceeds %d", ErrProtocol, indexSize, MaxIndexSize)
	case contentSize > math.MaxInt64-indexSize:
		return fmt.Errorf("%w: sizes overflow (index %d, content %d)", ErrProtocol, indexSize, contentSize)
	}
	return nil
}

func (u *Unpacker) unpackEntry(r io.Reader, e ManifestEntry, logger *zap.Logger) error {
	if err := address.Validate(e.URI); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	path, err := u.Target.PathFor(http.MethodGet, e.URI)
	if err != nil {
		return fmt.Errorf("cache path for %s: %w", e.URI, err)
	}
	_, statErr := os.Stat(path)
	existed := statErr == nil

	var body bytes.Buffer
	src := io.TeeReader(io.LimitReader(r, e.Size), &limitedBuffer{buf: &body, max: maxIndexedBody})
	n, err := cache.WriteFileAtomic(path, src)
	if err != nil {
		return err
	}
	if n != e.Size {
		_ = os.Remove(path)
		return fmt.Errorf("%w: %s wrote %d of %d bytes", ErrShortStream, e.URI, n, e.Size)
	}

	status := 0
	var header http.Header
	if target, ok := cache.ParseRedirectMarker(body.Bytes()); ok {
		status = http.StatusMovedPermanently
		header = http.Header{}
		header.Set("Location", target)
		header.Set("Content-Type", "text/plain")
	}
	entry, err := u.Target.Add(e.URI, http.MethodGet, header, status)
	if err != nil {
		return fmt.Errorf("index %s: %w", e.URI, err)
	}

	if u.Indexer != nil && !existed && entry.Status == http.StatusOK && entry.IsText() {
		if err := u.Indexer.IndexPage(e.URI, body.Bytes()); err != nil {
			logger.Warn("index page", zap.String("url", e.URI), zap.Error(err))
		}
	}
	return nil
}

// ManifestEntry is one parsed manifest line.
type ManifestEntry struct {
	URI  string
	Size int64
}

// ParseManifest splits a manifest into entries. Lines end in "\r\n"; a bare
// "\n" is tolerated.
func ParseManifest(data []byte) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		sep := strings.LastIndexByte(line, ' ')
		if sep <= 0 {
			return nil, fmt.Errorf("%w: malformed manifest line %q", ErrProtocol, line)
		}
		size, err := strconv.ParseInt(line[sep+1:], 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%w: bad size in manifest line %q", ErrProtocol, line)
		}
		entries = append(entries, ManifestEntry{URI: line[:sep], Size: size})
	}
	return entries, nil
}

// limitedBuffer keeps the first max bytes written to it and discards the
// rest without failing the writer.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) <= room {
			l.buf.Write(p)
		} else {
			l.buf.Write(p[:room])
		}
	}
	return len(p), nil
}
