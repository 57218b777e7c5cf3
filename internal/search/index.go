// Package search keeps a small full-text index of cached pages in bbolt so
// the local proxy can answer searches while offline.
package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	bucketDocs  = "docs"
	bucketTerms = "terms"

	maxStoredText = 64 << 10
	snippetLength = 160
	minTermLength = 2
)

// ErrEmptyQuery is returned for queries without any searchable term.
var ErrEmptyQuery = errors.New("search: empty query")

// TextExtractor pulls the title and visible text out of a page body.
type TextExtractor interface {
	TitleAndText(baseURL string, body []byte) (string, string, error)
}

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

type document struct {
	Title   string    `json:"title"`
	Text    string    `json:"text"`
	Indexed time.Time `json:"indexed"`
}

// Index is a term → URL inverted index.
type Index struct {
	db        *bolt.DB
	extractor TextExtractor
	logger    *zap.Logger
}

// Open creates (or reopens) the index at path.
func Open(path string, extractor TextExtractor, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create search index dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDocs, bucketTerms} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("ensure %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Index{db: db, extractor: extractor, logger: logger.Named("search")}, nil
}

// Close releases the index.
func (i *Index) Close() error {
	return i.db.Close()
}

// IndexPage extracts the page's title and text and adds it to the index.
// Re-indexing a URL replaces its previous document.
func (i *Index) IndexPage(uri string, body []byte) error {
	title, text, err := i.extractor.TitleAndText(uri, body)
	if err != nil {
		return fmt.Errorf("extract %s: %w", uri, err)
	}
	return i.Add(uri, title, text)
}

// Add indexes a document directly.
func (i *Index) Add(uri, title, text string) error {
	if len(text) > maxStoredText {
		text = text[:maxStoredText]
	}
	doc := document{Title: title, Text: text, Indexed: time.Now().UTC()}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	terms := tokenize(title + " " + text)

	return i.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(bucketDocs))
		postings := tx.Bucket([]byte(bucketTerms))
		if prev := docs.Get([]byte(uri)); prev != nil {
			if err := removePostings(postings, uri, prev); err != nil {
				return err
			}
		}
		if err := docs.Put([]byte(uri), data); err != nil {
			return err
		}
		for term := range terms {
			b, err := postings.CreateBucketIfNotExists([]byte(term))
			if err != nil {
				return fmt.Errorf("posting bucket %q: %w", term, err)
			}
			if err := b.Put([]byte(uri), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func removePostings(postings *bolt.Bucket, uri string, raw []byte) error {
	var prev document
	if err := json.Unmarshal(raw, &prev); err != nil {
		return nil
	}
	for term := range tokenize(prev.Title + " " + prev.Text) {
		if b := postings.Bucket([]byte(term)); b != nil {
			if err := b.Delete([]byte(uri)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Search returns page p (1-based) of n results for query, and the total
// number of matching documents. Every query term must match.
func (i *Index) Search(query string, p, n int) (int, []Result, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return 0, nil, ErrEmptyQuery
	}
	if n <= 0 {
		n = 10
	}
	if p <= 0 {
		p = 1
	}

	type hit struct {
		uri   string
		doc   document
		score int
	}
	var hits []hit
	err := i.db.View(func(tx *bolt.Tx) error {
		postings := tx.Bucket([]byte(bucketTerms))
		docs := tx.Bucket([]byte(bucketDocs))

		var candidates map[string]struct{}
		for term := range terms {
			b := postings.Bucket([]byte(term))
			if b == nil {
				candidates = nil
				return nil
			}
			next := make(map[string]struct{})
			if err := b.ForEach(func(k, _ []byte) error {
				if candidates == nil {
					next[string(k)] = struct{}{}
				} else if _, ok := candidates[string(k)]; ok {
					next[string(k)] = struct{}{}
				}
				return nil
			}); err != nil {
				return err
			}
			candidates = next
			if len(candidates) == 0 {
				return nil
			}
		}
		for uri := range candidates {
			var doc document
			if err := json.Unmarshal(docs.Get([]byte(uri)), &doc); err != nil {
				continue
			}
			hits = append(hits, hit{uri: uri, doc: doc, score: score(doc, terms)})
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("search %q: %w", query, err)
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return hits[a].uri < hits[b].uri
	})

	total := len(hits)
	start := (p - 1) * n
	if start >= total {
		return total, nil, nil
	}
	end := min(start+n, total)
	results := make([]Result, 0, end-start)
	for _, h := range hits[start:end] {
		results = append(results, Result{Title: h.doc.Title, URL: h.uri, Snippet: snippet(h.doc.Text, terms)})
	}
	return total, results, nil
}

// score weights title matches above body matches.
func score(doc document, terms map[string]struct{}) int {
	title := tokenize(doc.Title)
	var s int
	for term := range terms {
		if _, ok := title[term]; ok {
			s += 3
		}
		s += min(strings.Count(strings.ToLower(doc.Text), term), 5)
	}
	return s
}

func snippet(text string, terms map[string]struct{}) string {
	lower := strings.ToLower(text)
	pos := -1
	for term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	if pos < 0 {
		pos = 0
	}
	start := max(pos-snippetLength/4, 0)
	end := min(start+snippetLength, len(text))
	out := strings.ToValidUTF8(text[start:end], "")
	if start > 0 {
		out = "..." + out
	}
	if end < len(text) {
		out += "..."
	}
	return out
}

func tokenize(s string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) >= minTermLength {
			terms[f] = struct{}{}
		}
	}
	return terms
}
