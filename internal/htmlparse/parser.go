// Package htmlparse extracts links, embedded objects, titles and text from
// HTML pages using goquery.
package htmlparse

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link is an outbound anchor.
type Link struct {
	URL    string
	Anchor string
}

// Page is a parsed HTML document bound to the URL it was fetched from.
type Page struct {
	base *url.URL
	doc  *goquery.Document
}

// embeddedSelectors lists the elements whose attribute names an object the
// browser loads together with the page.
var embeddedSelectors = []struct {
	selector string
	attr     string
}{
	{"img[src]", "src"},
	{"script[src]", "src"},
	{"link[rel~='stylesheet'][href]", "href"},
	{"link[rel~='icon'][href]", "href"},
	{"iframe[src]", "src"},
	{"frame[src]", "src"},
	{"embed[src]", "src"},
	{"audio[src]", "src"},
	{"video[src]", "src"},
	{"source[src]", "src"},
	{"input[type='image'][src]", "src"},
	{"object[data]", "data"},
	{"body[background]", "background"},
}

// Parse reads body as HTML. baseURL resolves relative references; a <base
// href> in the document takes precedence.
func Parse(baseURL string, body []byte) (*Page, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}
	return &Page{base: base, doc: doc}, nil
}

// EmbeddedObjects returns the absolute URLs of images, scripts, stylesheets
// and frames referenced by the page, in document order and without
// duplicates.
func (p *Page) EmbeddedObjects() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, es := range embeddedSelectors {
		p.doc.Find(es.selector).Each(func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(es.attr)
			if u, ok := p.resolve(raw); ok {
				if _, dup := seen[u]; !dup {
					seen[u] = struct{}{}
					out = append(out, u)
				}
			}
		})
	}
	return out
}

// Links returns the page's outbound http(s) anchors in extraction order,
// at most limit of them when limit is positive.
func (p *Page) Links(limit int) []Link {
	seen := make(map[string]struct{})
	var out []Link
	p.doc.Find("a[href], area[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw, _ := s.Attr("href")
		u, ok := p.resolve(raw)
		if !ok {
			return true
		}
		if _, dup := seen[u]; dup {
			return true
		}
		seen[u] = struct{}{}
		out = append(out, Link{URL: u, Anchor: collapse(s.Text())})
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Title returns the document title.
func (p *Page) Title() string {
	return collapse(p.doc.Find("title").First().Text())
}

// Text returns the visible body text with whitespace collapsed.
func (p *Page) Text() string {
	body := p.doc.Find("body")
	if body.Length() == 0 {
		body = p.doc.Selection
	}
	clone := body.Clone()
	clone.Find("script,noscript,style,template").Remove()
	return collapse(clone.Text())
}

func (p *Page) resolve(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "data:") {
		return "", false
	}
	u, err := p.base.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Parser adapts the package functions to the collaborator interfaces used by
// the crawler and the search index.
type Parser struct {
	// MaxLinks caps Links; zero means unlimited.
	MaxLinks int
}

// EmbeddedObjects parses body and returns its embedded object URLs.
func (ps Parser) EmbeddedObjects(baseURL string, body []byte) ([]string, error) {
	page, err := Parse(baseURL, body)
	if err != nil {
		return nil, err
	}
	return page.EmbeddedObjects(), nil
}

// Links parses body and returns its outbound links.
func (ps Parser) Links(baseURL string, body []byte) ([]Link, error) {
	page, err := Parse(baseURL, body)
	if err != nil {
		return nil, err
	}
	return page.Links(ps.MaxLinks), nil
}

// TitleAndText parses body and returns its title and visible text.
func (ps Parser) TitleAndText(baseURL string, body []byte) (string, string, error) {
	page, err := Parse(baseURL, body)
	if err != nil {
		return "", "", err
	}
	return page.Title(), page.Text(), nil
}
