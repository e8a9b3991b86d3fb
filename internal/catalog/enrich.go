package catalog

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Details are the optional book fields an Enricher can resolve.
// Empty strings mean "not found".
type Details struct {
	Authors       string
	Publisher     string
	PublishedDate string
	Language      string
}

// Enricher resolves bibliographic details for an ISBN.
type Enricher interface {
	Enrich(ctx context.Context, isbn string) (Details, error)
}

// Fetcher performs a GET and returns the raw response body.
// *httputil.Client satisfies it.
type Fetcher interface {
	GetBytes(ctx context.Context, url string) ([]byte, error)
}

// LookupEnricher queries the Google Books volumes API for authors, publisher
// and publishedDate, and the OpenLibrary search API for language.
type LookupEnricher struct {
	fetch          Fetcher
	googleBooksURL string
	openLibraryURL string
}

// NewLookupEnricher returns an Enricher backed by the two public APIs.
// Either URL may be empty to skip that source.
func NewLookupEnricher(fetch Fetcher, googleBooksURL, openLibraryURL string) *LookupEnricher {
	return &LookupEnricher{fetch: fetch, googleBooksURL: googleBooksURL, openLibraryURL: openLibraryURL}
}

func (e *LookupEnricher) Enrich(ctx context.Context, isbn string) (Details, error) {
	var d Details
	if e.googleBooksURL != "" {
		body, err := e.fetch.GetBytes(ctx, e.googleBooksURL+"?q="+url.QueryEscape("isbn:"+isbn))
		if err != nil {
			return d, fmt.Errorf("google books lookup: %w", err)
		}
		d = parseGoogleBooks(body)
	}
	if e.openLibraryURL != "" {
		body, err := e.fetch.GetBytes(ctx, e.openLibraryURL+"?q="+url.QueryEscape(isbn)+"&fields=language")
		if err != nil {
			return d, fmt.Errorf("open library lookup: %w", err)
		}
		d.Language = parseOpenLibrary(body)
	}
	return d, nil
}

func parseGoogleBooks(body []byte) Details {
	info := gjson.GetBytes(body, "items.0.volumeInfo")
	if !info.Exists() {
		return Details{}
	}

	var authors []string
	for _, a := range info.Get("authors").Array() {
		if s := strings.TrimSpace(a.String()); s != "" {
			authors = append(authors, s)
		}
	}

	published := info.Get("publishedDate").String()
	if !publishedDatePattern.MatchString(published) {
		published = ""
	}

	return Details{
		Authors:       strings.Join(authors, " and "),
		Publisher:     info.Get("publisher").String(),
		PublishedDate: published,
	}
}

func parseOpenLibrary(body []byte) string {
	var langs []string
	for _, l := range gjson.GetBytes(body, "docs.0.language").Array() {
		langs = append(langs, l.String())
	}
	return strings.Join(langs, ", ")
}
