package lending

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// BookRef is what a loan needs to know about a catalog book.
type BookRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// BookLookup resolves a book by ISBN. found is false when the catalog has
// no such book.
type BookLookup interface {
	LookupISBN(ctx context.Context, isbn string) (ref BookRef, found bool, err error)
}

// JSONGetter performs a GET and decodes the JSON response into out.
// *httputil.Client satisfies it.
type JSONGetter interface {
	GetJSON(ctx context.Context, url string, out any) error
}

// BooksClient queries the Books Service list endpoint.
type BooksClient struct {
	client  JSONGetter
	baseURL string
}

func NewBooksClient(client JSONGetter, baseURL string) *BooksClient {
	return &BooksClient{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *BooksClient) LookupISBN(ctx context.Context, isbn string) (BookRef, bool, error) {
	var books []BookRef
	if err := c.client.GetJSON(ctx, c.baseURL+"/books?ISBN="+url.QueryEscape(isbn), &books); err != nil {
		return BookRef{}, false, fmt.Errorf("lookup ISBN %s: %w", isbn, err)
	}
	if len(books) == 0 {
		return BookRef{}, false, nil
	}
	return books[0], true, nil
}
