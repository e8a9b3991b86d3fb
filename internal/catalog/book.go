// Package catalog implements the Books Service: book CRUD, rating
// aggregation and the /top ranking.
package catalog

import (
	"regexp"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/bookshelf/internal/apperr"
)

// Collection names in the document store.
const (
	BooksCollection   = "books"
	RatingsCollection = "ratings"
)

// Genres lists the accepted values of Book.Genre.
var Genres = []string{"Fiction", "Children", "Biography", "Science", "Science Fiction", "Fantasy", "Other"}

// Missing marks an enrichment field that could not be resolved.
const Missing = "missing"

var publishedDatePattern = regexp.MustCompile(`^\d{4}(-\d{2}-\d{2})?$`)

// Book is a catalog entry. ID and ISBN are unique across the collection.
type Book struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	ISBN          string `json:"ISBN"`
	Genre         string `json:"genre"`
	Authors       string `json:"authors,omitempty"`
	Publisher     string `json:"publisher,omitempty"`
	PublishedDate string `json:"publishedDate,omitempty"`
	Language      string `json:"language,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

// BookInput is the client payload of POST /books and PUT /books/{id}.
type BookInput struct {
	Title         string `json:"title"`
	ISBN          string `json:"ISBN"`
	Genre         string `json:"genre"`
	Authors       string `json:"authors"`
	Publisher     string `json:"publisher"`
	PublishedDate string `json:"publishedDate"`
	Language      string `json:"language"`
	Summary       string `json:"summary"`
}

// normalize trims surrounding whitespace from every field.
func (in *BookInput) normalize() {
	for _, f := range []*string{&in.Title, &in.ISBN, &in.Genre, &in.Authors,
		&in.Publisher, &in.PublishedDate, &in.Language, &in.Summary} {
		*f = strings.TrimSpace(*f)
	}
}

// Validate checks required fields and value domains.
func (in BookInput) Validate() error {
	switch {
	case in.Title == "":
		return apperr.Validation("title is required")
	case in.ISBN == "":
		return apperr.Validation("ISBN is required")
	case in.Genre == "":
		return apperr.Validation("genre is required")
	case !slices.Contains(Genres, in.Genre):
		return apperr.Validation("genre %q is not one of %s", in.Genre, strings.Join(Genres, ", "))
	case in.PublishedDate != "" && in.PublishedDate != Missing && !publishedDatePattern.MatchString(in.PublishedDate):
		return apperr.Validation("publishedDate must be yyyy or yyyy-mm-dd")
	}
	return nil
}

// toBook builds the stored record for id.
func (in BookInput) toBook(id string) Book {
	return Book{
		ID:            id,
		Title:         in.Title,
		ISBN:          in.ISBN,
		Genre:         in.Genre,
		Authors:       in.Authors,
		Publisher:     in.Publisher,
		PublishedDate: in.PublishedDate,
		Language:      in.Language,
		Summary:       in.Summary,
	}
}

// field returns the value of a filterable/sortable book field by JSON name.
func (b Book) field(name string) (string, bool) {
	switch name {
	case "id":
		return b.ID, true
	case "title":
		return b.Title, true
	case "ISBN":
		return b.ISBN, true
	case "genre":
		return b.Genre, true
	case "authors":
		return b.Authors, true
	case "publisher":
		return b.Publisher, true
	case "publishedDate":
		return b.PublishedDate, true
	case "language":
		return b.Language, true
	case "summary":
		return b.Summary, true
	}
	return "", false
}
