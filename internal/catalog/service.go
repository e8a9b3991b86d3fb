package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/bookshelf/internal/apperr"
	"github.com/dreamware/bookshelf/internal/logging"
	"github.com/dreamware/bookshelf/internal/storage"
)

// MaxTopLimit caps the limit parameter of Top.
const MaxTopLimit = 100

// Config tunes the ranking policy.
type Config struct {
	// TopMinVotes excludes books with fewer votes from Top. Values below 1
	// are raised to 1: unrated books are never ranked.
	TopMinVotes int
	// TopDefaultLimit is used when the caller gives no limit.
	TopDefaultLimit int
}

// DefaultConfig ranks every rated book and returns three by default.
func DefaultConfig() Config {
	return Config{TopMinVotes: 1, TopDefaultLimit: 3}
}

// Service holds the Books Service operations. The store handle is the only
// state; every method is safe for concurrent use.
type Service struct {
	store    storage.Store
	enricher Enricher
	cfg      Config
	log      *logrus.Entry
}

// NewService wires a Service. enricher may be nil to disable lookups.
func NewService(store storage.Store, enricher Enricher, cfg Config, log *logrus.Entry) *Service {
	if cfg.TopMinVotes < 1 {
		cfg.TopMinVotes = 1
	}
	if cfg.TopDefaultLimit < 1 {
		cfg.TopDefaultLimit = DefaultConfig().TopDefaultLimit
	}
	return &Service{store: store, enricher: enricher, cfg: cfg, log: log}
}

// storeError maps storage sentinels onto the service taxonomy.
func storeError(err error, what, id string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("Id %s is not a recognized id", id)
	case errors.Is(err, storage.ErrDuplicateKey):
		return apperr.Conflict("%s already exists", what)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Unavailable("document store timed out", err)
	default:
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return ae
		}
		return apperr.Unavailable("document store unavailable", err)
	}
}

func decodeBook(doc storage.Document) (Book, error) {
	var b Book
	if err := json.Unmarshal(doc.Data, &b); err != nil {
		return Book{}, apperr.Internal("corrupt book document", fmt.Errorf("%s: %w", doc.ID, err))
	}
	return b, nil
}

func decodeRating(doc storage.Document) (Rating, error) {
	var r Rating
	if err := json.Unmarshal(doc.Data, &r); err != nil {
		return Rating{}, apperr.Internal("corrupt rating document", fmt.Errorf("%s: %w", doc.ID, err))
	}
	if r.Values == nil {
		r.Values = []int{}
	}
	return r, nil
}

func encode(v any) []byte {
	// Book and Rating contain only strings and numbers; Marshal cannot fail.
	data, _ := json.Marshal(v)
	return data
}

// CreateBook validates in, assigns an id and stores the book together with
// its empty rating record.
func (s *Service) CreateBook(ctx context.Context, in BookInput) (Book, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return Book{}, err
	}

	if s.enricher != nil {
		// skip the outbound lookups for an ISBN already on file; Insert
		// still decides races
		taken, err := s.isbnTaken(ctx, in.ISBN)
		if err != nil {
			return Book{}, err
		}
		if taken {
			return Book{}, apperr.Conflict("book with ISBN %s already exists", in.ISBN)
		}
		s.enrich(ctx, &in)
	}

	book := in.toBook(uuid.NewString())
	doc := storage.Document{ID: book.ID, Key: book.ISBN, Data: encode(book)}
	if err := s.store.Insert(ctx, BooksCollection, doc); err != nil {
		return Book{}, storeError(err, fmt.Sprintf("book with ISBN %s", book.ISBN), book.ID)
	}

	rating := newRating(book)
	if err := s.store.Insert(ctx, RatingsCollection, storage.Document{ID: book.ID, Data: encode(rating)}); err != nil {
		// undo the book so ISBN and rating stay in step
		if delErr := s.store.Delete(context.WithoutCancel(ctx), BooksCollection, book.ID); delErr != nil {
			logging.FromContext(ctx, s.log).WithError(delErr).WithField("book_id", book.ID).
				Error("failed to roll back book after rating insert failure")
		}
		return Book{}, storeError(err, "rating", book.ID)
	}

	logging.FromContext(ctx, s.log).WithFields(logrus.Fields{"book_id": book.ID, "isbn": book.ISBN}).Info("book created")
	return book, nil
}

func (s *Service) isbnTaken(ctx context.Context, isbn string) (bool, error) {
	docs, err := s.store.List(ctx, BooksCollection)
	if err != nil {
		return false, storeError(err, "books", "")
	}
	for _, doc := range docs {
		if doc.Key == isbn {
			return true, nil
		}
	}
	return false, nil
}

// enrich fills empty optional fields from the external lookup. Failure is
// logged and the fields are marked Missing.
func (s *Service) enrich(ctx context.Context, in *BookInput) {
	d, err := s.enricher.Enrich(ctx, in.ISBN)
	if err != nil {
		logging.FromContext(ctx, s.log).WithError(err).WithField("isbn", in.ISBN).Warn("book enrichment failed")
		d = Details{Authors: Missing, Publisher: Missing, PublishedDate: Missing, Language: Missing}
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			if v == "" {
				v = Missing
			}
			*dst = v
		}
	}
	fill(&in.Authors, d.Authors)
	fill(&in.Publisher, d.Publisher)
	fill(&in.PublishedDate, d.PublishedDate)
	fill(&in.Language, d.Language)
}

// GetBook returns one book.
func (s *Service) GetBook(ctx context.Context, id string) (Book, error) {
	doc, err := s.store.Get(ctx, BooksCollection, id)
	if err != nil {
		return Book{}, storeError(err, "book", id)
	}
	return decodeBook(doc)
}

// ListBooks returns the books matching query in insertion order.
// Every parameter except sort is an exact-match filter on a book field;
// sort names a field, prefixed with '-' for descending order.
func (s *Service) ListBooks(ctx context.Context, query url.Values) ([]Book, error) {
	var sortField string
	var desc bool
	filters := map[string]string{}
	for key, values := range query {
		if key == "sort" {
			sortField = values[0]
			if strings.HasPrefix(sortField, "-") {
				desc = true
				sortField = sortField[1:]
			}
			if _, ok := (Book{}).field(sortField); !ok {
				return nil, apperr.Validation("cannot sort by %q", sortField)
			}
			continue
		}
		if _, ok := (Book{}).field(key); !ok {
			return nil, apperr.Validation("unknown query field %q", key)
		}
		filters[key] = values[0]
	}

	docs, err := s.store.List(ctx, BooksCollection)
	if err != nil {
		return nil, storeError(err, "books", "")
	}

	books := make([]Book, 0, len(docs))
	for _, doc := range docs {
		b, err := decodeBook(doc)
		if err != nil {
			return nil, err
		}
		if matches(b, filters) {
			books = append(books, b)
		}
	}

	if sortField != "" {
		sort.SliceStable(books, func(i, j int) bool {
			a, _ := books[i].field(sortField)
			b, _ := books[j].field(sortField)
			if desc {
				return a > b
			}
			return a < b
		})
	}
	return books, nil
}

func matches(b Book, filters map[string]string) bool {
	for k, want := range filters {
		if got, _ := b.field(k); got != want {
			return false
		}
	}
	return true
}

// ReplaceBook overwrites every mutable field of an existing book.
func (s *Service) ReplaceBook(ctx context.Context, id string, in BookInput) (Book, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return Book{}, err
	}

	book := in.toBook(id)
	doc := storage.Document{ID: id, Key: book.ISBN, Data: encode(book)}
	if err := s.store.Replace(ctx, BooksCollection, doc); err != nil {
		return Book{}, storeError(err, fmt.Sprintf("book with ISBN %s", book.ISBN), id)
	}

	// keep the rating's title in step; a missing rating is not an error
	_, err := s.store.Update(ctx, RatingsCollection, id, func(cur storage.Document) (storage.Document, error) {
		r, err := decodeRating(cur)
		if err != nil {
			return storage.Document{}, err
		}
		r.Title = book.Title
		cur.Data = encode(r)
		return cur, nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logging.FromContext(ctx, s.log).WithError(err).WithField("book_id", id).Warn("failed to update rating title")
	}
	return book, nil
}

// DeleteBook removes a book and its rating record. The rating goes first:
// a failure at either step leaves state that a repeated delete completes.
func (s *Service) DeleteBook(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, RatingsCollection, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storeError(err, "rating", id)
	}
	if err := s.store.Delete(ctx, BooksCollection, id); err != nil {
		return storeError(err, "book", id)
	}
	logging.FromContext(ctx, s.log).WithField("book_id", id).Info("book deleted")
	return nil
}

// ListRatings returns all rating records, optionally filtered by id.
func (s *Service) ListRatings(ctx context.Context, query url.Values) ([]Rating, error) {
	for key := range query {
		if key != "id" {
			return nil, apperr.Validation("unknown query field %q", key)
		}
	}
	docs, err := s.store.List(ctx, RatingsCollection)
	if err != nil {
		return nil, storeError(err, "ratings", "")
	}
	wantID := query.Get("id")
	ratings := make([]Rating, 0, len(docs))
	for _, doc := range docs {
		if wantID != "" && doc.ID != wantID {
			continue
		}
		r, err := decodeRating(doc)
		if err != nil {
			return nil, err
		}
		ratings = append(ratings, r)
	}
	return ratings, nil
}

// GetRating returns the rating record of one book.
func (s *Service) GetRating(ctx context.Context, id string) (Rating, error) {
	doc, err := s.store.Get(ctx, RatingsCollection, id)
	if err != nil {
		return Rating{}, storeError(err, "rating", id)
	}
	return decodeRating(doc)
}

// AddRating records one vote. The append and the new average are written
// in a single atomic store update.
func (s *Service) AddRating(ctx context.Context, id string, value float64) (Rating, error) {
	vote, err := ValidateVote(value)
	if err != nil {
		return Rating{}, err
	}

	var out Rating
	_, err = s.store.Update(ctx, RatingsCollection, id, func(cur storage.Document) (storage.Document, error) {
		r, err := decodeRating(cur)
		if err != nil {
			return storage.Document{}, err
		}
		r.Add(vote)
		out = r
		cur.Data = encode(r)
		return cur, nil
	})
	if err != nil {
		return Rating{}, storeError(err, "rating", id)
	}
	return out, nil
}

// ParseLimit validates the limit query parameter of /top. An empty value
// yields 0, meaning the configured default.
func ParseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxTopLimit {
		return 0, apperr.Validation("limit must be an integer between 1 and %d", MaxTopLimit)
	}
	return n, nil
}

// Top ranks books by current average, highest first. Books with fewer than
// TopMinVotes votes are left out. Ties keep rating insertion order, which
// is the order the books were created in. limit <= 0 uses the default.
func (s *Service) Top(ctx context.Context, limit int) ([]TopEntry, error) {
	if limit <= 0 {
		limit = s.cfg.TopDefaultLimit
	}

	ratings, err := s.ListRatings(ctx, nil)
	if err != nil {
		return nil, err
	}

	ranked := make([]Rating, 0, len(ratings))
	for _, r := range ratings {
		if len(r.Values) >= s.cfg.TopMinVotes {
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Average > ranked[j].Average
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	top := make([]TopEntry, 0, len(ranked))
	for _, r := range ranked {
		top = append(top, TopEntry{ID: r.ID, Title: r.Title, Average: r.Average})
	}
	return top, nil
}

// Stats reports document counts for the health endpoint.
func (s *Service) Stats(ctx context.Context) map[string]any {
	out := map[string]any{}
	for _, c := range []string{BooksCollection, RatingsCollection} {
		if st, err := s.store.Stats(ctx, c); err == nil {
			out[c] = st.Documents
		}
	}
	return out
}
