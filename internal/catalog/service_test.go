package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bookshelf/internal/apperr"
	"github.com/dreamware/bookshelf/internal/logging"
	"github.com/dreamware/bookshelf/internal/storage"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewService(store, nil, DefaultConfig(), logging.Discard()), store
}

func mustCreate(t *testing.T, svc *Service, title, isbn string) Book {
	t.Helper()
	b, err := svc.CreateBook(context.Background(), BookInput{Title: title, ISBN: isbn, Genre: "Fiction"})
	require.NoError(t, err)
	return b
}

func assertKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.From(err).Kind, "error: %v", err)
}

func TestCreateBook(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	book, err := svc.CreateBook(ctx, BookInput{Title: "  Foo ", ISBN: "111", Genre: "Fiction", Summary: "s"})
	require.NoError(t, err)
	assert.NotEmpty(t, book.ID)
	assert.Equal(t, "Foo", book.Title)

	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, book, got)

	rating, err := svc.GetRating(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, book.ID, rating.ID)
	assert.Equal(t, "Foo", rating.Title)
	assert.Empty(t, rating.Values)
	assert.Zero(t, rating.Average)
}

func TestCreateBookValidation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name string
		in   BookInput
	}{
		{name: "missing title", in: BookInput{ISBN: "1", Genre: "Fiction"}},
		{name: "blank title", in: BookInput{Title: "   ", ISBN: "1", Genre: "Fiction"}},
		{name: "missing ISBN", in: BookInput{Title: "Foo", Genre: "Fiction"}},
		{name: "missing genre", in: BookInput{Title: "Foo", ISBN: "1"}},
		{name: "unknown genre", in: BookInput{Title: "Foo", ISBN: "1", Genre: "Cookbook"}},
		{name: "bad published date", in: BookInput{Title: "Foo", ISBN: "1", Genre: "Fiction", PublishedDate: "May 2001"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateBook(context.Background(), tt.in)
			assertKind(t, err, apperr.KindValidation)
		})
	}

	books, err := svc.ListBooks(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestCreateBookDuplicateISBN(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	mustCreate(t, svc, "Foo", "111")
	_, err := svc.CreateBook(ctx, BookInput{Title: "Bar", ISBN: "111", Genre: "Science"})
	assertKind(t, err, apperr.KindConflict)

	books, err := svc.ListBooks(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, books, 1)

	st, err := store.Stats(ctx, RatingsCollection)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Documents)
}

func TestCreateBookConcurrentDuplicates(t *testing.T) {
	svc, _ := newTestService(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.CreateBook(context.Background(), BookInput{Title: fmt.Sprintf("T%d", i), ISBN: "dup", Genre: "Other"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assertKind(t, err, apperr.KindConflict)
	}
	assert.Equal(t, 1, created)
}

// ratingsFailStore fails every insert into the ratings collection.
type ratingsFailStore struct {
	storage.Store
}

func (s ratingsFailStore) Insert(ctx context.Context, collection string, doc storage.Document) error {
	if collection == RatingsCollection {
		return errors.New("ratings unavailable")
	}
	return s.Store.Insert(ctx, collection, doc)
}

func TestCreateBookRollsBackOnRatingFailure(t *testing.T) {
	mem := storage.NewMemoryStore()
	svc := NewService(ratingsFailStore{mem}, nil, DefaultConfig(), logging.Discard())
	ctx := context.Background()

	_, err := svc.CreateBook(ctx, BookInput{Title: "Foo", ISBN: "111", Genre: "Fiction"})
	assertKind(t, err, apperr.KindUnavailable)

	docs, err := mem.List(ctx, BooksCollection)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestGetBookNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetBook(context.Background(), "nope")
	assertKind(t, err, apperr.KindNotFound)
	assert.Contains(t, err.Error(), "nope")
}

func TestListBooks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateBook(ctx, BookInput{Title: "Charlie", ISBN: "3", Genre: "Fiction"})
	require.NoError(t, err)
	_, err = svc.CreateBook(ctx, BookInput{Title: "Alpha", ISBN: "1", Genre: "Science"})
	require.NoError(t, err)
	_, err = svc.CreateBook(ctx, BookInput{Title: "Bravo", ISBN: "2", Genre: "Fiction"})
	require.NoError(t, err)

	titles := func(books []Book) []string {
		out := make([]string, 0, len(books))
		for _, b := range books {
			out = append(out, b.Title)
		}
		return out
	}

	tests := []struct {
		name  string
		query url.Values
		want  []string
	}{
		{name: "insertion order", query: nil, want: []string{"Charlie", "Alpha", "Bravo"}},
		{name: "filter genre", query: url.Values{"genre": {"Fiction"}}, want: []string{"Charlie", "Bravo"}},
		{name: "filter ISBN", query: url.Values{"ISBN": {"1"}}, want: []string{"Alpha"}},
		{name: "filter no match", query: url.Values{"title": {"Zulu"}}, want: []string{}},
		{name: "sort ascending", query: url.Values{"sort": {"title"}}, want: []string{"Alpha", "Bravo", "Charlie"}},
		{name: "sort descending", query: url.Values{"sort": {"-title"}}, want: []string{"Charlie", "Bravo", "Alpha"}},
		{name: "filter and sort", query: url.Values{"genre": {"Fiction"}, "sort": {"title"}}, want: []string{"Bravo", "Charlie"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			books, err := svc.ListBooks(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, titles(books))
		})
	}

	t.Run("unknown filter", func(t *testing.T) {
		_, err := svc.ListBooks(ctx, url.Values{"color": {"red"}})
		assertKind(t, err, apperr.KindValidation)
	})
	t.Run("unknown sort field", func(t *testing.T) {
		_, err := svc.ListBooks(ctx, url.Values{"sort": {"-color"}})
		assertKind(t, err, apperr.KindValidation)
	})
}

func TestReplaceBook(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	book := mustCreate(t, svc, "Foo", "111")
	mustCreate(t, svc, "Other", "222")

	updated, err := svc.ReplaceBook(ctx, book.ID, BookInput{Title: "Foo 2", ISBN: "333", Genre: "Fantasy"})
	require.NoError(t, err)
	assert.Equal(t, book.ID, updated.ID)
	assert.Equal(t, "Foo 2", updated.Title)

	rating, err := svc.GetRating(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "Foo 2", rating.Title)

	// the old ISBN is free again
	mustCreate(t, svc, "Reuse", "111")

	t.Run("ISBN taken by another book", func(t *testing.T) {
		_, err := svc.ReplaceBook(ctx, book.ID, BookInput{Title: "Foo", ISBN: "222", Genre: "Fiction"})
		assertKind(t, err, apperr.KindConflict)
	})

	t.Run("unknown id creates nothing", func(t *testing.T) {
		_, err := svc.ReplaceBook(ctx, "missing", BookInput{Title: "X", ISBN: "999", Genre: "Fiction"})
		assertKind(t, err, apperr.KindNotFound)

		_, err = svc.GetBook(ctx, "missing")
		assertKind(t, err, apperr.KindNotFound)
	})

	t.Run("invalid payload", func(t *testing.T) {
		_, err := svc.ReplaceBook(ctx, book.ID, BookInput{Title: "X"})
		assertKind(t, err, apperr.KindValidation)
	})
}

func TestDeleteBook(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	book := mustCreate(t, svc, "Foo", "111")
	require.NoError(t, svc.DeleteBook(ctx, book.ID))

	_, err := svc.GetBook(ctx, book.ID)
	assertKind(t, err, apperr.KindNotFound)
	_, err = svc.GetRating(ctx, book.ID)
	assertKind(t, err, apperr.KindNotFound)

	assertKind(t, svc.DeleteBook(ctx, book.ID), apperr.KindNotFound)

	// ISBN can be reused after delete
	mustCreate(t, svc, "Foo again", "111")
}

// deleteFailStore fails every delete in one collection.
type deleteFailStore struct {
	storage.Store
	collection string
}

func (s deleteFailStore) Delete(ctx context.Context, collection, id string) error {
	if collection == s.collection {
		return errors.New("store unavailable")
	}
	return s.Store.Delete(ctx, collection, id)
}

func TestDeleteBookPartialFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("rating delete fails", func(t *testing.T) {
		mem := storage.NewMemoryStore()
		book := mustCreate(t, NewService(mem, nil, DefaultConfig(), logging.Discard()), "Foo", "111")

		svc := NewService(deleteFailStore{Store: mem, collection: RatingsCollection}, nil, DefaultConfig(), logging.Discard())
		assertKind(t, svc.DeleteBook(ctx, book.ID), apperr.KindUnavailable)

		_, err := svc.GetBook(ctx, book.ID)
		assert.NoError(t, err, "book untouched")
		_, err = svc.GetRating(ctx, book.ID)
		assert.NoError(t, err, "rating untouched")
	})

	t.Run("book delete fails", func(t *testing.T) {
		mem := storage.NewMemoryStore()
		healthy := NewService(mem, nil, DefaultConfig(), logging.Discard())
		book := mustCreate(t, healthy, "Foo", "111")

		svc := NewService(deleteFailStore{Store: mem, collection: BooksCollection}, nil, DefaultConfig(), logging.Discard())
		assertKind(t, svc.DeleteBook(ctx, book.ID), apperr.KindUnavailable)

		// retrying once the store recovers finishes the job
		require.NoError(t, healthy.DeleteBook(ctx, book.ID))
		ratings, err := mem.List(ctx, RatingsCollection)
		require.NoError(t, err)
		assert.Empty(t, ratings, "no orphan rating")
		books, err := mem.List(ctx, BooksCollection)
		require.NoError(t, err)
		assert.Empty(t, books)
	})
}

func TestAddRating(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	book := mustCreate(t, svc, "Foo", "111")

	for _, v := range []float64{3, 5, 4} {
		_, err := svc.AddRating(ctx, book.ID, v)
		require.NoError(t, err)
	}
	r, err := svc.GetRating(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5, 4}, r.Values)
	assert.Equal(t, 4.0, r.Average)
	assert.Equal(t, 3, r.Count)

	r, err = svc.AddRating(ctx, book.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.5, r.Average)
}

func TestAddRatingValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	book := mustCreate(t, svc, "Foo", "111")

	for _, v := range []float64{0, 6, -1, 2.5} {
		_, err := svc.AddRating(ctx, book.ID, v)
		assertKind(t, err, apperr.KindValidation)
	}

	r, err := svc.GetRating(ctx, book.ID)
	require.NoError(t, err)
	assert.Empty(t, r.Values)

	t.Run("validation precedes lookup", func(t *testing.T) {
		_, err := svc.AddRating(ctx, "missing", 9)
		assertKind(t, err, apperr.KindValidation)
	})
	t.Run("unknown id", func(t *testing.T) {
		_, err := svc.AddRating(ctx, "missing", 3)
		assertKind(t, err, apperr.KindNotFound)
	})
}

func TestAddRatingConcurrent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	book := mustCreate(t, svc, "Foo", "111")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.AddRating(ctx, book.ID, float64(i%5+1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	r, err := svc.GetRating(ctx, book.ID)
	require.NoError(t, err)
	assert.Len(t, r.Values, n)
	assert.Equal(t, 3.0, r.Average)
}

func TestListRatings(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := mustCreate(t, svc, "A", "1")
	mustCreate(t, svc, "B", "2")

	all, err := svc.ListRatings(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := svc.ListRatings(ctx, url.Values{"id": {a.ID}})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "A", one[0].Title)

	_, err = svc.ListRatings(ctx, url.Values{"title": {"A"}})
	assertKind(t, err, apperr.KindValidation)
}

func TestTop(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	votes := map[string][]float64{
		"A": {3},
		"B": {5, 5},
		"C": {4},
		"D": {},
		"E": {4, 4},
		"F": {1},
	}
	ids := map[string]string{}
	for i, title := range []string{"A", "B", "C", "D", "E", "F"} {
		b := mustCreate(t, svc, title, fmt.Sprint(i))
		ids[title] = b.ID
		for _, v := range votes[title] {
			_, err := svc.AddRating(ctx, b.ID, v)
			require.NoError(t, err)
		}
	}

	titles := func(entries []TopEntry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Title)
		}
		return out
	}

	t.Run("default limit", func(t *testing.T) {
		top, err := svc.Top(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"B", "C", "E"}, titles(top))
		assert.Equal(t, ids["B"], top[0].ID)
		assert.Equal(t, 5.0, top[0].Average)
	})

	t.Run("unrated books excluded", func(t *testing.T) {
		top, err := svc.Top(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, []string{"B", "C", "E", "A", "F"}, titles(top))
	})

	t.Run("min votes", func(t *testing.T) {
		strict := NewService(svc.store, nil, Config{TopMinVotes: 2, TopDefaultLimit: 3}, logging.Discard())
		top, err := strict.Top(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"B", "E"}, titles(top))
	})

	t.Run("empty catalog", func(t *testing.T) {
		empty, _ := newTestService(t)
		top, err := empty.Top(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, top)
	})
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "1", want: 1},
		{raw: "100", want: 100},
		{raw: "0", wantErr: true},
		{raw: "101", wantErr: true},
		{raw: "-3", wantErr: true},
		{raw: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseLimit(tt.raw)
			if tt.wantErr {
				assertKind(t, err, apperr.KindValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type stubEnricher struct {
	details Details
	err     error
}

func (s stubEnricher) Enrich(context.Context, string) (Details, error) {
	return s.details, s.err
}

type countingEnricher struct {
	calls atomic.Int32
}

func (c *countingEnricher) Enrich(context.Context, string) (Details, error) {
	c.calls.Add(1)
	return Details{}, nil
}

func TestCreateBookEnrichment(t *testing.T) {
	ctx := context.Background()

	t.Run("fills empty fields only", func(t *testing.T) {
		svc := NewService(storage.NewMemoryStore(), stubEnricher{details: Details{
			Authors: "Ann and Bob", Publisher: "Pub", PublishedDate: "2001", Language: "eng",
		}}, DefaultConfig(), logging.Discard())

		b, err := svc.CreateBook(ctx, BookInput{Title: "Foo", ISBN: "1", Genre: "Fiction", Publisher: "Mine"})
		require.NoError(t, err)
		assert.Equal(t, "Ann and Bob", b.Authors)
		assert.Equal(t, "Mine", b.Publisher)
		assert.Equal(t, "2001", b.PublishedDate)
		assert.Equal(t, "eng", b.Language)
	})

	t.Run("unresolved fields are marked missing", func(t *testing.T) {
		svc := NewService(storage.NewMemoryStore(), stubEnricher{details: Details{Authors: "Ann"}}, DefaultConfig(), logging.Discard())

		b, err := svc.CreateBook(ctx, BookInput{Title: "Foo", ISBN: "1", Genre: "Fiction"})
		require.NoError(t, err)
		assert.Equal(t, "Ann", b.Authors)
		assert.Equal(t, Missing, b.Publisher)
		assert.Equal(t, Missing, b.PublishedDate)
		assert.Equal(t, Missing, b.Language)
	})

	t.Run("duplicate ISBN skips the lookup", func(t *testing.T) {
		lookups := &countingEnricher{}
		svc := NewService(storage.NewMemoryStore(), lookups, DefaultConfig(), logging.Discard())

		_, err := svc.CreateBook(ctx, BookInput{Title: "Foo", ISBN: "1", Genre: "Fiction"})
		require.NoError(t, err)
		_, err = svc.CreateBook(ctx, BookInput{Title: "Bar", ISBN: "1", Genre: "Fiction"})
		assertKind(t, err, apperr.KindConflict)
		assert.Equal(t, int32(1), lookups.calls.Load())
	})

	t.Run("lookup failure never rejects the book", func(t *testing.T) {
		svc := NewService(storage.NewMemoryStore(), stubEnricher{err: errors.New("timeout")}, DefaultConfig(), logging.Discard())

		b, err := svc.CreateBook(ctx, BookInput{Title: "Foo", ISBN: "1", Genre: "Fiction"})
		require.NoError(t, err)
		assert.Equal(t, Missing, b.Authors)
		assert.Equal(t, Missing, b.Language)
	})
}
