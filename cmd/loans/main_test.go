package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bookshelf/internal/httputil"
	"github.com/dreamware/bookshelf/internal/logging"
	"github.com/dreamware/bookshelf/internal/storage"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "loans-1", cfg.Lending.ReplicaID)
	assert.Equal(t, 2, cfg.Lending.MaxLoansPerMember)
	assert.Empty(t, cfg.BooksURL)

	t.Setenv("LOANS_REPLICA_ID", "loans-2")
	t.Setenv("MAX_LOANS_PER_MEMBER", "5")
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "loans-2", cfg.Lending.ReplicaID)
	assert.Equal(t, 5, cfg.Lending.MaxLoansPerMember)

	t.Setenv("STORE_POOL_TIMEOUT", "forever")
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestHandlerWithBooksLookup(t *testing.T) {
	books := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, []map[string]string{{"id": "b1", "title": "Foo"}})
	}))
	defer books.Close()

	t.Setenv("LOANS_REPLICA_ID", "loans-9")
	t.Setenv("BOOKS_URL", books.URL)
	cfg, err := loadConfig()
	require.NoError(t, err)
	h := newHandler(cfg, storage.NewMemoryStore(), logging.Discard())

	req := httptest.NewRequest(http.MethodPost, "/loans", strings.NewReader(`{"memberName":"Ann","ISBN":"111","loanDate":"2024-01-15"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"title":"Foo"`)
	assert.Contains(t, rec.Body.String(), `"bookID":"b1"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Contains(t, rec.Body.String(), `"replica":"loans-9"`)
}
