package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bookshelf/internal/httputil"
)

func TestParseGoogleBooks(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Details
	}{
		{
			name: "full volume",
			body: `{"items":[{"volumeInfo":{"authors":["Ann","Bob"],"publisher":"Pub","publishedDate":"2001-05-04"}}]}`,
			want: Details{Authors: "Ann and Bob", Publisher: "Pub", PublishedDate: "2001-05-04"},
		},
		{
			name: "year only",
			body: `{"items":[{"volumeInfo":{"authors":["Ann"],"publishedDate":"1999"}}]}`,
			want: Details{Authors: "Ann", PublishedDate: "1999"},
		},
		{
			name: "unparseable date dropped",
			body: `{"items":[{"volumeInfo":{"publishedDate":"1999-05"}}]}`,
			want: Details{},
		},
		{name: "no items", body: `{"totalItems":0}`, want: Details{}},
		{name: "not json", body: `<html>`, want: Details{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseGoogleBooks([]byte(tt.body)))
		})
	}
}

func TestParseOpenLibrary(t *testing.T) {
	assert.Equal(t, "eng, fre", parseOpenLibrary([]byte(`{"docs":[{"language":["eng","fre"]}]}`)))
	assert.Equal(t, "", parseOpenLibrary([]byte(`{"docs":[]}`)))
}

func TestLookupEnricher(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		switch r.URL.Path {
		case "/volumes":
			_, _ = w.Write([]byte(`{"items":[{"volumeInfo":{"authors":["Ann"],"publisher":"Pub","publishedDate":"2001"}}]}`))
		case "/search.json":
			_, _ = w.Write([]byte(`{"docs":[{"language":["eng"]}]}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client := httputil.NewClient(time.Second)

	t.Run("both sources", func(t *testing.T) {
		queries = nil
		e := NewLookupEnricher(client, srv.URL+"/volumes", srv.URL+"/search.json")
		d, err := e.Enrich(context.Background(), "111")
		require.NoError(t, err)
		assert.Equal(t, Details{Authors: "Ann", Publisher: "Pub", PublishedDate: "2001", Language: "eng"}, d)
		assert.Equal(t, []string{"q=isbn%3A111", "q=111&fields=language"}, queries)
	})

	t.Run("upstream failure", func(t *testing.T) {
		e := NewLookupEnricher(client, srv.URL+"/broken", "")
		_, err := e.Enrich(context.Background(), "111")
		require.Error(t, err)
	})
}
