package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindValidation, http.StatusUnprocessableEntity},
		{KindUnsupportedMedia, http.StatusUnsupportedMediaType},
		{KindMethodNotAllowed, http.StatusMethodNotAllowed},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindBadGateway, http.StatusBadGateway},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
		{Kind("bogus"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.kind))
		})
	}
}

func TestWrappedErrorKeepsKind(t *testing.T) {
	err := fmt.Errorf("loading book: %w", NotFound("book %s not found", "abc"))

	assert.Equal(t, KindNotFound, From(err).Kind)
	assert.Equal(t, "loading book: book abc not found", err.Error())
}

func TestFrom(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, From(nil))
	})

	t.Run("classified error is unwrapped", func(t *testing.T) {
		wrapped := fmt.Errorf("ctx: %w", Conflict("dup"))
		got := From(wrapped)
		assert.Equal(t, KindConflict, got.Kind)
		assert.Equal(t, http.StatusConflict, got.Status())
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		cause := errors.New("boom")
		got := From(cause)
		assert.Equal(t, KindInternal, got.Kind)
		assert.ErrorIs(t, got, cause)
	})
}

func TestUnavailableKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Unavailable("store unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindUnavailable, From(err).Kind)
	assert.Contains(t, err.Error(), "refused")
}
