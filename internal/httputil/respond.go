// Package httputil holds the JSON response helpers, middleware and the
// outbound HTTP client shared by the bookshelf processes.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/bookshelf/internal/apperr"
	"github.com/dreamware/bookshelf/internal/logging"
)

// maxBodyBytes caps request bodies read by DecodeJSON.
const maxBodyBytes = 1 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError classifies err and writes it as an ErrorBody. Server-side
// failures are logged with their cause; the client only sees the message.
func WriteError(w http.ResponseWriter, r *http.Request, log *logrus.Entry, err error) {
	e := apperr.From(err)
	status := e.Status()
	if status >= 500 && log != nil {
		logging.FromContext(r.Context(), log).WithError(err).
			WithField("path", r.URL.Path).Error("request error")
	}
	WriteJSON(w, status, ErrorBody{Error: e.Message, Code: string(e.Kind)})
}

// DecodeJSON requires a JSON content type and decodes the body into v.
func DecodeJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || mt != "application/json" {
		return apperr.UnsupportedMedia("%s expects content type application/json", r.Method)
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("malformed JSON body: %v", err)
	}
	return nil
}

// Timeout bounds every request context by d.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recover turns a handler panic into a 500 response.
func Recover(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logging.FromContext(r.Context(), log).WithField("panic", p).Error("handler panicked")
					WriteJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal error", Code: string(apperr.KindInternal)})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NotFoundHandler answers unmatched routes with a JSON 404.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusNotFound, ErrorBody{Error: "no route for " + r.URL.Path, Code: string(apperr.KindNotFound)})
	})
}

// MethodNotAllowedHandler answers wrong-verb requests with a JSON 405.
func MethodNotAllowedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e := apperr.MethodNotAllowed(r.Method, r.URL.Path)
		WriteJSON(w, e.Status(), ErrorBody{Error: e.Message, Code: string(e.Kind)})
	})
}

// Health returns a handler reporting ok when ping succeeds. extra, when
// non-nil, adds fields to the body.
func Health(ping func(ctx context.Context) error, extra func(ctx context.Context) map[string]any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if err := ping(r.Context()); err != nil {
			body["status"] = "unavailable"
			body["error"] = err.Error()
			WriteJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		if extra != nil {
			for k, v := range extra(r.Context()) {
				body[k] = v
			}
		}
		WriteJSON(w, http.StatusOK, body)
	})
}
