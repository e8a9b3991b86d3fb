package catalog

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/bookshelf/internal/apperr"
	"github.com/dreamware/bookshelf/internal/httputil"
)

// Handler exposes a Service over HTTP.
type Handler struct {
	svc *Service
	log *logrus.Entry
}

func NewHandler(svc *Service, log *logrus.Entry) *Handler {
	return &Handler{svc: svc, log: log}
}

// Register mounts the books, ratings and top routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/books", h.listBooks).Methods(http.MethodGet)
	r.HandleFunc("/books", h.createBook).Methods(http.MethodPost)
	r.HandleFunc("/books/{id}", h.getBook).Methods(http.MethodGet)
	r.HandleFunc("/books/{id}", h.replaceBook).Methods(http.MethodPut)
	r.HandleFunc("/books/{id}", h.deleteBook).Methods(http.MethodDelete)

	r.HandleFunc("/ratings", h.listRatings).Methods(http.MethodGet)
	r.HandleFunc("/ratings/{id}", h.getRating).Methods(http.MethodGet)
	r.HandleFunc("/ratings/{id}/values", h.addRating).Methods(http.MethodPost)

	r.HandleFunc("/top", h.top).Methods(http.MethodGet)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, r, h.log, err)
}

func (h *Handler) listBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.svc.ListBooks(r.Context(), r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, books)
}

func (h *Handler) createBook(w http.ResponseWriter, r *http.Request) {
	var in BookInput
	if err := httputil.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	book, err := h.svc.CreateBook(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/books/"+book.ID)
	httputil.WriteJSON(w, http.StatusCreated, book)
}

func (h *Handler) getBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.svc.GetBook(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) replaceBook(w http.ResponseWriter, r *http.Request) {
	var in BookInput
	if err := httputil.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	book, err := h.svc.ReplaceBook(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) deleteBook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.svc.DeleteBook(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handler) listRatings(w http.ResponseWriter, r *http.Request) {
	ratings, err := h.svc.ListRatings(r.Context(), r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ratings)
}

func (h *Handler) getRating(w http.ResponseWriter, r *http.Request) {
	rating, err := h.svc.GetRating(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rating)
}

func (h *Handler) addRating(w http.ResponseWriter, r *http.Request) {
	var in RatingValueInput
	if err := httputil.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	if in.Value == nil {
		h.fail(w, r, apperr.Validation("value is required"))
		return
	}
	rating, err := h.svc.AddRating(r.Context(), mux.Vars(r)["id"], *in.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, RatingValueResult{ID: rating.ID, Average: rating.Average})
}

func (h *Handler) top(w http.ResponseWriter, r *http.Request) {
	limit, err := ParseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	top, err := h.svc.Top(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, top)
}
