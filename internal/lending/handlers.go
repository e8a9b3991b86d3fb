package lending

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/bookshelf/internal/httputil"
)

// Handler exposes the loan operations over HTTP.
type Handler struct {
	svc *Service
	log *logrus.Entry
}

func NewHandler(svc *Service, log *logrus.Entry) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/loans", h.list).Methods(http.MethodGet)
	r.HandleFunc("/loans", h.create).Methods(http.MethodPost)
	r.HandleFunc("/loans/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/loans/{id}", h.replace).Methods(http.MethodPut)
	r.HandleFunc("/loans/{id}", h.delete).Methods(http.MethodDelete)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	loans, err := h.svc.ListLoans(r.Context(), r.URL.Query())
	if err != nil {
		httputil.WriteError(w, r, h.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loans)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in LoanInput
	if err := httputil.DecodeJSON(r, &in); err != nil {
		httputil.WriteError(w, r, h.log, err)
		return
	}
	loan, err := h.svc.CreateLoan(r.Context(), in)
	if err != nil {
		httputil.WriteError(w, r, h.log, err)
		return
	}
	w.Header().Set("Location", "/loans/"+loan.LoanID)
	httputil.WriteJSON(w, http.StatusCreated, loan)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	loan, err := h.svc.GetLoan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, h.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) replace(w http.ResponseWriter, r *http.Request) {
	var in LoanInput
	if err := httputil.DecodeJSON(r, &in); err != nil {
		httputil.WriteError(w, r, h.log, err)
		return
	}
	loan, err := h.svc.ReplaceLoan(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		httputil.WriteError(w, r, h.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.svc.DeleteLoan(r.Context(), id); err != nil {
		httputil.WriteError(w, r, h.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"loanID": id})
}
