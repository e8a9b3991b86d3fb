package lending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/bookshelf/internal/apperr"
	"github.com/dreamware/bookshelf/internal/logging"
	"github.com/dreamware/bookshelf/internal/storage"
)

// DefaultMaxLoansPerMember is the active-loan allowance of one member.
const DefaultMaxLoansPerMember = 2

// Config holds the per-replica settings.
type Config struct {
	ReplicaID         string
	MaxLoansPerMember int
}

type Service struct {
	store storage.Store
	books BookLookup // nil disables the catalog lookup
	cfg   Config
	log   *logrus.Entry
}

func NewService(store storage.Store, books BookLookup, cfg Config, log *logrus.Entry) *Service {
	if cfg.MaxLoansPerMember < 1 {
		cfg.MaxLoansPerMember = DefaultMaxLoansPerMember
	}
	return &Service{store: store, books: books, cfg: cfg, log: log}
}

func storeError(err error, id, isbn string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("Id %s is not a recognized id", id)
	case errors.Is(err, storage.ErrDuplicateKey):
		return apperr.Conflict("ISBN %s is already on loan", isbn)
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

func decodeLoan(doc storage.Document) (Loan, error) {
	var l Loan
	if err := json.Unmarshal(doc.Data, &l); err != nil {
		return Loan{}, apperr.Internal("corrupt loan document", fmt.Errorf("%s: %w", doc.ID, err))
	}
	return l, nil
}

func encodeLoan(l Loan) storage.Document {
	data, _ := json.Marshal(l)
	return storage.Document{ID: l.LoanID, Key: l.key(), Data: data}
}

// resolveBook fills title and bookID from the catalog when the client left
// them empty. Lookup failures are logged and otherwise ignored.
func (s *Service) resolveBook(ctx context.Context, in *LoanInput) {
	if s.books == nil || (in.Title != "" && in.BookID != "") {
		return
	}
	ref, found, err := s.books.LookupISBN(ctx, in.ISBN)
	if err != nil {
		logging.FromContext(ctx, s.log).WithError(err).WithField("isbn", in.ISBN).Warn("book lookup failed")
		return
	}
	if !found {
		return
	}
	if in.Title == "" {
		in.Title = ref.Title
	}
	if in.BookID == "" {
		in.BookID = ref.ID
	}
}

// activeLoans counts the member's open loans, skipping the loan excludeID.
func (s *Service) activeLoans(ctx context.Context, member, excludeID string) (int, error) {
	docs, err := s.store.List(ctx, LoansCollection)
	if err != nil {
		return 0, storeError(err, "", "")
	}
	n := 0
	for _, doc := range docs {
		if doc.ID == excludeID {
			continue
		}
		l, err := decodeLoan(doc)
		if err != nil {
			return 0, err
		}
		if l.MemberName == member && l.Active() {
			n++
		}
	}
	return n, nil
}

func (s *Service) checkAllowance(ctx context.Context, member, excludeID string) error {
	n, err := s.activeLoans(ctx, member, excludeID)
	if err != nil {
		return err
	}
	if n >= s.cfg.MaxLoansPerMember {
		return apperr.Conflict("Member %s has %d loaned books and cannot loan another one", member, n)
	}
	return nil
}

// CreateLoan validates in and records a new loan. The book must not be on
// another active loan and the member must be within the allowance.
func (s *Service) CreateLoan(ctx context.Context, in LoanInput) (Loan, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return Loan{}, err
	}
	s.resolveBook(ctx, &in)

	loan := in.toLoan(uuid.NewString())
	if loan.Active() {
		if err := s.checkAllowance(ctx, loan.MemberName, ""); err != nil {
			return Loan{}, err
		}
	}
	if err := s.store.Insert(ctx, LoansCollection, encodeLoan(loan)); err != nil {
		return Loan{}, storeError(err, loan.LoanID, loan.ISBN)
	}

	logging.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"loan_id": loan.LoanID,
		"member":  loan.MemberName,
		"isbn":    loan.ISBN,
	}).Info("loan created")
	return loan, nil
}

func (s *Service) GetLoan(ctx context.Context, id string) (Loan, error) {
	doc, err := s.store.Get(ctx, LoansCollection, id)
	if err != nil {
		return Loan{}, storeError(err, id, "")
	}
	return decodeLoan(doc)
}

// ListLoans returns the loans whose fields equal every query parameter.
func (s *Service) ListLoans(ctx context.Context, query url.Values) ([]Loan, error) {
	filters := map[string]string{}
	for key, values := range query {
		if _, ok := (Loan{}).field(key); !ok {
			return nil, apperr.Validation("unknown query field %q", key)
		}
		filters[key] = values[0]
	}

	docs, err := s.store.List(ctx, LoansCollection)
	if err != nil {
		return nil, storeError(err, "", "")
	}
	loans := make([]Loan, 0, len(docs))
	for _, doc := range docs {
		l, err := decodeLoan(doc)
		if err != nil {
			return nil, err
		}
		if matches(l, filters) {
			loans = append(loans, l)
		}
	}
	return loans, nil
}

func matches(l Loan, filters map[string]string) bool {
	for k, want := range filters {
		if got, _ := l.field(k); got != want {
			return false
		}
	}
	return true
}

// ReplaceLoan overwrites an existing loan. Setting returnDate closes the
// loan and frees its ISBN; clearing it reopens the loan, subject to the
// same checks as CreateLoan.
func (s *Service) ReplaceLoan(ctx context.Context, id string, in LoanInput) (Loan, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return Loan{}, err
	}
	s.resolveBook(ctx, &in)

	cur, err := s.GetLoan(ctx, id)
	if err != nil {
		return Loan{}, err
	}
	loan := in.toLoan(id)
	if loan.Active() && (!cur.Active() || cur.MemberName != loan.MemberName) {
		if err := s.checkAllowance(ctx, loan.MemberName, id); err != nil {
			return Loan{}, err
		}
	}
	if err := s.store.Replace(ctx, LoansCollection, encodeLoan(loan)); err != nil {
		return Loan{}, storeError(err, id, loan.ISBN)
	}

	if cur.Active() && !loan.Active() {
		logging.FromContext(ctx, s.log).WithFields(logrus.Fields{"loan_id": id, "isbn": loan.ISBN}).Info("loan returned")
	}
	return loan, nil
}

func (s *Service) DeleteLoan(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, LoansCollection, id); err != nil {
		return storeError(err, id, "")
	}
	logging.FromContext(ctx, s.log).WithField("loan_id", id).Info("loan deleted")
	return nil
}

// Health reports the replica identity and loan count.
func (s *Service) Health(ctx context.Context) map[string]any {
	out := map[string]any{"replica": s.cfg.ReplicaID}
	if st, err := s.store.Stats(ctx, LoansCollection); err == nil {
		out[LoansCollection] = st.Documents
	}
	return out
}
