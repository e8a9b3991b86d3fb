// Package lending implements the Loans Service. Replicas hold no state of
// their own: every loan lives in the shared document store, and an active
// loan reserves its ISBN through the store's unique key.
package lending

import (
	"strings"
	"time"

	"github.com/dreamware/bookshelf/internal/apperr"
)

// LoansCollection is the document store collection holding loans.
const LoansCollection = "loans"

const dateLayout = "2006-01-02"

// Loan records one book lent to one member.
type Loan struct {
	LoanID     string `json:"loanID"`
	MemberName string `json:"memberName"`
	ISBN       string `json:"ISBN"`
	BookID     string `json:"bookID"`
	Title      string `json:"title"`
	LoanDate   string `json:"loanDate"`
	ReturnDate string `json:"returnDate,omitempty"`
}

// Active reports whether the book has not been returned yet.
func (l Loan) Active() bool { return l.ReturnDate == "" }

// key is the unique store key: the ISBN while the loan is active, none after.
func (l Loan) key() string {
	if l.Active() {
		return l.ISBN
	}
	return ""
}

func (l Loan) field(name string) (string, bool) {
	switch name {
	case "loanID":
		return l.LoanID, true
	case "memberName":
		return l.MemberName, true
	case "ISBN":
		return l.ISBN, true
	case "bookID":
		return l.BookID, true
	case "title":
		return l.Title, true
	case "loanDate":
		return l.LoanDate, true
	case "returnDate":
		return l.ReturnDate, true
	}
	return "", false
}

// LoanInput is the client payload of POST /loans and PUT /loans/{id}.
type LoanInput struct {
	MemberName string `json:"memberName"`
	ISBN       string `json:"ISBN"`
	BookID     string `json:"bookID"`
	Title      string `json:"title"`
	LoanDate   string `json:"loanDate"`
	ReturnDate string `json:"returnDate"`
}

func (in *LoanInput) normalize() {
	for _, f := range []*string{&in.MemberName, &in.ISBN, &in.BookID, &in.Title, &in.LoanDate, &in.ReturnDate} {
		*f = strings.TrimSpace(*f)
	}
}

// Validate checks required fields and that both dates are real calendar
// days with returnDate not before loanDate.
func (in LoanInput) Validate() error {
	switch {
	case in.MemberName == "":
		return apperr.Validation("memberName is required")
	case in.ISBN == "":
		return apperr.Validation("ISBN is required")
	case in.LoanDate == "":
		return apperr.Validation("loanDate is required")
	}
	loaned, err := time.Parse(dateLayout, in.LoanDate)
	if err != nil {
		return apperr.Validation("loanDate must be a valid yyyy-mm-dd date")
	}
	if in.ReturnDate == "" {
		return nil
	}
	returned, err := time.Parse(dateLayout, in.ReturnDate)
	if err != nil {
		return apperr.Validation("returnDate must be a valid yyyy-mm-dd date")
	}
	if returned.Before(loaned) {
		return apperr.Validation("returnDate precedes loanDate")
	}
	return nil
}

func (in LoanInput) toLoan(id string) Loan {
	return Loan{
		LoanID:     id,
		MemberName: in.MemberName,
		ISBN:       in.ISBN,
		BookID:     in.BookID,
		Title:      in.Title,
		LoanDate:   in.LoanDate,
		ReturnDate: in.ReturnDate,
	}
}
