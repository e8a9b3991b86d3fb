package catalog

import (
	"math"

	"github.com/dreamware/bookshelf/internal/apperr"
)

// Vote bounds.
const (
	MinVote = 1
	MaxVote = 5
)

// Rating aggregates the votes of one book. It shares the book's id.
type Rating struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Values  []int   `json:"values"`
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// newRating returns the empty rating created alongside a book.
func newRating(b Book) Rating {
	return Rating{ID: b.ID, Title: b.Title, Values: []int{}}
}

// Add appends v and recomputes the average.
func (r *Rating) Add(v int) {
	r.Values = append(r.Values, v)
	r.recompute()
}

func (r *Rating) recompute() {
	r.Count = len(r.Values)
	if r.Count == 0 {
		r.Average = 0
		return
	}
	sum := 0
	for _, v := range r.Values {
		sum += v
	}
	r.Average = float64(sum) / float64(r.Count)
}

// ValidateVote accepts integral values in [MinVote, MaxVote].
func ValidateVote(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, apperr.Validation("value must be a whole number between %d and %d", MinVote, MaxVote)
	}
	if v < MinVote || v > MaxVote {
		return 0, apperr.Validation("value must be between %d and %d", MinVote, MaxVote)
	}
	return int(v), nil
}

// RatingValueInput is the payload of POST /ratings/{id}/values.
type RatingValueInput struct {
	Value *float64 `json:"value"`
}

// RatingValueResult is returned after a vote is recorded.
type RatingValueResult struct {
	ID      string  `json:"id"`
	Average float64 `json:"average"`
}

// TopEntry is one row of the /top ranking.
type TopEntry struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Average float64 `json:"average"`
}
