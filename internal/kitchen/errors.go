package kitchen

import (
	"fmt"
	"strings"

	"github.com/tavola-pos/tavola/internal/platform/httpx"
)

var (
	ErrUnknownBucket = fmt.Errorf("kitchen: unknown bucket: %w", httpx.ErrValidation)
	ErrUnknownStatus = fmt.Errorf("kitchen: unknown status: %w", httpx.ErrValidation)
	ErrInvalidItemID = fmt.Errorf("kitchen: invalid item id: %w", httpx.ErrValidation)
	ErrNoItems       = fmt.Errorf("kitchen: no items given: %w", httpx.ErrValidation)
)

// Rejection reasons.
const (
	ReasonNotFound          = "not_found"
	ReasonIllegalTransition = "illegal_transition"
)

// Rejection names one item that blocked a batch transition.
type Rejection struct {
	ItemID string `json:"item_id"`
	From   string `json:"from,omitempty"`
	Reason string `json:"reason"`
}

// TransitionError fails a whole batch. It maps to 409 with the rejected ids
// in the problem body.
type TransitionError struct {
	Target   string
	Rejected []Rejection
}

func (e *TransitionError) Error() string {
	ids := make([]string, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		ids = append(ids, r.ItemID)
	}
	return fmt.Sprintf("kitchen: cannot move %d item(s) to %s: %s", len(e.Rejected), e.Target, strings.Join(ids, ", "))
}

func (e *TransitionError) Unwrap() error { return httpx.ErrConflict }

// ProblemExtensions implements httpx.Extended.
func (e *TransitionError) ProblemExtensions() map[string]any {
	return map[string]any{"target": e.Target, "rejected": e.Rejected}
}
