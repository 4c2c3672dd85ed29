// Package status defines the order item lifecycle shared by the order
// aggregate, the kitchen API and the display clients.
package status

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a single order item.
type Status string

const (
	Pending   Status = "PENDING"
	Confirmed Status = "CONFIRMED"
	Preparing Status = "PREPARING"
	Ready     Status = "READY"
	Served    Status = "SERVED"
	Cancelled Status = "CANCELLED"
)

// All lists every status in lifecycle order.
var All = []Status{Pending, Confirmed, Preparing, Ready, Served, Cancelled}

var transitions = map[Status][]Status{
	Pending:   {Confirmed, Cancelled},
	Confirmed: {Preparing, Cancelled},
	Preparing: {Ready, Cancelled},
	Ready:     {Served, Preparing},
}

// Parse converts s into a Status, accepting any letter case.
func Parse(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, st := range All {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == Served || s == Cancelled
}

// Editable reports whether quantity edits are still allowed. Once the kitchen
// starts cooking the quantity is fixed.
func (s Status) Editable() bool {
	return s == Pending || s == Confirmed
}

// CanTransition reports whether from -> to is legal. Moving to the current
// status is accepted so retried requests stay harmless.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }
