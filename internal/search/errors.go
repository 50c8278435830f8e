package search

import (
	"errors"
	"fmt"
)

// Kind classifies a run failure.
type Kind int

// Failure kinds. Per-candidate failures never surface as an Error.
const (
	KindInput Kind = iota + 1
	KindAcquisition
	KindAutomation
	KindRanking
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindAcquisition:
		return "acquisition"
	case KindAutomation:
		return "automation"
	case KindRanking:
		return "ranking"
	default:
		return "unknown"
	}
}

// Error is the single error a failed run returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
