package rewrite

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/tutorai/internal/invoker"
	"github.com/kalambet/tutorai/internal/registry"
)

var (
	ErrAllTiersExhausted = errors.New("all model tiers exhausted")
	ErrBudgetExhausted   = errors.New("budget exhausted")
	ErrDeadlineExceeded  = errors.New("rewrite deadline exceeded")
	ErrInvalidRequest    = errors.New("invalid rewrite request")
)

// Error is a terminal run failure. It never carries partial text.
type Error struct {
	// Kind is one of ErrAllTiersExhausted, ErrBudgetExhausted or
	// ErrDeadlineExceeded.
	Kind        error
	LastTier    registry.Tier
	LastFailure invoker.Kind
	Attempts    int
	// Err is the last provider failure, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("rewrite failed: %v (last tier %s, %d attempts)", e.Kind, e.LastTier, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Code is a stable machine-readable name for the failure kind.
func (e *Error) Code() string {
	switch e.Kind {
	case ErrBudgetExhausted:
		return "budget_exhausted"
	case ErrDeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "all_tiers_exhausted"
	}
}

// InvalidRequestError lists validation problems by JSON field name.
type InvalidRequestError struct {
	Fields map[string]string
}

func (e *InvalidRequestError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid rewrite request: " + strings.Join(parts, "; ")
}

func (e *InvalidRequestError) Is(target error) bool { return target == ErrInvalidRequest }
