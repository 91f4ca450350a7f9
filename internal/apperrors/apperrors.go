// Package apperrors classifies engine errors into the taxonomy of spec §7 so
// callers can branch on kind instead of matching error strings, mirroring the
// teacher's tagged-severity pattern in execution.RiskViolation/RiskSeverity.
package apperrors

import "fmt"

// Kind is the error taxonomy category.
type Kind string

const (
	KindConfig    Kind = "config"    // missing/invalid config — fatal at startup
	KindTransient Kind = "transient" // network, rate limit, 5xx — retried, bounded
	KindSemantic  Kind = "semantic"  // insufficient margin, would-liquidate — surfaced, signal rejected
	KindDrift     Kind = "drift"     // local != exchange — reconciled, never raised to user
	KindParse     Kind = "parse"     // empty/NaN fields — sanitized, counted
	KindInvariant Kind = "invariant" // negative size, TSL rewound — logged critical, state rejected
)

// Error wraps an underlying cause with its taxonomy kind and the component that
// raised it, for structured logging (zap.Error(err) still works via Unwrap).
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Component, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, component string, err error) *Error {
	return &Error{Kind: kind, Component: component, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			if ae.Kind == kind {
				return true
			}
			err = ae.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
