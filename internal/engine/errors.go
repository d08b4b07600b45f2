package engine

import (
	"errors"
	"fmt"

	"github.com/cartlift/cartlift/internal/store"
)

// Kind classifies a domain error so callers can map it to retry policy or
// an HTTP status without string matching.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindInvalidTransition  Kind = "invalid_transition"
	KindExperimentInactive Kind = "experiment_inactive"
	KindStoreUnavailable   Kind = "store_unavailable"
	KindNotFound           Kind = "not_found"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func InvalidTransitionf(format string, args ...any) error {
	return &Error{Kind: KindInvalidTransition, Msg: fmt.Sprintf(format, args...)}
}

func Inactivef(format string, args ...any) error {
	return &Error{Kind: KindExperimentInactive, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err, or "" for plain errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// wrapStore converts a store failure into the domain taxonomy: missing rows
// become not_found, everything else is a transient store_unavailable that
// callers may retry.
func wrapStore(err error, msg string) error {
	if errors.Is(err, store.ErrNotFound) {
		return &Error{Kind: KindNotFound, Msg: msg, Err: err}
	}
	return &Error{Kind: KindStoreUnavailable, Msg: msg, Err: err}
}
