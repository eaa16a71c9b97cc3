package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies scistore errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindForbidden
	KindConflict
	KindNotSupported
	KindIO
	KindConfig
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotSupported:
		return "unsupported operation"
	case KindIO:
		return "i/o error"
	case KindConfig:
		return "configuration error"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
// An err that already carries a Kind keeps it unless kind says otherwise.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Annotate wraps err keeping the kind KindOf reports for it.
func Annotate(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, Path: path, Err: err}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrExist):
		return KindConflict
	case errors.Is(err, iofs.ErrPermission):
		return KindForbidden
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindIO
	default:
		return KindInternal
	}
}

// IsNotFound reports whether err classifies as KindNotFound.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsForbidden reports whether err classifies as KindForbidden.
func IsForbidden(err error) bool { return err != nil && KindOf(err) == KindForbidden }

// IsConflict reports whether err classifies as KindConflict.
func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }

// IsNotSupported reports whether err classifies as KindNotSupported.
func IsNotSupported(err error) bool { return err != nil && KindOf(err) == KindNotSupported }
