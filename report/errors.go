package report

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the pipelines.
type Kind string

const (
	KindFileOpen     Kind = "FileOpenError"
	KindSchema       Kind = "SchemaError"
	KindIntegrity    Kind = "IntegrityError"
	KindStore        Kind = "StoreError"
	KindCancellation Kind = "CancellationError"
)

// Error ties a failure to its kind and, when relevant, the offending file.
type Error struct {
	Kind Kind
	File string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.File != "" {
		msg += " " + e.File
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind so that errors.Is(err, ErrCancelled) works
// for any cancellation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.File == "" && t.Err == nil
}

// ErrCancelled is returned together with a partial result when a run stops early.
var ErrCancelled = &Error{Kind: KindCancellation}

func Wrap(kind Kind, file string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, File: file, Err: err}
}

func Errorf(kind Kind, file string, format string, args ...any) error {
	return &Error{Kind: kind, File: file, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain, or
// the empty kind when the error is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
