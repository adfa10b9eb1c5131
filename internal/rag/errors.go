package rag

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	// KindNormalization is logged only. Normalization falls back to plain
	// text instead of failing.
	KindNormalization Kind = "normalization"
	KindChunking      Kind = "chunking"
	KindEmbedding     Kind = "embedding"
	KindGeneration    Kind = "generation"
	KindIndex         Kind = "index"
	KindTimeout       Kind = "timeout"
	KindCanceled      Kind = "canceled"
	KindValidation    Kind = "validation"
	KindDecode        Kind = "decode"
)

// Error is returned by every Service operation.
type Error struct {
	Kind Kind
	// Op is the stage that failed, for example "embed" or "generate".
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap translates err into an *Error of the given kind. Context
// cancellation and deadline errors become KindCanceled and KindTimeout
// whatever kind is passed. An err that already is an *Error is returned
// unchanged. Wrap(nil) is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Op: op, Message: op + " canceled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, Message: op + " timed out", Err: err}
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
