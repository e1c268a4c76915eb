// Package errs defines the failure taxonomy shared by the memory store packages.
//
// Every error that leaves a store operation carries one of four kinds. Callers
// branch on the kind with errors.Is against the package sentinels:
//
//	if errors.Is(err, errs.ErrRetryable) {
//		// back off and try again
//	}
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindConfiguration covers unsupported providers, unknown embedding models and
	// missing settings. Raised at startup.
	KindConfiguration
	// KindSchemaMismatch is raised when an existing collection was created with a
	// different vector width than the active embedding model produces.
	KindSchemaMismatch
	// KindRetryable covers transient network and backend failures.
	KindRetryable
	// KindFatal covers authentication, permission and other non-transient failures.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSchemaMismatch:
		return "schema mismatch"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	ErrConfiguration  = errors.New("configuration error")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrRetryable      = errors.New("retryable error")
	ErrFatal          = errors.New("fatal error")
)

func sentinel(k Kind) error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindSchemaMismatch:
		return ErrSchemaMismatch
	case KindRetryable:
		return ErrRetryable
	case KindFatal:
		return ErrFatal
	}
	return nil
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := sentinel(e.Kind)
	return s != nil && target == s
}

// SchemaMismatchError reports a collection whose stored vector width differs
// from the width the active embedding model produces.
type SchemaMismatchError struct {
	Provider   string
	Collection string
	Existing   int
	Requested  int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf(
		"%s collection %q stores %d-dimensional vectors but the embedding model produces %d; "+
			"point the store at a new collection or switch back to a %d-dimensional model",
		e.Provider, e.Collection, e.Existing, e.Requested, e.Existing)
}

func (e *SchemaMismatchError) Is(target error) bool { return target == ErrSchemaMismatch }

// Configuration builds a configuration error.
func Configuration(op, format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// Retryable marks err as transient. A nil err yields nil.
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// Fatal marks err as non-transient. A nil err yields nil.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Fatalf builds a fatal error from a format string.
func Fatalf(op, format string, args ...any) error {
	return &Error{Kind: KindFatal, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var mismatch *SchemaMismatchError
	var classified *Error
	switch {
	case errors.As(err, &classified):
		return classified.Kind
	case errors.As(err, &mismatch):
		return KindSchemaMismatch
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool { return errors.Is(err, ErrRetryable) }

// Classified reports whether err already carries a kind.
func Classified(err error) bool { return KindOf(err) != KindUnknown }
