// Package errs defines the typed error taxonomy shared by every
// latticefs package. It plays the same role the teacher's
// P.Err(op, err) *os.PathError helper played for treedb, generalized
// from a single wrapper to the small set of codes spec.md §7 names.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies the cause of an Error so callers can branch on
// errs.Is(err, errs.NotFound) without string matching.
type Code string

const (
	NotFound             Code = "not_found"
	AlreadyExists        Code = "already_exists"
	InvalidArgument      Code = "invalid_argument"
	Corrupted            Code = "corrupted"
	Io                   Code = "io"
	Locked               Code = "locked"
	VersionMismatch      Code = "version_mismatch"
	UnsupportedOperation Code = "unsupported_operation"
)

// Error is a stack-carrying, coded error. It is never retried by the
// core; the code tells a caller what happened, the wrapped cause
// tells them why.
type Error struct {
	Code Code
	Op   string
	Path string
	err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Code, e.err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, &errs.Error{Code: errs.NotFound}) matches. A bare
// Code is not an error value; the package-level Is matches on one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New wraps cause with a stack trace and classifies it under code.
func New(code Code, op, path string, cause error) *Error {
	if cause == nil {
		cause = errors.New(string(code))
	}
	return &Error{Code: code, Op: op, Path: path, err: errors.WithStack(cause)}
}

// Is reports whether err (or any error it wraps) carries code.
func Is(err error, code Code) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Code == code
}

// Convenience constructors matching spec.md §7's taxonomy.

func NotFoundf(op, path string, cause error) *Error {
	return New(NotFound, op, path, cause)
}

func AlreadyExistsf(op, path string, cause error) *Error {
	return New(AlreadyExists, op, path, cause)
}

func InvalidArgumentf(op, path string, cause error) *Error {
	return New(InvalidArgument, op, path, cause)
}

func Corruptedf(op, path string, cause error) *Error {
	return New(Corrupted, op, path, cause)
}

func IOf(op, path string, cause error) *Error {
	return New(Io, op, path, cause)
}

func Lockedf(op, path string, cause error) *Error {
	return New(Locked, op, path, cause)
}

func VersionMismatchf(op, path string, cause error) *Error {
	return New(VersionMismatch, op, path, cause)
}

func UnsupportedOperationf(op, path string, cause error) *Error {
	return New(UnsupportedOperation, op, path, cause)
}
