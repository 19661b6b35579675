package finance

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Kind classifies a finance error for the HTTP layer
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindPrecondition
	KindExternal
	KindNotFound
)

// Code is the stable machine code returned to clients
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "BAD_REQUEST"
	case KindConflict:
		return "CONFLICT"
	case KindPrecondition:
		return "PRECONDITION_FAILED"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

// Error is the domain error returned by every finance operation.
// Message is end-user readable for validation, conflict, precondition and not-found kinds.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Public reports whether Message may be shown to the caller verbatim
func (e *Error) Public() bool {
	return e.Kind != KindInternal
}

func validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func preconditionf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func external(err error, message string) *Error {
	return &Error{Kind: KindExternal, Message: message, Err: err}
}

// internal wraps a storage error; the detail is only ever logged
func internal(err error, op string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindInternal, Message: "Internal server error", Err: errors.Wrap(err, op)}
}

// KindOf extracts the Kind of err; unknown errors are internal
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a finance error of the given kind
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// notFoundOr maps gorm.ErrRecordNotFound to a not-found error
func notFoundOr(err error, what string, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundf("%s not found", what)
	}
	return internal(err, op)
}

// isUniqueViolation recognises duplicate-key errors from mysql and sqlite
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "unique constraint failed")
}
