package errlog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// Kind is the failure taxonomy shared by every sync component.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindReference   Kind = "reference"
	KindTransport   Kind = "transport"
	KindPersistence Kind = "persistence"
)

func (k Kind) String() string {
	return string(k)
}

// Error is a classified failure. Field is set for validation and reference
// failures when the offending field is known.
type Error struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s failure on %s: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(field string, err error) error {
	return &Error{Kind: KindValidation, Field: field, Err: err}
}

func Reference(field string, err error) error {
	return &Error{Kind: KindReference, Field: field, Err: err}
}

func Transport(err error) error {
	return &Error{Kind: KindTransport, Err: err}
}

func Persistence(err error) error {
	return &Error{Kind: KindPersistence, Err: err}
}

// Classify maps any error to a Kind. Errors that carry no classification and
// are not recognizably network errors are treated as persistence failures.
func Classify(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if isTransportError(err) {
		return KindTransport
	}
	return KindPersistence
}

// FieldOf returns the field recorded on a classified error, if any.
func FieldOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Field
	}
	return ""
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsConflict reports whether err is a persistence conflict that a fresh
// attempt of the same transaction can resolve: unique-key races, lock
// contention, serialization failures.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		case sqlite3.ErrConstraint:
			return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
		}
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", // unique_violation
			"40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}
	return false
}
