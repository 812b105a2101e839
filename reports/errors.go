package reports

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("report validation failed")
	ErrProcessing   = errors.New("report processing failed")
	ErrUnknownShape = errors.New("unrecognized report shape")
	// ErrSuperseded means the report was resubmitted with new content while it was
	// being processed. The report stays pending and no facts are kept.
	ErrSuperseded = errors.New("report content changed during processing")

	// ErrConflict marks a dimension create that lost a race to a concurrent writer.
	// It never leaves this package.
	ErrConflict = errors.New("dimension create conflict")
)

// ValidationError carries every structural problem found in a document.
// Warnings never make a document invalid.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("report validation failed: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

type NotFoundError struct {
	Kind string
	ID   any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ProcessingError is returned by Process after the report has been marked failed.
type ProcessingError struct {
	ReportID uint
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process report %d: %v", e.ReportID, e.Err)
}

func (e *ProcessingError) Unwrap() []error {
	return []error{ErrProcessing, e.Err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUniqueViolation reports whether err is a unique-constraint rejection from the store.
// gorm only translates driver errors when TranslateError is on, so the raw driver
// messages for SQLite and PostgreSQL are matched as well.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
