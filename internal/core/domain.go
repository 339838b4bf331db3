package core

import (
	"errors"
	"strings"
	"time"
)

// DateLayout is the calendar date format used on the wire and in storage.
const DateLayout = "2006-01-02"

// TimestampLayout is the UTC creation timestamp format. The fixed-width
// fraction keeps stored values ordered lexically.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

const (
	SortDefault SortOrder = "default"
	SortDateAsc SortOrder = "date_asc"
)

type (
	SortOrder string

	Date struct {
		time.Time
	}

	// NewExpense is a validated expense that has not been stored yet.
	NewExpense struct {
		Amount      Money
		Category    string
		Description string
		Date        Date
		CreatedAt   time.Time
	}

	// Expense is a stored, immutable expense record.
	Expense struct {
		ID          int64
		Amount      Money
		Category    string
		Description string
		Date        Date
		CreatedAt   time.Time
	}

	ListFilter struct {
		Category string
		Sort     SortOrder
	}
)

// ValidationError is a client input problem. Its message is safe to return
// to the caller as is.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	ErrMissingAmount     = &ValidationError{Code: "missing_amount", Message: "Amount is required"}
	ErrInvalidAmount     = &ValidationError{Code: "invalid_amount", Message: "Amount must be a valid number"}
	ErrNegativeAmount    = &ValidationError{Code: "negative_amount", Message: "Amount must be non-negative"}
	ErrMissingCategory   = &ValidationError{Code: "missing_category", Message: "Category is required"}
	ErrMissingDate       = &ValidationError{Code: "missing_date", Message: "Date is required"}
	ErrInvalidDateFormat = &ValidationError{Code: "invalid_date_format", Message: "Date must be in YYYY-MM-DD format"}
)

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// ParseDate parses a strict YYYY-MM-DD calendar date. Out of range months and
// days (2025-02-30) are rejected.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, ErrMissingDate
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, ErrInvalidDateFormat
	}
	return Date{Time: t}, nil
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp reads a stored creation timestamp. Rows written by older
// versions may omit the fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ParseSortOrder maps the sort query parameter. Anything other than
// "date_asc" means newest first.
func ParseSortOrder(s string) SortOrder {
	if strings.TrimSpace(s) == string(SortDateAsc) {
		return SortDateAsc
	}
	return SortDefault
}

// Validate checks the invariants of an expense about to be stored.
func (e NewExpense) Validate() error {
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Category) == "" {
		return ErrMissingCategory
	}
	if e.Date.IsZero() {
		return ErrMissingDate
	}
	if e.CreatedAt.IsZero() {
		return errors.New("created_at must be set")
	}
	return nil
}

// Stored returns the record as persisted under id.
func (e NewExpense) Stored(id int64) Expense {
	return Expense{
		ID:          id,
		Amount:      e.Amount,
		Category:    e.Category,
		Description: e.Description,
		Date:        e.Date,
		CreatedAt:   e.CreatedAt.UTC(),
	}
}
