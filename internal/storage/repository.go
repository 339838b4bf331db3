package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"expenses/internal/core"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// maxKeyConflictRetries bounds how often a create is retried as a lookup
// after losing an idempotency key race.
const maxKeyConflictRetries = 3

// ErrKeyConflict is returned when an idempotency key stays contended after
// all retries.
var ErrKeyConflict = errors.New("idempotency key conflict")

type SQLiteRepository struct {
	db *sql.DB
}

// DSN builds a modernc sqlite data source name. Write transactions take the
// database lock up front (BEGIN IMMEDIATE) so a read-then-insert inside one
// transaction cannot interleave with another writer.
func DSN(dbPath string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + dbPath + "?" + q.Encode()
}

// NewSQLiteRepository opens the database at dbPath. The schema must already
// be migrated with RunMigrations.
func NewSQLiteRepository(dbPath string, busyTimeout time.Duration) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(dbPath, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CreateExpense stores e without any idempotency bookkeeping.
func (r *SQLiteRepository) CreateExpense(ctx context.Context, e core.NewExpense) (core.Expense, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Expense{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := insertExpense(ctx, tx, e)
	if err != nil {
		return core.Expense{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Expense{}, fmt.Errorf("commit expense: %w", err)
	}

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", id,
		"amount_minor", e.Amount.MinorUnits,
		"category", e.Category,
		"date", e.Date.String())

	return e.Stored(id), nil
}

// CreateExpenseIdempotent returns the expense already recorded under key, or
// stores e and records key for it. created reports which of the two happened.
//
// The lookup and both inserts share one transaction. If a concurrent writer
// records the same key first, the primary key on idempotency_keys rejects our
// mapping, the whole transaction rolls back (no orphan expense row) and the
// operation is retried, which then finds the winner.
func (r *SQLiteRepository) CreateExpenseIdempotent(ctx context.Context, key string, e core.NewExpense) (exp core.Expense, created bool, err error) {
	for attempt := 0; attempt < maxKeyConflictRetries; attempt++ {
		exp, created, err = r.createWithKey(ctx, key, e)
		if err == nil || !isUniqueViolation(err) {
			return exp, created, err
		}
		slog.WarnContext(ctx, "Idempotency key race lost, retrying as lookup",
			"attempt", attempt+1, "error", err)
	}
	return core.Expense{}, false, fmt.Errorf("%w: %v", ErrKeyConflict, err)
}

func (r *SQLiteRepository) createWithKey(ctx context.Context, key string, e core.NewExpense) (core.Expense, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, found, err := expenseForKey(ctx, tx, key)
	if err != nil {
		return core.Expense{}, false, err
	}
	if found {
		if err := tx.Commit(); err != nil {
			return core.Expense{}, false, fmt.Errorf("commit lookup: %w", err)
		}
		return existing, false, nil
	}

	id, err := insertExpense(ctx, tx, e)
	if err != nil {
		return core.Expense{}, false, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (idempotency_key, expense_id, created_at) VALUES (?, ?, ?)`,
		key, id, core.FormatTimestamp(e.CreatedAt))
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("insert idempotency key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Expense{}, false, fmt.Errorf("commit expense: %w", err)
	}

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", id,
		"amount_minor", e.Amount.MinorUnits,
		"category", e.Category,
		"date", e.Date.String())

	return e.Stored(id), true, nil
}

// ExpenseForKey returns the expense recorded under an idempotency key.
func (r *SQLiteRepository) ExpenseForKey(ctx context.Context, key string) (core.Expense, bool, error) {
	return expenseForKey(ctx, r.db, key)
}

// GetExpense retrieves a single expense by ID
func (r *SQLiteRepository) GetExpense(ctx context.Context, id int64) (core.Expense, error) {
	row := r.db.QueryRowContext(ctx, selectExpense+` WHERE id = ?`, id)
	e, err := scanExpense(row)
	if err != nil {
		return core.Expense{}, fmt.Errorf("get expense by id: %w", err)
	}
	return e, nil
}

// ListExpenses returns every expense matching filter in the requested order.
func (r *SQLiteRepository) ListExpenses(ctx context.Context, filter core.ListFilter) ([]core.Expense, error) {
	query := selectExpense
	var args []any
	if filter.Category != "" {
		query += ` WHERE category = ?`
		args = append(args, filter.Category)
	}
	if filter.Sort == core.SortDateAsc {
		query += ` ORDER BY date ASC, created_at ASC, id ASC`
	} else {
		query += ` ORDER BY date DESC, created_at DESC, id DESC`
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	expenses := make([]core.Expense, 0)
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}
	return expenses, nil
}

const selectExpense = `SELECT id, amount_minor, category, description, date, created_at FROM expenses`

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(s scanner) (core.Expense, error) {
	var (
		e         core.Expense
		date      string
		createdAt string
	)
	if err := s.Scan(&e.ID, &e.Amount.MinorUnits, &e.Category, &e.Description, &date, &createdAt); err != nil {
		return core.Expense{}, err
	}

	d, err := core.ParseDate(date)
	if err != nil {
		return core.Expense{}, fmt.Errorf("expense %d has invalid date %q: %v", e.ID, date, err)
	}
	e.Date = d

	ts, err := core.ParseTimestamp(createdAt)
	if err != nil {
		return core.Expense{}, fmt.Errorf("expense %d has invalid created_at %q: %v", e.ID, createdAt, err)
	}
	e.CreatedAt = ts

	return e, nil
}

func insertExpense(ctx context.Context, tx *sql.Tx, e core.NewExpense) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("invalid expense: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO expenses (amount_minor, category, description, date, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Amount.MinorUnits, e.Category, e.Description, e.Date.String(), core.FormatTimestamp(e.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert expense: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read expense id: %w", err)
	}
	return id, nil
}

func expenseForKey(ctx context.Context, q queryer, key string) (core.Expense, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT e.id, e.amount_minor, e.category, e.description, e.date, e.created_at
		FROM idempotency_keys k
		JOIN expenses e ON e.id = k.expense_id
		WHERE k.idempotency_key = ?`, key)
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, false, nil
	}
	if err != nil {
		return core.Expense{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return e, true, nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
