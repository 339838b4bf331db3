package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"expenses/internal/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	legacyExpensesTable = "legacy_expenses"
	legacyKeysTable     = "legacy_idempotency_keys"
)

// RunMigrations brings the schema at dbPath up to date. It is meant to run
// once at startup, before the repository serves requests.
func RunMigrations(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	// Create a separate connection for migrations to avoid interfering with the main connection
	migrateDB, err := sql.Open("sqlite", DSN(dbPath, 5*time.Second))
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer migrateDB.Close()

	ctx := context.Background()

	adopted, err := setAsideLegacySchema(ctx, migrateDB)
	if err != nil {
		return fmt.Errorf("set aside legacy schema: %w", err)
	}

	driver, err := sqlite.WithInstance(migrateDB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	if adopted != "" {
		n, err := importLegacyRows(ctx, migrateDB, adopted)
		if err != nil {
			return fmt.Errorf("import legacy expenses: %w", err)
		}
		slog.Info("Imported expenses from legacy schema", "rows", n, "amount_column", adopted)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	slog.Info("Database schema ready", "version", version, "dirty", dirty)

	return nil
}

// setAsideLegacySchema detects a database written before versioned
// migrations existed and renames its tables out of the way. It returns the
// amount column of the legacy expenses table, or "" when there is nothing to
// adopt.
func setAsideLegacySchema(ctx context.Context, db *sql.DB) (string, error) {
	tracked, err := tableExists(ctx, db, "schema_migrations")
	if err != nil {
		return "", err
	}
	if tracked {
		// A previous import may have been interrupted after the rename.
		if exists, err := tableExists(ctx, db, legacyExpensesTable); err != nil || !exists {
			return "", err
		}
		cols, err := tableColumns(ctx, db, legacyExpensesTable)
		if err != nil {
			return "", err
		}
		return legacyAmountColumn(cols), nil
	}

	exists, err := tableExists(ctx, db, "expenses")
	if err != nil || !exists {
		return "", err
	}
	cols, err := tableColumns(ctx, db, "expenses")
	if err != nil {
		return "", err
	}
	if cols["amount_minor"] {
		return "", nil
	}
	amountCol := legacyAmountColumn(cols)
	if amountCol == "" {
		return "", fmt.Errorf("expenses table has no recognised amount column")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `ALTER TABLE expenses RENAME TO `+legacyExpensesTable); err != nil {
		return "", fmt.Errorf("rename expenses: %w", err)
	}
	keysExist, err := tableExists(ctx, tx, "idempotency_keys")
	if err != nil {
		return "", err
	}
	if keysExist {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE idempotency_keys RENAME TO `+legacyKeysTable); err != nil {
			return "", fmt.Errorf("rename idempotency_keys: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	slog.Warn("Legacy expenses schema detected, converting to minor units", "amount_column", amountCol)
	return amountCol, nil
}

// importLegacyRows copies the set-aside rows into the migrated tables and
// drops the legacy tables in a single transaction.
func importLegacyRows(ctx context.Context, db *sql.DB, amountCol string) (int64, error) {
	amountExpr := "amount_paise"
	if amountCol == "amount" {
		amountExpr = "CAST(ROUND(amount * 100) AS INTEGER)"
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := normaliseLegacyRows(ctx, tx); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO expenses (id, amount_minor, category, description, date, created_at)
		SELECT id, `+amountExpr+`, category, COALESCE(description, ''), date, created_at
		FROM `+legacyExpensesTable)
	if err != nil {
		return 0, fmt.Errorf("copy expenses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	keysExist, err := tableExists(ctx, tx, legacyKeysTable)
	if err != nil {
		return 0, err
	}
	if keysExist {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO idempotency_keys (idempotency_key, expense_id, created_at)
			SELECT idempotency_key, expense_id, created_at
			FROM `+legacyKeysTable+`
			WHERE expense_id IN (SELECT id FROM expenses)`); err != nil {
			return 0, fmt.Errorf("copy idempotency keys: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DROP TABLE `+legacyKeysTable); err != nil {
			return 0, fmt.Errorf("drop legacy idempotency keys: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE `+legacyExpensesTable); err != nil {
		return 0, fmt.Errorf("drop legacy expenses: %w", err)
	}

	return n, tx.Commit()
}

// legacyDateLayout also accepts the unpadded months and days the earlier
// service let through, e.g. "2025-2-3".
const legacyDateLayout = "2006-1-2"

type legacyRow struct {
	id        int64
	date      string
	createdAt sql.NullString
}

// normaliseLegacyRows rewrites legacy dates to DateLayout and creation
// timestamps to TimestampLayout so imported rows scan and sort like new ones.
func normaliseLegacyRows(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, date, created_at FROM `+legacyExpensesTable)
	if err != nil {
		return fmt.Errorf("read legacy rows: %w", err)
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.date, &r.createdAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan legacy row: %w", err)
		}
		legacy = append(legacy, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate legacy rows: %w", err)
	}

	for _, r := range legacy {
		date, createdAt, err := normaliseLegacyRow(r)
		if err != nil {
			return err
		}
		if date == r.date && createdAt == r.createdAt.String {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+legacyExpensesTable+` SET date = ?, created_at = ? WHERE id = ?`,
			date, createdAt, r.id); err != nil {
			return fmt.Errorf("normalise legacy expense %d: %w", r.id, err)
		}
	}
	return nil
}

func normaliseLegacyRow(r legacyRow) (date, createdAt string, err error) {
	var created time.Time
	if r.createdAt.Valid {
		created, err = core.ParseTimestamp(strings.TrimSpace(r.createdAt.String))
		if err != nil {
			created = time.Time{}
		}
	}

	d, err := time.Parse(legacyDateLayout, strings.TrimSpace(r.date))
	switch {
	case err == nil:
		date = d.Format(core.DateLayout)
	case !created.IsZero():
		date = created.Format(core.DateLayout)
		slog.Warn("Legacy expense has unreadable date, using its creation day",
			"id", r.id, "date", r.date, "replacement", date)
	default:
		return "", "", fmt.Errorf("legacy expense %d has unreadable date %q", r.id, r.date)
	}

	if created.IsZero() {
		d, _ := core.ParseDate(date)
		created = d.Time
	}
	return date, core.FormatTimestamp(created), nil
}

func legacyAmountColumn(cols map[string]bool) string {
	switch {
	case cols["amount_paise"]:
		return "amount_paise"
	case cols["amount"]:
		return "amount"
	default:
		return ""
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func tableExists(ctx context.Context, q queryer, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}

func tableColumns(ctx context.Context, q queryer, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
