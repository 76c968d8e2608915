package cursor

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // Required by the library implementation.
)

// SQLiteStore keeps cursors in a SQLite table. Ids are stored as decimal text
// because SQLite integers are signed.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

func NewSQLiteStore(ctx context.Context, dbPath string, log *slog.Logger) (*SQLiteStore, error) {
	dbFile, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open DB file: %w", err)
	}

	if err = migrateUp(ctx, dbFile, dbPath, log); err != nil {
		_ = dbFile.Close()
		return nil, err
	}

	return &SQLiteStore{db: dbFile, path: dbPath, log: log}, nil
}

func migrateUp(ctx context.Context, dbFile *sql.DB, dbPath string, log *slog.Logger) error {
	dbInstance, err := sqlite3.WithInstance(dbFile, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create DB instance: %w", err)
	}

	srcInstance, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create source instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcInstance, "sqlite3", dbInstance)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	migrateErr := m.Up()

	version, dirty, versionErr := m.Version()
	fields := []any{
		"dbPath", dbPath,
	}

	if versionErr == nil {
		fields = append(fields, "version", version, "dirty", dirty)
	} else if !errors.Is(versionErr, migrate.ErrNilVersion) {
		log.WarnContext(ctx, "Failed to fetch migration version",
			"error", versionErr,
			"dbPath", dbPath)
	}

	if migrateErr != nil {
		if !errors.Is(migrateErr, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", migrateErr)
		}

		log.InfoContext(ctx, "No migrations to apply", fields...)
	} else {
		log.InfoContext(ctx, "DB is migrated", fields...)
	}

	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) Cursors {
	cursors, err := s.load(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "Failed to load cursors, starting from scratch",
			"error", err,
			"dbPath", s.path)

		return Cursors{}
	}

	return cursors
}

func (s *SQLiteStore) load(ctx context.Context) (Cursors, error) {
	rows, err := s.db.QueryContext(ctx, "select account_id, last_id from cursors")
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			s.log.ErrorContext(ctx, "Failed to close rows",
				"error", err,
				"operation", "Load")
		}
	}()

	cursors := Cursors{}
	for rows.Next() {
		var accountID, lastID string
		if err = rows.Scan(&accountID, &lastID); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		id, parseErr := strconv.ParseUint(lastID, 10, 64)
		if parseErr != nil {
			s.log.WarnContext(ctx, "Skipping malformed cursor row",
				"error", parseErr,
				"accountID", accountID,
				"lastID", lastID)

			continue
		}

		cursors[accountID] = id
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return cursors, nil
}

// Save replaces every stored row with cursors inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, cursors Cursors) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.ErrorContext(ctx, "Failed to roll back transaction",
				"error", rollbackErr,
				"operation", "Save")
		}
	}()

	if _, err = tx.ExecContext(ctx, "delete from cursors"); err != nil {
		return fmt.Errorf("clear cursors: %w", err)
	}

	query := "insert into cursors (account_id, last_id) values (?, ?)"

	for _, accountID := range cursors.sortedAccountIDs() {
		lastID := strconv.FormatUint(cursors[accountID], 10)
		if _, err = tx.ExecContext(ctx, query, accountID, lastID); err != nil {
			return fmt.Errorf("insert cursor (accountID = %s): %w", accountID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.log.InfoContext(ctx, "Cursors are saved",
		"dbPath", s.path,
		"accountCount", len(cursors))

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
