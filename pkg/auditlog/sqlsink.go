package auditlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// SQLSink mirrors every appended Entry into a SQL table, additive to the
// file-based log which remains the source of truth.
type SQLSink struct {
	db      *sql.DB
	dialect string
}

// NewSQLSink opens (or reuses) db under dialect and brings the mirror
// table's schema up to date via golang-migrate before accepting writes.
// dialect is one of "postgres", "mysql", "sqlite".
func NewSQLSink(db *sql.DB, dialect string) (*SQLSink, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported sql dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	sink := &SQLSink{db: db, dialect: dialect}
	if err := sink.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit mirror schema: %w", err)
	}
	return sink, nil
}

func (s *SQLSink) migrate() error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+s.dialect)
	if err != nil {
		return fmt.Errorf("locate %s migrations: %w", s.dialect, err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	dbDriver, err := s.driver()
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "taskforge_audit", dbDriver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *SQLSink) driver() (database.Driver, error) {
	switch s.dialect {
	case "postgres":
		return postgres.WithInstance(s.db, &postgres.Config{})
	case "mysql":
		return mysql.WithInstance(s.db, &mysql.Config{})
	default:
		return sqlite3.WithInstance(s.db, &sqlite3.Config{})
	}
}

// Write inserts e into the mirror table. It satisfies auditlog.Sink.
func (s *SQLSink) Write(e Entry) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	query := "INSERT INTO taskforge_audit_entries (timestamp, event_type, user_id, action, resource, outcome, metadata_json) VALUES (?, ?, ?, ?, ?, ?, ?)"
	if s.dialect == "postgres" {
		query = "INSERT INTO taskforge_audit_entries (timestamp, event_type, user_id, action, resource, outcome, metadata_json) VALUES ($1, $2, $3, $4, $5, $6, $7)"
	}

	_, err = s.db.ExecContext(ctx, query, e.Timestamp, e.EventType, e.UserID, e.Action, e.Resource, e.Outcome, string(metaJSON))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLSink) Close() error { return s.db.Close() }
