package schemasync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tetherws/tether/pkg/logger"
)

type ChangeKind string

const (
	CreateTable ChangeKind = "create_table"
	AddColumn   ChangeKind = "add_column"
	DropColumn  ChangeKind = "drop_column"
)

// Change is one statement Sync executed.
type Change struct {
	Kind       ChangeKind
	Table      string
	Column     string
	Definition string
}

func (c Change) String() string {
	switch c.Kind {
	case CreateTable:
		return fmt.Sprintf("create table %s", c.Table)
	case AddColumn:
		return fmt.Sprintf("add %s %s to %s", c.Column, c.Definition, c.Table)
	default:
		return fmt.Sprintf("drop %s from %s", c.Column, c.Table)
	}
}

type columnInfo struct {
	CID      int            `db:"cid"`
	Name     string         `db:"name"`
	Type     string         `db:"type"`
	NotNull  bool           `db:"notnull"`
	Default  sql.NullString `db:"dflt_value"`
	PKMember int            `db:"pk"`
}

// Open opens the sqlite database at path, creating its directory if needed.
func Open(path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("schemasync: failed to create %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("schemasync: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schemasync: failed to open database: %w", err)
	}
	return db, nil
}

// Sync applies schema to db in a single transaction and returns what changed.
// Nothing is committed if any statement fails.
func Sync(ctx context.Context, db *sqlx.DB, schema *Schema, l logger.Logger) ([]Change, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Nop()
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("schemasync: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var changes []Change
	for _, table := range schema.Tables {
		tableChanges, err := syncTable(ctx, tx, table)
		if err != nil {
			return nil, err
		}
		for _, c := range tableChanges {
			l.Info("schemasync: applied change", "change", c.String())
		}
		changes = append(changes, tableChanges...)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("schemasync: commit: %w", err)
	}
	return changes, nil
}

func syncTable(ctx context.Context, tx *sqlx.Tx, table Table) ([]Change, error) {
	var changes []Change

	var exists int
	if err := tx.GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table.Name); err != nil {
		return nil, fmt.Errorf("schemasync: inspect %s: %w", table.Name, err)
	}

	if exists == 0 {
		defs := make([]string, 0, len(table.Columns))
		for _, c := range table.Columns {
			defs = append(defs, quote(c.Name)+" "+c.Definition)
		}
		stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quote(table.Name), strings.Join(defs, ", "))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("schemasync: create %s: %w", table.Name, err)
		}
		return append(changes, Change{Kind: CreateTable, Table: table.Name}), nil
	}

	var existing []columnInfo
	if err := tx.SelectContext(ctx, &existing, fmt.Sprintf("PRAGMA table_info(%s)", quote(table.Name))); err != nil {
		return nil, fmt.Errorf("schemasync: inspect columns of %s: %w", table.Name, err)
	}

	present := make(map[string]bool, len(existing))
	for _, c := range existing {
		present[strings.ToLower(c.Name)] = true
	}
	declared := make(map[string]bool, len(table.Columns))
	for _, c := range table.Columns {
		declared[strings.ToLower(c.Name)] = true
	}

	for _, c := range table.Columns {
		if present[strings.ToLower(c.Name)] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(table.Name), quote(c.Name), c.Definition)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("schemasync: add %s.%s: %w", table.Name, c.Name, err)
		}
		changes = append(changes, Change{Kind: AddColumn, Table: table.Name, Column: c.Name, Definition: c.Definition})
	}

	for _, c := range existing {
		if declared[strings.ToLower(c.Name)] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quote(table.Name), quote(c.Name))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("schemasync: drop %s.%s: %w", table.Name, c.Name, err)
		}
		changes = append(changes, Change{Kind: DropColumn, Table: table.Name, Column: c.Name})
	}

	return changes, nil
}
