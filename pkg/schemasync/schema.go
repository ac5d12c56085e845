// Package schemasync reconciles sqlite tables with a declarative schema.
//
// Missing tables are created, missing columns are added and columns that are
// no longer declared are dropped. It is meant to run once at startup.
package schemasync

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

var ErrInvalidSchema = errors.New("schemasync: invalid schema")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Schema is decoded from TOML:
//
//	[[table]]
//	name = "users"
//
//	  [[table.column]]
//	  name = "id"
//	  definition = "INTEGER PRIMARY KEY AUTOINCREMENT"
type Schema struct {
	Tables []Table `toml:"table"`
}

type Table struct {
	Name    string   `toml:"name"`
	Columns []Column `toml:"column"`
}

type Column struct {
	Name       string `toml:"name"`
	Definition string `toml:"definition"`
}

func LoadSchema(path string) (*Schema, error) {
	var s Schema
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("schemasync: failed to read %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func ParseSchema(data string) (*Schema, error) {
	var s Schema
	if _, err := toml.Decode(data, &s); err != nil {
		return nil, fmt.Errorf("schemasync: failed to parse schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) Validate() error {
	if len(s.Tables) == 0 {
		return fmt.Errorf("%w: no tables declared", ErrInvalidSchema)
	}

	tables := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		if !identifier.MatchString(t.Name) {
			return fmt.Errorf("%w: bad table name %q", ErrInvalidSchema, t.Name)
		}
		key := strings.ToLower(t.Name)
		if tables[key] {
			return fmt.Errorf("%w: table %q declared twice", ErrInvalidSchema, t.Name)
		}
		tables[key] = true

		if len(t.Columns) == 0 {
			return fmt.Errorf("%w: table %q has no columns", ErrInvalidSchema, t.Name)
		}

		columns := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if !identifier.MatchString(c.Name) {
				return fmt.Errorf("%w: bad column name %q in table %q", ErrInvalidSchema, c.Name, t.Name)
			}
			if strings.TrimSpace(c.Definition) == "" || strings.Contains(c.Definition, ";") {
				return fmt.Errorf("%w: bad definition for %s.%s", ErrInvalidSchema, t.Name, c.Name)
			}
			ckey := strings.ToLower(c.Name)
			if columns[ckey] {
				return fmt.Errorf("%w: column %s.%s declared twice", ErrInvalidSchema, t.Name, c.Name)
			}
			columns[ckey] = true
		}
	}
	return nil
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
