package main

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schemaFS embed.FS

// indexTables are the tables the write path requires.
var indexTables = []string{
	"spl_token_owner_index",
	"spl_token_mint_index",
}

// initializeSchema ensures the index tables exist before any statement is
// prepared against them.
func initializeSchema(db *sql.DB) error {
	log.Info().Msg("Initializing database schema")

	schemaContent, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	for _, stmt := range strings.Split(string(schemaContent), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	if err := verifySchema(db); err != nil {
		return fmt.Errorf("schema verification failed: %w", err)
	}

	log.Info().Msg("Database schema initialized")
	return nil
}

// verifySchema verifies that the index tables exist
func verifySchema(db *sql.DB) error {
	for _, table := range indexTables {
		var exists bool
		err := db.QueryRow(`
			SELECT EXISTS (
				SELECT 1
				FROM information_schema.tables
				WHERE table_schema = 'public'
				AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// indexStats returns row counts for the index tables, used by /stats.
func indexStats(db *sql.DB) (map[string]int64, error) {
	stats := make(map[string]int64, len(indexTables))
	for _, table := range indexTables {
		var count int64
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
