// Copyright 2024 BlockFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manifest

import (
	"database/sql"
	"fmt"
	"strings"
)

// SchemaVersion is written to schema_info on Create.
const SchemaVersion = "1"

// Ext is the manifest file extension.
const Ext = ".bfp"

// DefaultBusyTimeout in milliseconds.
const DefaultBusyTimeout = 5000

const manifestSchema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tracks (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL
);

-- One row per block slot; shared blocks appear once per slot
CREATE TABLE IF NOT EXISTS slots (
    track_id INTEGER NOT NULL REFERENCES tracks(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    block TEXT NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('simple', 'alias', 'silent', 'legacy')),
    length INTEGER NOT NULL,
    format TEXT NOT NULL,
    min REAL NOT NULL DEFAULT 0,
    max REAL NOT NULL DEFAULT 0,
    rms REAL NOT NULL DEFAULT 0,
    alias_path TEXT NOT NULL DEFAULT '',
    channel INTEGER NOT NULL DEFAULT 0,
    alias_start INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (track_id, position)
);

CREATE INDEX IF NOT EXISTS idx_slots_block ON slots(block);

INSERT INTO schema_info (key, value) VALUES ('version', ?);
INSERT INTO schema_info (key, value) VALUES ('type', 'manifest');
`

// buildDSN builds the libsql DSN for a manifest path.
func buildDSN(path string) string {
	return "file:" + path
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets PRAGMAs after opening a libsql connection. libsql
// ignores DSN pragma parameters.
func applyPragmas(db *sql.DB) error {
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", DefaultBusyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

// execStatements executes the statements of a script one at a time since
// libsql does not support multi-statement Exec.
func execStatements(db *sql.DB, script string, args ...any) error {
	argIdx := 0
	for _, stmt := range splitStatements(script) {
		n := strings.Count(stmt, "?")
		if _, err := db.Exec(stmt, args[argIdx:argIdx+n]...); err != nil {
			return err
		}
		argIdx += n
	}
	return nil
}

// splitStatements splits a SQL script on statement-ending semicolons,
// dropping comment lines.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
