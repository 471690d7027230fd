// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CheckMode selects the SQLite integrity pragma.
type CheckMode string

const (
	// CheckQuick runs PRAGMA quick_check, which skips index consistency.
	CheckQuick CheckMode = "quick"
	// CheckFull runs PRAGMA integrity_check.
	CheckFull CheckMode = "full"
)

// ParseCheckMode accepts "quick" and "full".
func ParseCheckMode(s string) (CheckMode, error) {
	switch m := CheckMode(strings.ToLower(strings.TrimSpace(s))); m {
	case CheckQuick, CheckFull:
		return m, nil
	}
	return "", fmt.Errorf("unknown integrity check mode %q (want quick or full)", s)
}

// VerifyFile opens path read-only and runs Verify against it. The daemon may
// hold the database open; the busy timeout covers its checkpoints.
func VerifyFile(ctx context.Context, path string, mode CheckMode) ([]string, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", path))
	if err != nil {
		return nil, fmt.Errorf("open %s for verification: %w", path, err)
	}
	defer func() { _ = db.Close() }()
	return Verify(ctx, db, mode)
}

// Verify returns the problems SQLite reports, or nil when the database is
// healthy (a single "ok" row).
func Verify(ctx context.Context, db *sql.DB, mode CheckMode) ([]string, error) {
	pragma := "PRAGMA quick_check"
	if mode == CheckFull {
		pragma = "PRAGMA integrity_check"
	}

	rows, err := db.QueryContext(ctx, pragma)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pragma, err)
	}
	defer func() { _ = rows.Close() }()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", pragma, err)
		}
		if !strings.EqualFold(line, "ok") {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return problems, nil
}
