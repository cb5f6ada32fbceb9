package gorm

import (
	"database/sql"
)

// nullString creates a sql.NullString from a string; empty means NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// MaxPaginationLimit caps history and alert list reads.
const MaxPaginationLimit = 1000

// clampLimit maps a non-positive or oversized limit to MaxPaginationLimit.
func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPaginationLimit {
		return MaxPaginationLimit
	}
	return limit
}
