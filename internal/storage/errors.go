package storage

import "errors"

var (
	// ErrNotFound is returned when a ledger record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrNoDatabase is returned when a repository is used without a
	// database connection.
	ErrNoDatabase = errors.New("database not configured")
)
