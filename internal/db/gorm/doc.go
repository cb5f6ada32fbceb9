// Package gorm provides GORM-based persistence for the retention engine.
//
// PostgreSQL is the production backend; SQLite (via gorm.io/driver/sqlite)
// backs embedded deployments and the test suite. Both run the same
// gormigrate migrations.
//
//	store, err := gorm.NewStore(gorm.Config{
//	    DSN:      "postgres://retention@localhost/retention",
//	    MaxConns: 10,
//	})
//
// # Concurrency
//
// risk_states carries a version column. Every write goes through
// RiskStore.Mutate, which re-reads and retries when the version it read is
// no longer current, so a nightly recomputation and an agent's outcome for
// the same client never overwrite each other. Writes for different clients
// never contend.
//
// # Testing
//
//	go test ./internal/db/gorm
package gorm
