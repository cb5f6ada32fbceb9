package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Current score per client
		{
			ID: "001_risk_states",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&RiskState{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("risk_states")
			},
		},

		// Migration 002: Append-only adjustment ledger
		{
			ID: "002_score_adjustments",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ScoreAdjustment{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("score_adjustments")
			},
		},

		// Migration 003: Risk alerts
		{
			ID: "003_risk_alerts",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&RiskAlert{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("risk_alerts")
			},
		},

		// Migration 004: Client attribute snapshots fed by the client import
		{
			ID: "004_client_attributes",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ClientAttribute{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("client_attributes")
			},
		},

		// Migration 005: Partial index for the unresolved-alert lookups done on
		// every recompute and outcome. Both PostgreSQL and SQLite support it.
		{
			ID: "005_open_alert_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_alerts_open_client
					ON risk_alerts(client_id, generated_at_epoch DESC)
					WHERE acted_on_at_epoch IS NULL`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_alerts_open_client").Error
			},
		},

		// Migration 006: Trend baselines. Fresh databases already have the
		// columns from 001; AutoMigrate only adds what is missing.
		{
			ID: "006_risk_state_baselines",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&RiskState{})
			},
			Rollback: func(tx *gorm.DB) error {
				for _, col := range []string{"score_changed_at_epoch", "day_start_at_epoch", "day_start_score"} {
					if err := tx.Migrator().DropColumn(&RiskState{}, col); err != nil {
						return err
					}
				}
				return nil
			},
		},
	})

	return m.Migrate()
}
