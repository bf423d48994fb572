package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/marketpay/internal/ledger/domain"
	notificationdomain "github.com/smallbiznis/marketpay/internal/notification/domain"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	sellerdomain "github.com/smallbiznis/marketpay/internal/seller/domain"
	settlementdomain "github.com/smallbiznis/marketpay/internal/settlement/domain"
	subscriptiondomain "github.com/smallbiznis/marketpay/internal/subscription/domain"
	"gorm.io/gorm"
)

// Models lists every persisted type. Non-postgres databases are built from
// their gorm tags, which carry the same unique keys as the SQL files.
func Models() []any {
	return []any{
		&subscriptiondomain.User{},
		&sellerdomain.Seller{},
		&sellerdomain.Verifier{},
		&paymentdomain.Order{},
		&paymentdomain.Payment{},
		&paymentdomain.Refund{},
		&paymentdomain.EventRecord{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&auditdomain.AuditLog{},
		&notificationdomain.OutboxMessage{},
		&settlementdomain.Settlement{},
		&settlementdomain.SettlementItem{},
		&settlementdomain.SettlementAdjustment{},
		&settlementdomain.VerifierPayout{},
		&subscriptiondomain.Plan{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionChange{},
	}
}

// Run brings the schema up to date for the configured database type.
// Postgres applies the embedded versioned SQL; mysql and sqlite are
// auto-migrated from the models.
func Run(conn *gorm.DB, dbType string) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}

	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	case "mysql", "sqlite":
		if err := conn.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto-migrate %s: %w", dbType, err)
		}
		return nil
	default:
		return fmt.Errorf("migrations: unsupported database type %q", dbType)
	}
}

// RunMigrations applies the embedded postgres schema. It is safe to call on every start.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
