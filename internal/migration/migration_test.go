package migration

import (
	"io/fs"
	"strconv"
	"strings"
	"testing"

	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	settlementdomain "github.com/smallbiznis/marketpay/internal/settlement/domain"
	"github.com/smallbiznis/marketpay/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups := map[int]string{}
	downs := map[int]string{}
	for _, entry := range entries {
		name := entry.Name()
		version, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		require.NoError(t, err, name)

		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[version] = name
		case strings.HasSuffix(name, ".down.sql"):
			downs[version] = name
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}

	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
	for version := 1; version <= len(ups); version++ {
		require.Contains(t, ups, version)
		require.Contains(t, downs, version)
	}
}

func TestEmbeddedMigrationsCreateCoreTables(t *testing.T) {
	var schema strings.Builder
	err := fs.WalkDir(embeddedMigrations, migrationsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return err
		}
		body, err := fs.ReadFile(embeddedMigrations, path)
		if err != nil {
			return err
		}
		schema.Write(body)
		return nil
	})
	require.NoError(t, err)

	for _, table := range []string{
		"users", "sellers", "verifiers",
		"orders", "payments", "refunds", "payment_events",
		"ledger_accounts", "ledger_entries", "ledger_entry_lines",
		"audit_logs", "outbox_messages",
		"settlements", "settlement_items", "settlement_adjustments", "verifier_payouts",
		"plans", "subscriptions", "subscription_changes",
	} {
		require.Contains(t, schema.String(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
	require.Contains(t, schema.String(), "ux_payment_events_provider_event")
	require.Contains(t, schema.String(), "ux_settlements_payee_period")
}

func TestRunMigrationsRequiresHandle(t *testing.T) {
	require.Error(t, RunMigrations(nil))
}

func TestRunAutoMigratesSqlite(t *testing.T) {
	conn := testutil.OpenDB(t)

	require.NoError(t, Run(conn, "sqlite"))
	require.NoError(t, Run(conn, "SQLite"))

	for _, model := range Models() {
		require.True(t, conn.Migrator().HasTable(model))
	}
	require.True(t, conn.Migrator().HasIndex(&paymentdomain.EventRecord{}, "ux_payment_events_provider_event"))
	require.True(t, conn.Migrator().HasIndex(&settlementdomain.Settlement{}, "ux_settlements_payee_period"))
}

func TestRunRejectsUnknownDatabaseType(t *testing.T) {
	conn := testutil.OpenDB(t)

	err := Run(conn, "oracle")
	require.ErrorContains(t, err, `unsupported database type "oracle"`)
	require.False(t, conn.Migrator().HasTable(&paymentdomain.Order{}))
}

func TestRunRequiresHandle(t *testing.T) {
	require.Error(t, Run(nil, "sqlite"))
}
