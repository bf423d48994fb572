// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// OpenDB returns an in-memory sqlite database migrated for the given models.
// The pool is pinned to one connection, so code under test must run every
// statement of a transaction on the tx handle.
func OpenDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	return db
}

var (
	nodeOnce sync.Once
	node     *snowflake.Node
	nodeErr  error
)

// Node returns the process-wide snowflake node used by tests. Sharing one
// node keeps generated ids unique across services in the same test.
func Node(t *testing.T) *snowflake.Node {
	t.Helper()
	nodeOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(1)
	})
	if nodeErr != nil {
		t.Fatalf("snowflake node: %v", nodeErr)
	}
	return node
}
