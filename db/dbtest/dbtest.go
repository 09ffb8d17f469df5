// Package dbtest provides an in-memory database for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/zllovesuki/billing/db"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// New opens a private shared-cache SQLite database for the calling test.
// A single connection is used so that transactions serialize like row locks would.
func New(t *testing.T, models ...interface{}) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.New().String())

	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: db.NewLogger(zap.NewNop()),
	})
	require.NoError(t, err)

	pool, err := conn.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)
	t.Cleanup(func() {
		pool.Close()
	})

	if len(models) > 0 {
		require.NoError(t, conn.AutoMigrate(models...))
	}
	return conn
}
