package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/pkg/db"
)

func newDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { database.Close() })
	return database
}

func TestFlushOnSize(t *testing.T) {
	database := newDB(t)
	aw := NewAuditWriter(database, 2, time.Hour, nil)
	defer aw.Close()

	aw.Warn("first", "acct-1", "")
	assert.Equal(t, 1, aw.Pending())
	aw.Error("second", "", "trade-1")
	assert.Equal(t, 0, aw.Pending())

	logs, err := database.Queries().ListSystemLogs(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	m := aw.GetMetrics()
	assert.Equal(t, uint64(2), m.TotalWrites)
	assert.Equal(t, uint64(1), m.TotalBatches)
	assert.Zero(t, m.TotalErrors)
}

func TestCloseFlushesRemainder(t *testing.T) {
	database := newDB(t)
	aw := NewAuditWriter(database, 100, time.Hour, nil)

	aw.Info("started", "", "")
	require.NoError(t, aw.Close())
	require.NoError(t, aw.Close())

	logs, err := database.Queries().ListSystemLogs(context.Background(), db.LevelInfo, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "started", logs[0].Message)
}

func TestNilWriterIsNoop(t *testing.T) {
	var aw *AuditWriter
	assert.NotPanics(t, func() {
		aw.Warn("x", "", "")
		_ = aw.Close()
	})
}
