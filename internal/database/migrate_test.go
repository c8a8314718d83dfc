package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/slatrack/internal/database"
	"github.com/pitabwire/slatrack/internal/database/dbtest"
)

func TestMigrate_idempotent(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := context.Background()

	require.NoError(t, database.Migrate(ctx, pool), "second migrate should be a no-op")

	var count int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_name IN ('workflow_definitions', 'workflow_steps', 'sla_records', 'sla_action_logs')`,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	assert.NoError(t, database.Checker{Pool: pool}.HealthCheck(ctx))
}
