package definition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/slatrack/internal/database/dbtest"
	"github.com/pitabwire/slatrack/model"
)

func TestPgStore(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := context.Background()
	store := NewPgStore(pool)
	svc := NewService(store)

	in := validDefinition()
	in.GraceWindowMinutes = 15
	in.NotifyCallback = &model.CallbackConfig{URL: "https://hooks.example.com/notify", Headers: map[string]string{"X-Key": "k"}}
	in.Steps[1].Action.Callback = &model.CallbackConfig{
		URL:     "https://finance.example.com/approve",
		Payload: map[string]string{"ref": "record.business_record_id"},
	}

	t.Run("Publish and Get", func(t *testing.T) {
		def, err := svc.Publish(ctx, in)
		require.NoError(t, err)

		got, err := store.Get(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, def.FlowName, got.FlowName)
		assert.Equal(t, 15, got.GraceWindowMinutes)
		require.NotNil(t, got.NotifyCallback)
		assert.Equal(t, "k", got.NotifyCallback.Headers["X-Key"])
		assert.Nil(t, got.AutoApproveCallback)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, "review", got.Steps[0].Code)
		assert.Equal(t, model.ActionAutoApprove, got.Steps[1].Action.Kind)
		require.NotNil(t, got.Steps[1].Action.Callback)
		assert.Equal(t, "record.business_record_id", got.Steps[1].Action.Callback.Payload["ref"])
	})

	t.Run("Duplicate version conflicts", func(t *testing.T) {
		_, err := svc.Publish(ctx, in)
		assert.True(t, model.IsCode(err, model.ErrConflict), "err = %v", err)
	})

	t.Run("NewVersion and List", func(t *testing.T) {
		defs, err := store.List(ctx, Filters{FlowName: in.FlowName})
		require.NoError(t, err)
		require.Len(t, defs, 1)

		v2, err := svc.NewVersion(ctx, defs[0].ID, validDefinition())
		require.NoError(t, err)
		assert.Equal(t, 2, v2.Version)

		defs, err = store.List(ctx, Filters{FlowName: in.FlowName, Limit: 1})
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.Equal(t, v2.ID, defs[0].ID)
		assert.Equal(t, v2.PreviousVersionID, defs[0].PreviousVersionID)
	})

	t.Run("Get not found", func(t *testing.T) {
		_, err := store.Get(ctx, "00000000-0000-0000-0000-000000000000")
		assert.True(t, model.IsCode(err, model.ErrNotFound))
	})

	t.Run("Malformed IDs", func(t *testing.T) {
		_, err := store.Get(ctx, "abc")
		assert.True(t, model.IsCode(err, model.ErrNotFound), "Get err = %v", err)

		bad := validDefinition()
		bad.ID = "not-a-uuid"
		bad.FlowName = "malformed-id"
		_, err = svc.Publish(ctx, bad)
		assert.True(t, model.IsCode(err, model.ErrBadRequest), "Publish err = %v", err)
	})

	assert.NoError(t, store.HealthCheck(ctx))
}
