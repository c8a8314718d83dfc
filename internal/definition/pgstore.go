package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/slatrack/internal/database"
	"github.com/pitabwire/slatrack/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts the definition and its steps in one transaction.
func (s *PgStore) Create(ctx context.Context, def model.WorkflowDefinition) error {
	if !database.IsID(def.ID) {
		return model.NewBadRequestError(fmt.Sprintf("definition id %q is not a UUID", def.ID))
	}
	for _, step := range def.Steps {
		if !database.IsID(step.ID) {
			return model.NewBadRequestError(fmt.Sprintf("step id %q is not a UUID", step.ID))
		}
	}

	notifyJSON, err := marshalCallback(def.NotifyCallback)
	if err != nil {
		return err
	}
	autoJSON, err := marshalCallback(def.AutoApproveCallback)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return database.WrapError("begin definition insert", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev *string
	if def.PreviousVersionID != "" {
		prev = &def.PreviousVersionID
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_definitions (
			id, flow_name, model, version, previous_version_id,
			grace_window_minutes, notify_callback, auto_approve_callback, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		def.ID, def.FlowName, def.Model, def.Version, prev,
		def.GraceWindowMinutes, notifyJSON, autoJSON, def.CreatedAt,
	)
	if err != nil {
		return database.WrapError("insert workflow definition", err)
	}

	for _, step := range def.Steps {
		cbJSON, err := marshalCallback(step.Action.Callback)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_steps (
				id, definition_id, step_order, code, name,
				sla_hours, action_kind, callback, max_notifications
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			step.ID, def.ID, step.Order, step.Code, step.Name,
			step.SLAHours, step.Action.Kind, cbJSON, step.MaxNotifications,
		)
		if err != nil {
			return database.WrapError("insert workflow step", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return database.WrapError("commit definition insert", err)
	}
	return nil
}

const selectDefinition = `
	SELECT id, flow_name, model, version, COALESCE(previous_version_id::text, ''),
	       grace_window_minutes, notify_callback, auto_approve_callback, created_at
	FROM workflow_definitions`

// Get retrieves a definition and its ordered steps.
func (s *PgStore) Get(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	if !database.IsID(id) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	row := s.pool.QueryRow(ctx, selectDefinition+` WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	if err != nil {
		return model.WorkflowDefinition{}, database.WrapError("query workflow definition", err)
	}

	steps, err := s.loadSteps(ctx, def.ID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.Steps = steps
	return def, nil
}

// List returns definitions matching the filters, newest version first.
func (s *PgStore) List(ctx context.Context, filters Filters) ([]model.WorkflowDefinition, error) {
	query := selectDefinition + ` WHERE 1 = 1`
	var args []any
	argIdx := 1

	if filters.FlowName != "" {
		query += fmt.Sprintf(" AND flow_name = $%d", argIdx)
		args = append(args, filters.FlowName)
		argIdx++
	}
	if filters.Model != "" {
		query += fmt.Sprintf(" AND model = $%d", argIdx)
		args = append(args, filters.Model)
		argIdx++
	}
	if filters.Version > 0 {
		query += fmt.Sprintf(" AND version = $%d", argIdx)
		args = append(args, filters.Version)
		argIdx++
	}

	query += " ORDER BY flow_name ASC, version DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.WrapError("query workflow definitions", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, database.WrapError("scan workflow definition", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, database.WrapError("iterate workflow definitions", err)
	}

	for i := range defs {
		steps, err := s.loadSteps(ctx, defs[i].ID)
		if err != nil {
			return nil, err
		}
		defs[i].Steps = steps
	}
	return defs, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) loadSteps(ctx context.Context, defID string) ([]model.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, definition_id, step_order, code, name,
		       sla_hours, action_kind, callback, max_notifications
		FROM workflow_steps
		WHERE definition_id = $1
		ORDER BY step_order ASC`,
		defID,
	)
	if err != nil {
		return nil, database.WrapError("query workflow steps", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var step model.Step
		var cbJSON []byte
		if err := rows.Scan(
			&step.ID, &step.DefinitionID, &step.Order, &step.Code, &step.Name,
			&step.SLAHours, &step.Action.Kind, &cbJSON, &step.MaxNotifications,
		); err != nil {
			return nil, database.WrapError("scan workflow step", err)
		}
		if step.Action.Callback, err = unmarshalCallback(cbJSON); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanDefinition(row pgx.Row) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var notifyJSON, autoJSON []byte
	if err := row.Scan(
		&def.ID, &def.FlowName, &def.Model, &def.Version, &def.PreviousVersionID,
		&def.GraceWindowMinutes, &notifyJSON, &autoJSON, &def.CreatedAt,
	); err != nil {
		return model.WorkflowDefinition{}, err
	}
	var err error
	if def.NotifyCallback, err = unmarshalCallback(notifyJSON); err != nil {
		return model.WorkflowDefinition{}, err
	}
	if def.AutoApproveCallback, err = unmarshalCallback(autoJSON); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

func marshalCallback(cb *model.CallbackConfig) ([]byte, error) {
	if cb == nil {
		return nil, nil
	}
	data, err := json.Marshal(cb)
	if err != nil {
		return nil, fmt.Errorf("marshal callback: %w", err)
	}
	return data, nil
}

func unmarshalCallback(data []byte) (*model.CallbackConfig, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cb model.CallbackConfig
	if err := json.Unmarshal(data, &cb); err != nil {
		return nil, fmt.Errorf("unmarshal callback: %w", err)
	}
	return &cb, nil
}
