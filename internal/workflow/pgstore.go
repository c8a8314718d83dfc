package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/slatrack/internal/database"
	"github.com/pitabwire/slatrack/model"
)

const recordColumns = `
	id, definition_id, model, business_record_id, activity_id, owner_id,
	state, current_step_id, current_step_code, current_step_order, current_step_sla,
	step_started_at, remaining_hours::text, approval_payload, approved_at,
	next_due_at, notify_count, history, version, created_at, updated_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL record store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new record.
func (s *PgStore) Create(ctx context.Context, rec model.Record) error {
	payloadJSON, historyJSON, err := marshalRecordJSON(rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sla_records (
			id, definition_id, model, business_record_id, activity_id, owner_id,
			state, current_step_id, current_step_code, current_step_order, current_step_sla,
			step_started_at, remaining_hours, approval_payload, approved_at,
			next_due_at, notify_count, history, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13::numeric, $14, $15,
			$16, $17, $18, $19, $20, $21
		)`,
		rec.ID, rec.DefinitionID, rec.Model, rec.BusinessRecordID, rec.ActivityID, rec.OwnerID,
		rec.State, rec.CurrentStepID, rec.CurrentStepCode, rec.CurrentStepOrder, rec.CurrentStepSLA,
		rec.StepStartedAt, rec.RemainingHours.StringFixed(model.HoursPrecision), payloadJSON, rec.ApprovedAt,
		rec.NextDueAt, rec.NotifyCount, historyJSON, rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return database.WrapError("insert record", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Record, error) {
	if !database.IsID(id) {
		return model.Record{}, model.NewNotFoundError(fmt.Sprintf("record %q not found", id))
	}
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM sla_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, model.NewNotFoundError(fmt.Sprintf("record %q not found", id))
	}
	if err != nil {
		return model.Record{}, database.WrapError("query record", err)
	}
	return rec, nil
}

// Update persists rec with optimistic locking.
func (s *PgStore) Update(ctx context.Context, rec model.Record) error {
	payloadJSON, historyJSON, err := marshalRecordJSON(rec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sla_records SET
			state = $1,
			current_step_id = $2,
			current_step_code = $3,
			current_step_order = $4,
			current_step_sla = $5,
			step_started_at = $6,
			remaining_hours = $7::numeric,
			approval_payload = $8,
			approved_at = $9,
			next_due_at = $10,
			notify_count = $11,
			history = $12,
			version = version + 1,
			updated_at = $13
		WHERE id = $14 AND version = $15`,
		rec.State, rec.CurrentStepID, rec.CurrentStepCode, rec.CurrentStepOrder, rec.CurrentStepSLA,
		rec.StepStartedAt, rec.RemainingHours.StringFixed(model.HoursPrecision), payloadJSON,
		rec.ApprovedAt, rec.NextDueAt, rec.NotifyCount, historyJSON,
		rec.UpdatedAt, rec.ID, rec.Version,
	)
	if err != nil {
		return database.WrapError("update record", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, rec.ID); err != nil {
			return err
		}
		return model.NewConcurrentModificationError(
			fmt.Sprintf("record %q version conflict (expected %d)", rec.ID, rec.Version),
		)
	}
	return nil
}

// FindDue returns due pending records, oldest deadline first.
func (s *PgStore) FindDue(ctx context.Context, now time.Time, limit int) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM sla_records
		WHERE state = 'pending' AND next_due_at <= $1
		ORDER BY next_due_at, id`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryRecords(ctx, "query due records", query, args...)
}

// List returns records matching filters.
func (s *PgStore) List(ctx context.Context, filters model.RecordFilters) ([]model.Record, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filters.DefinitionID != "" {
		if !database.IsID(filters.DefinitionID) {
			return nil, nil
		}
		add("definition_id = $%d", filters.DefinitionID)
	}
	if filters.Model != "" {
		add("model = $%d", filters.Model)
	}
	if filters.State != "" {
		add("state = $%d", filters.State)
	}
	if filters.OwnerID != "" {
		add("owner_id = $%d", filters.OwnerID)
	}
	if filters.CreatedSince != nil {
		add("created_at >= $%d", *filters.CreatedSince)
	}

	query := `SELECT ` + recordColumns + ` FROM sla_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryRecords(ctx, "list records", query, args...)
}

// RefreshRemaining recomputes remaining hours of pending records in one
// statement.
func (s *PgStore) RefreshRemaining(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sla_records SET remaining_hours = GREATEST(0, ROUND(
			(EXTRACT(EPOCH FROM (step_started_at + make_interval(hours => current_step_sla) - $1::timestamptz)) / 3600)::numeric,
			2))
		WHERE state = 'pending'`,
		now,
	)
	if err != nil {
		return 0, database.WrapError("refresh remaining hours", err)
	}
	return int(tag.RowsAffected()), nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.WrapError(op, err)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, database.WrapError("scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, database.WrapError(op, err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (model.Record, error) {
	var rec model.Record
	var remaining string
	var stepID *string
	var payloadJSON, historyJSON []byte

	err := row.Scan(
		&rec.ID, &rec.DefinitionID, &rec.Model, &rec.BusinessRecordID, &rec.ActivityID, &rec.OwnerID,
		&rec.State, &stepID, &rec.CurrentStepCode, &rec.CurrentStepOrder, &rec.CurrentStepSLA,
		&rec.StepStartedAt, &remaining, &payloadJSON, &rec.ApprovedAt,
		&rec.NextDueAt, &rec.NotifyCount, &historyJSON, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return model.Record{}, err
	}
	if stepID != nil {
		rec.CurrentStepID = *stepID
	}

	rec.RemainingHours, err = decimal.NewFromString(remaining)
	if err != nil {
		return model.Record{}, fmt.Errorf("parse remaining hours %q: %w", remaining, err)
	}
	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &rec.ApprovalPayload); err != nil {
			return model.Record{}, fmt.Errorf("unmarshal approval payload: %w", err)
		}
	}
	if historyJSON != nil {
		if err := json.Unmarshal(historyJSON, &rec.History); err != nil {
			return model.Record{}, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return rec, nil
}

func marshalRecordJSON(rec model.Record) (payload, history []byte, err error) {
	if rec.ApprovalPayload != nil {
		payload, err = json.Marshal(rec.ApprovalPayload)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal approval payload: %w", err)
		}
	}
	h := rec.History
	if h == nil {
		h = []model.StepApproval{}
	}
	history, err = json.Marshal(h)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	return payload, history, nil
}
