package actionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/slatrack/internal/database"
	"github.com/pitabwire/slatrack/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL action log store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Append inserts entry.
func (s *PgStore) Append(ctx context.Context, entry model.ActionLogEntry) (model.ActionLogEntry, error) {
	entry = prepare(entry)

	var detailJSON []byte
	if entry.Detail != nil {
		var err error
		detailJSON, err = json.Marshal(entry.Detail)
		if err != nil {
			return model.ActionLogEntry{}, fmt.Errorf("marshal action log detail: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sla_action_logs (
			id, record_id, definition_id, step_id, step_code,
			user_id, actor_id, kind, outcome, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.RecordID, entry.DefinitionID, entry.StepID, entry.StepCode,
		entry.UserID, entry.ActorID, entry.Kind, entry.Outcome, detailJSON, entry.CreatedAt,
	)
	if err != nil {
		return model.ActionLogEntry{}, database.WrapError("insert action log entry", err)
	}
	return entry, nil
}

// List returns matching entries ordered by creation time.
func (s *PgStore) List(ctx context.Context, filter model.ActionLogFilter) ([]model.ActionLogEntry, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.RecordID != "" {
		if !database.IsID(filter.RecordID) {
			return nil, nil
		}
		add("record_id = $%d", filter.RecordID)
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	query := `
		SELECT id, record_id, definition_id, step_id, step_code,
		       user_id, actor_id, kind, outcome, detail, created_at
		FROM sla_action_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.WrapError("query action logs", err)
	}
	defer rows.Close()

	var entries []model.ActionLogEntry
	for rows.Next() {
		var e model.ActionLogEntry
		var detailJSON []byte
		if err := rows.Scan(
			&e.ID, &e.RecordID, &e.DefinitionID, &e.StepID, &e.StepCode,
			&e.UserID, &e.ActorID, &e.Kind, &e.Outcome, &detailJSON, &e.CreatedAt,
		); err != nil {
			return nil, database.WrapError("scan action log", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal action log detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, database.WrapError("iterate action logs", err)
	}
	return entries, nil
}

// CountViolations counts violation events per record in one grouped query.
// Auto-approve retries on one step collapse to a single event.
func (s *PgStore) CountViolations(ctx context.Context, recordIDs []string) (map[string]int, error) {
	counts := make(map[string]int)
	if len(recordIDs) == 0 {
		return counts, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT record_id::text,
			count(*) FILTER (WHERE kind = $2)
			+ count(DISTINCT step_id) FILTER (WHERE kind = $3)
		FROM sla_action_logs
		WHERE record_id::text = ANY($1) AND kind IN ($2, $3)
		GROUP BY record_id`,
		recordIDs, model.LogViolationNotify, model.LogViolationAutoApprove,
	)
	if err != nil {
		return nil, database.WrapError("count violations", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, database.WrapError("scan violation count", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, database.WrapError("iterate violation counts", err)
	}
	return counts, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
