package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gate-event-core/internal/types"
)

// auditRow is the stored form of an audit entry; detail is JSON text
type auditRow struct {
	ID         string    `db:"id"`
	Actor      string    `db:"actor"`
	Action     string    `db:"action"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Detail     string    `db:"detail"`
	SourceIP   string    `db:"source_ip"`
	CreatedAt  time.Time `db:"created_at"`
}

// AppendAudit inserts one audit row. Audit rows are never updated or deleted.
func (q queries) AppendAudit(ctx context.Context, entry *types.AuditLogEntry) error {
	detail := []byte("{}")
	if len(entry.Detail) > 0 {
		var err error
		detail, err = json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
	}

	_, err := q.exec(ctx, `
		INSERT INTO audit_log (id, actor, action, entity_type, entity_id, detail, source_ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Actor,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		string(detail),
		entry.SourceIP,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return types.NewPersistenceError("append audit", err)
	}
	return nil
}

// ListAudit returns audit entries matching filter, newest first
func (q queries) ListAudit(ctx context.Context, filter AuditFilter) ([]types.AuditLogEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT id, actor, action, entity_type, entity_id, detail, source_ip, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit))

	var rows []auditRow
	if err := q.list(ctx, &rows, query, args...); err != nil {
		return nil, types.NewPersistenceError("list audit", err)
	}

	entries := make([]types.AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		entry := types.AuditLogEntry{
			ID:         r.ID,
			Actor:      r.Actor,
			Action:     r.Action,
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			SourceIP:   r.SourceIP,
			CreatedAt:  r.CreatedAt,
		}
		if r.Detail != "" && r.Detail != "{}" {
			if err := json.Unmarshal([]byte(r.Detail), &entry.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail %s: %w", r.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
