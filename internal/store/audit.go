package store

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
)

// AppendAudit appends one audit entry. Entries are never updated or
// deleted.
func (s *Store) AppendAudit(ctx context.Context, e *pattern.AuditLogEntry) error {
	metadata := "{}"
	if e.Metadata != nil {
		metadata = marshalJSON(e.Metadata)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, suggestion_id, action, actor, reason, metadata, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.SuggestionID, string(e.Action), e.Actor, e.Reason, metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail for one suggestion, oldest first.
func (s *Store) ListAudit(ctx context.Context, suggestionID string) ([]*pattern.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, suggestion_id, action, actor, reason, metadata, created_at
		FROM audit_log WHERE suggestion_id = ? ORDER BY created_at ASC`, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var out []*pattern.AuditLogEntry
	for rows.Next() {
		var e pattern.AuditLogEntry
		var action, metadata string
		if err := rows.Scan(&e.ID, &e.SuggestionID, &action, &e.Actor,
			&e.Reason, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = pattern.AuditAction(action)
		unmarshalJSON(metadata, &e.Metadata)
		out = append(out, &e)
	}
	return out, rows.Err()
}
