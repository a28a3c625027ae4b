package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
)

// UpsertOccurrence inserts or updates one error-occurrence record.
// Ingestion itself lives in an upstream collaborator; this entry point
// exists for imports and tests.
func (s *Store) UpsertOccurrence(ctx context.Context, o *pattern.Occurrence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_occurrences
			(fingerprint, exception_message, log_message, service, count, last_seen, category)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			exception_message=excluded.exception_message,
			log_message=excluded.log_message,
			service=excluded.service,
			count=excluded.count,
			last_seen=excluded.last_seen,
			category=excluded.category`,
		o.Fingerprint, o.ExceptionMessage, o.LogMessage, o.Service,
		o.Count, o.LastSeen.UTC(), o.Category)
	if err != nil {
		return fmt.Errorf("upserting occurrence: %w", err)
	}
	return nil
}

// ListUncategorized returns up to limit open, uncategorized occurrences
// with at least minCount occurrences, most frequent first. This is the
// discovery corpus.
func (s *Store) ListUncategorized(ctx context.Context, limit int, minCount int64) ([]pattern.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, exception_message, log_message, service, count, last_seen, category
		FROM error_occurrences
		WHERE category = '' AND count >= ?
		ORDER BY count DESC
		LIMIT ?`, minCount, limit)
	if err != nil {
		return nil, fmt.Errorf("listing uncategorized occurrences: %w", err)
	}
	defer rows.Close()
	return scanOccurrences(rows)
}

// RecentOccurrences returns up to limit occurrences seen since the given
// time, most frequent first. This is the backtest corpus.
func (s *Store) RecentOccurrences(ctx context.Context, since time.Time, limit int) ([]pattern.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, exception_message, log_message, service, count, last_seen, category
		FROM error_occurrences
		WHERE last_seen >= ?
		ORDER BY count DESC
		LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent occurrences: %w", err)
	}
	defer rows.Close()
	return scanOccurrences(rows)
}

func scanOccurrences(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]pattern.Occurrence, error) {
	var out []pattern.Occurrence
	for rows.Next() {
		var o pattern.Occurrence
		if err := rows.Scan(&o.Fingerprint, &o.ExceptionMessage, &o.LogMessage,
			&o.Service, &o.Count, &o.LastSeen, &o.Category); err != nil {
			return nil, fmt.Errorf("scanning occurrence: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
