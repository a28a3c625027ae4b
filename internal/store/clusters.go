package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
)

// UpsertCluster records discovery-run bookkeeping for one cluster, keyed
// by the normalized-message hash. Re-running discovery over an unchanged
// corpus updates rows in place rather than creating duplicates.
func (s *Store) UpsertCluster(ctx context.Context, c *pattern.ErrorCluster) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_clusters
			(hash, representative, normalized, occurrence_count, fingerprint_count,
			 sample_messages, services, first_seen, last_seen, status)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(hash) DO UPDATE SET
			representative=excluded.representative,
			occurrence_count=excluded.occurrence_count,
			fingerprint_count=excluded.fingerprint_count,
			sample_messages=excluded.sample_messages,
			services=excluded.services,
			first_seen=excluded.first_seen,
			last_seen=excluded.last_seen,
			status=excluded.status`,
		c.Hash, c.Representative, c.Normalized, c.OccurrenceCount,
		c.FingerprintCount, marshalJSON(c.SampleMessages), marshalJSON(c.Services),
		c.FirstSeen.UTC(), c.LastSeen.UTC(), string(c.Status))
	if err != nil {
		return fmt.Errorf("upserting cluster: %w", err)
	}
	return nil
}

// GetCluster fetches one cluster by hash, or nil when absent.
func (s *Store) GetCluster(ctx context.Context, hash string) (*pattern.ErrorCluster, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, representative, normalized, occurrence_count, fingerprint_count,
		       sample_messages, services, first_seen, last_seen, status
		FROM error_clusters WHERE hash = ?`, hash)

	var c pattern.ErrorCluster
	var samples, services, status string
	err := row.Scan(&c.Hash, &c.Representative, &c.Normalized, &c.OccurrenceCount,
		&c.FingerprintCount, &samples, &services, &c.FirstSeen, &c.LastSeen, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting cluster: %w", err)
	}
	c.Status = pattern.ClusterStatus(status)
	unmarshalJSON(samples, &c.SampleMessages)
	unmarshalJSON(services, &c.Services)
	return &c, nil
}
