package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
	"github.com/fyrsmithlabs/noisegate/internal/rules"
)

const suggestionColumns = `id, kind, value, category, scope, confidence, reasoning,
	sample_messages, cluster_hash, status, reviewed_by, reviewed_at, review_reason,
	backtest, shadow_start, shadow_end, shadow_matches, shadow_match_days,
	shadow_services, shadow_first_match, shadow_last_match,
	enabled_at, disabled_at, last_matched_at, match_count, protected, source,
	review_context, created_at, updated_at`

// InsertSuggestion persists a new suggestion. Returns
// pattern.ErrDuplicateRule if an active suggestion (pending, shadow, or
// approved) already carries the same (kind, value) pair; this is what makes
// repeated discovery runs idempotent.
func (s *Store) InsertSuggestion(ctx context.Context, sg *pattern.Suggestion) error {
	dup, err := s.activeRuleExists(ctx, sg.Rule.Kind, sg.Rule.Value)
	if err != nil {
		return err
	}
	if dup {
		return pattern.ErrDuplicateRule
	}

	samples := marshalJSON(sg.SampleMessages)
	days := marshalJSON(sg.ShadowMatchDays)
	services := marshalJSON(sg.ShadowServices)
	backtest := marshalNullable(sg.Backtest)
	review := marshalNullable(sg.Review)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pattern_suggestions (`+suggestionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sg.ID, string(sg.Rule.Kind), sg.Rule.Value, sg.Rule.Category, sg.Rule.Scope,
		sg.Confidence, sg.Reasoning, samples, sg.ClusterHash, string(sg.Status),
		sg.ReviewedBy, sg.ReviewedAt, sg.ReviewReason, backtest,
		sg.ShadowStart, sg.ShadowEnd, sg.ShadowMatches, days,
		services, sg.ShadowFirstMatch, sg.ShadowLastMatch,
		sg.EnabledAt, sg.DisabledAt, sg.LastMatchedAt, sg.MatchCount,
		boolToInt(sg.Protected), string(sg.Source), review,
		sg.CreatedAt, sg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting suggestion: %w", err)
	}
	return nil
}

// GetSuggestion fetches one suggestion by id.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*pattern.Suggestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM pattern_suggestions WHERE id = ?`, id)
	sg, err := scanSuggestion(row)
	if err == sql.ErrNoRows {
		return nil, pattern.ErrSuggestionNotFound
	}
	return sg, err
}

// ListByStatus returns suggestions in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status pattern.Status) ([]*pattern.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+suggestionColumns+` FROM pattern_suggestions
		WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing suggestions: %w", err)
	}
	defer rows.Close()
	return scanSuggestions(rows)
}

// ListApproved returns approved suggestions in insertion (approval) order.
// The runtime classifier's first-match-wins ordering derives from this.
func (s *Store) ListApproved(ctx context.Context) ([]*pattern.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+suggestionColumns+` FROM pattern_suggestions
		WHERE status = ? ORDER BY enabled_at ASC, created_at ASC`,
		string(pattern.StatusApproved))
	if err != nil {
		return nil, fmt.Errorf("listing approved suggestions: %w", err)
	}
	defer rows.Close()
	return scanSuggestions(rows)
}

// UpdateIfStatus writes the full suggestion row, but only if the stored
// status still equals expected. Returns pattern.ErrStatusConflict when
// another writer transitioned the suggestion first. This compare-and-swap
// keeps overlapping evaluation runs safe without locks.
func (s *Store) UpdateIfStatus(ctx context.Context, sg *pattern.Suggestion, expected pattern.Status) error {
	sg.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE pattern_suggestions SET
			kind=?, value=?, category=?, scope=?, confidence=?, reasoning=?,
			sample_messages=?, cluster_hash=?, status=?, reviewed_by=?,
			reviewed_at=?, review_reason=?, backtest=?, shadow_start=?,
			shadow_end=?, shadow_matches=?, shadow_match_days=?,
			shadow_services=?, shadow_first_match=?, shadow_last_match=?,
			enabled_at=?, disabled_at=?, last_matched_at=?, match_count=?,
			protected=?, source=?, review_context=?, updated_at=?
		WHERE id = ? AND status = ?`,
		string(sg.Rule.Kind), sg.Rule.Value, sg.Rule.Category, sg.Rule.Scope,
		sg.Confidence, sg.Reasoning, marshalJSON(sg.SampleMessages),
		sg.ClusterHash, string(sg.Status), sg.ReviewedBy, sg.ReviewedAt,
		sg.ReviewReason, marshalNullable(sg.Backtest), sg.ShadowStart,
		sg.ShadowEnd, sg.ShadowMatches, marshalJSON(sg.ShadowMatchDays),
		marshalJSON(sg.ShadowServices), sg.ShadowFirstMatch, sg.ShadowLastMatch,
		sg.EnabledAt, sg.DisabledAt, sg.LastMatchedAt, sg.MatchCount,
		boolToInt(sg.Protected), string(sg.Source), marshalNullable(sg.Review),
		sg.UpdatedAt, sg.ID, string(expected))
	if err != nil {
		return fmt.Errorf("updating suggestion: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return pattern.ErrStatusConflict
	}
	return nil
}

// RecordShadowMatch increments the shadow counter, adds the match's UTC
// calendar day to the deduplicated day set, tallies the service, and
// advances the first/last-match bounds. Only shadow suggestions accumulate
// evidence.
//
// The read and write run in one transaction: concurrent recorders (one
// goroutine per shadow match in the classifier) serialize instead of
// overwriting each other's counters.
func (s *Store) RecordShadowMatch(ctx context.Context, id, service string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recording shadow match: %w", err)
	}
	defer tx.Rollback()

	var (
		status         string
		matches        int64
		days, services string
		first, last    *time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, shadow_matches, shadow_match_days, shadow_services,
		       shadow_first_match, shadow_last_match
		FROM pattern_suggestions WHERE id = ?`, id).
		Scan(&status, &matches, &days, &services, &first, &last)
	if err == sql.ErrNoRows {
		return pattern.ErrSuggestionNotFound
	}
	if err != nil {
		return fmt.Errorf("recording shadow match: %w", err)
	}
	if pattern.Status(status) != pattern.StatusShadow {
		return nil
	}

	var matchDays []string
	unmarshalJSON(days, &matchDays)
	var byService map[string]int64
	unmarshalJSON(services, &byService)

	at = at.UTC()
	day := at.Format("2006-01-02")

	matches++
	if !containsString(matchDays, day) {
		matchDays = append(matchDays, day)
	}
	if service != "" {
		if byService == nil {
			byService = make(map[string]int64)
		}
		byService[service]++
	}
	if first == nil || at.Before(*first) {
		first = &at
	}
	if last == nil || at.After(*last) {
		last = &at
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pattern_suggestions
		SET shadow_matches=?, shadow_match_days=?, shadow_services=?,
		    shadow_first_match=?, shadow_last_match=?, updated_at=?
		WHERE id=?`,
		matches, marshalJSON(matchDays), marshalJSON(byService),
		first, last, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("recording shadow match: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recording shadow match: %w", err)
	}
	return nil
}

// RecordLiveMatch bumps the cumulative counter and last-matched time for
// an approved rule.
func (s *Store) RecordLiveMatch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pattern_suggestions
		SET match_count = match_count + 1, last_matched_at=?, updated_at=?
		WHERE id=?`, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("recording live match: %w", err)
	}
	return nil
}

// CountsByStatus returns the number of suggestions per status.
func (s *Store) CountsByStatus(ctx context.Context) (map[pattern.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pattern_suggestions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting suggestions: %w", err)
	}
	defer rows.Close()

	counts := make(map[pattern.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[pattern.Status(status)] = n
	}
	return counts, rows.Err()
}

// Stats aggregates operator-facing statistics.
type Stats struct {
	ByStatus     map[pattern.Status]int `json:"by_status"`
	TotalMatches int64                  `json:"total_matches"`
	Categories   []string               `json:"categories"`
}

// AggregateStats returns counts per status, cumulative live matches, and
// the distinct categories of approved rules.
func (s *Store) AggregateStats(ctx context.Context) (*Stats, error) {
	byStatus, err := s.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(match_count) FROM pattern_suggestions`).Scan(&total); err != nil {
		return nil, fmt.Errorf("summing matches: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT category FROM pattern_suggestions
		WHERE status = ? ORDER BY category`, string(pattern.StatusApproved))
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		categories = append(categories, c)
	}

	return &Stats{
		ByStatus:     byStatus,
		TotalMatches: total.Int64,
		Categories:   categories,
	}, rows.Err()
}

func (s *Store) activeRuleExists(ctx context.Context, kind rules.Kind, value string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pattern_suggestions
		WHERE kind = ? AND value = ? AND status IN (?,?,?)`,
		string(kind), value,
		string(pattern.StatusPending), string(pattern.StatusShadow),
		string(pattern.StatusApproved)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking duplicate rule: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row rowScanner) (*pattern.Suggestion, error) {
	var sg pattern.Suggestion
	var kind, source, status string
	var samples, days, services string
	var backtest, review sql.NullString
	var protected int

	err := row.Scan(
		&sg.ID, &kind, &sg.Rule.Value, &sg.Rule.Category, &sg.Rule.Scope,
		&sg.Confidence, &sg.Reasoning, &samples, &sg.ClusterHash, &status,
		&sg.ReviewedBy, &sg.ReviewedAt, &sg.ReviewReason, &backtest,
		&sg.ShadowStart, &sg.ShadowEnd, &sg.ShadowMatches, &days,
		&services, &sg.ShadowFirstMatch, &sg.ShadowLastMatch,
		&sg.EnabledAt, &sg.DisabledAt, &sg.LastMatchedAt, &sg.MatchCount,
		&protected, &source, &review, &sg.CreatedAt, &sg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sg.Rule.ID = sg.ID
	sg.Rule.Kind = rules.Kind(kind)
	sg.Status = pattern.Status(status)
	sg.Source = pattern.Source(source)
	sg.Protected = protected != 0

	unmarshalJSON(samples, &sg.SampleMessages)
	unmarshalJSON(days, &sg.ShadowMatchDays)
	unmarshalJSON(services, &sg.ShadowServices)
	if backtest.Valid {
		unmarshalJSON(backtest.String, &sg.Backtest)
	}
	if review.Valid {
		unmarshalJSON(review.String, &sg.Review)
	}
	return &sg, nil
}

func scanSuggestions(rows *sql.Rows) ([]*pattern.Suggestion, error) {
	var out []*pattern.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning suggestion: %w", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func marshalNullable(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	switch t := v.(type) {
	case *pattern.BacktestResult:
		if t == nil {
			return sql.NullString{}
		}
	case *pattern.ReviewContext:
		if t == nil {
			return sql.NullString{}
		}
	}
	return sql.NullString{String: marshalJSON(v), Valid: true}
}

func unmarshalJSON(s string, v any) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), v)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
