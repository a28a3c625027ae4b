package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
	"github.com/fyrsmithlabs/noisegate/internal/rules"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "noisegate.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSuggestion(t *testing.T, kind rules.Kind, value, category string) *pattern.Suggestion {
	t.Helper()
	rule, err := rules.Compile(kind, value, category)
	require.NoError(t, err)
	sg, err := pattern.NewSuggestion(*rule, 0.8, pattern.SourceOracle)
	require.NoError(t, err)
	return sg
}

func TestInsertAndGetSuggestion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg := newTestSuggestion(t, rules.KindContains, "quota exceeded", "quota-exhausted")
	sg.SampleMessages = []string{"Daily quota exceeded for API"}
	require.NoError(t, s.InsertSuggestion(ctx, sg))

	got, err := s.GetSuggestion(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, sg.ID, got.ID)
	assert.Equal(t, rules.KindContains, got.Rule.Kind)
	assert.Equal(t, "quota exceeded", got.Rule.Value)
	assert.Equal(t, pattern.StatusPending, got.Status)
	assert.Equal(t, []string{"Daily quota exceeded for API"}, got.SampleMessages)
	assert.Equal(t, sg.ID, got.Rule.ID)
}

func TestGetSuggestion_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSuggestion(context.Background(), "missing")
	assert.ErrorIs(t, err, pattern.ErrSuggestionNotFound)
}

func TestInsertSuggestion_DuplicateActiveRule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestSuggestion(t, rules.KindStatusCode, "429", "rate-limited")
	require.NoError(t, s.InsertSuggestion(ctx, first))

	dup := newTestSuggestion(t, rules.KindStatusCode, "429", "rate-limited")
	assert.ErrorIs(t, s.InsertSuggestion(ctx, dup), pattern.ErrDuplicateRule)

	// A rejected suggestion does not block re-discovery of the same rule.
	first.Status = pattern.StatusRejected
	require.NoError(t, s.UpdateIfStatus(ctx, first, pattern.StatusPending))
	assert.NoError(t, s.InsertSuggestion(ctx, dup))
}

func TestUpdateIfStatus_Conflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg := newTestSuggestion(t, rules.KindContains, "timeout", "timeout")
	require.NoError(t, s.InsertSuggestion(ctx, sg))

	sg.Status = pattern.StatusShadow
	require.NoError(t, s.UpdateIfStatus(ctx, sg, pattern.StatusPending))

	// A second writer still holding the pending view loses the race.
	stale := *sg
	stale.Status = pattern.StatusRejected
	err := s.UpdateIfStatus(ctx, &stale, pattern.StatusPending)
	assert.ErrorIs(t, err, pattern.ErrStatusConflict)
}

func TestRecordShadowMatch_DeduplicatesDays(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg := newTestSuggestion(t, rules.KindContains, "rate limit", "rate-limited")
	sg.Status = pattern.StatusShadow
	require.NoError(t, s.InsertSuggestion(ctx, sg))

	day1 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	day1Later := time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordShadowMatch(ctx, sg.ID, "api", day1))
	require.NoError(t, s.RecordShadowMatch(ctx, sg.ID, "api", day1Later))
	require.NoError(t, s.RecordShadowMatch(ctx, sg.ID, "worker", day2))

	got, err := s.GetSuggestion(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ShadowMatches)
	assert.ElementsMatch(t, []string{"2026-08-30", "2026-08-31"}, got.ShadowMatchDays)
	assert.Equal(t, map[string]int64{"api": 2, "worker": 1}, got.ShadowServices)
	require.NotNil(t, got.ShadowFirstMatch)
	require.NotNil(t, got.ShadowLastMatch)
	assert.Equal(t, day1, got.ShadowFirstMatch.UTC())
	assert.Equal(t, day2, got.ShadowLastMatch.UTC())
}

func TestRecordShadowMatch_ConcurrentRecorders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg := newTestSuggestion(t, rules.KindStatusCode, "429", "rate-limited")
	sg.Status = pattern.StatusShadow
	require.NoError(t, s.InsertSuggestion(ctx, sg))

	// The classifier records each shadow match from its own goroutine, so
	// increments must not be lost to interleaved read-modify-write cycles.
	const writers = 50
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.RecordShadowMatch(ctx, sg.ID, "api", at.Add(time.Duration(i)*time.Minute))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetSuggestion(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), got.ShadowMatches)
	assert.Equal(t, map[string]int64{"api": int64(writers)}, got.ShadowServices)
	assert.Equal(t, []string{"2026-08-30"}, got.ShadowMatchDays)
}

func TestRecordShadowMatch_IgnoresNonShadow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg := newTestSuggestion(t, rules.KindContains, "oom", "resources")
	require.NoError(t, s.InsertSuggestion(ctx, sg))

	require.NoError(t, s.RecordShadowMatch(ctx, sg.ID, "api", time.Now()))

	got, err := s.GetSuggestion(ctx, sg.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ShadowMatches)
}

func TestOccurrences_ListUncategorized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	occurrences := []pattern.Occurrence{
		{Fingerprint: "f1", LogMessage: "timeout connecting to db", Service: "api", Count: 50, LastSeen: now},
		{Fingerprint: "f2", ExceptionMessage: "quota exceeded", Service: "worker", Count: 10, LastSeen: now},
		{Fingerprint: "f3", LogMessage: "categorized already", Count: 99, LastSeen: now, Category: "rate-limited"},
		{Fingerprint: "f4", LogMessage: "rare error", Count: 1, LastSeen: now},
	}
	for i := range occurrences {
		require.NoError(t, s.UpsertOccurrence(ctx, &occurrences[i]))
	}

	got, err := s.ListUncategorized(ctx, 500, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Most frequent first.
	assert.Equal(t, "f1", got[0].Fingerprint)
	assert.Equal(t, "f2", got[1].Fingerprint)
}

func TestOccurrences_RecentWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertOccurrence(ctx, &pattern.Occurrence{
		Fingerprint: "old", LogMessage: "ancient failure", Count: 5, LastSeen: now.AddDate(0, 0, -30),
	}))
	require.NoError(t, s.UpsertOccurrence(ctx, &pattern.Occurrence{
		Fingerprint: "new", LogMessage: "fresh failure", Count: 5, LastSeen: now,
	}))

	got, err := s.RecentOccurrences(ctx, now.AddDate(0, 0, -7), 10000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Fingerprint)
}

func TestAuditAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1 := pattern.NewAuditEntry("sg-1", pattern.AuditCreated, "system:discovery", "new suggestion from cluster")
	e2 := pattern.NewAuditEntry("sg-1", pattern.AuditShadowStarted, "system:lifecycle", "entered shadow")
	e2.Metadata = map[string]any{"window_days": 7}
	require.NoError(t, s.AppendAudit(ctx, e1))
	require.NoError(t, s.AppendAudit(ctx, e2))

	entries, err := s.ListAudit(ctx, "sg-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, pattern.AuditCreated, entries[0].Action)
	assert.Equal(t, pattern.AuditShadowStarted, entries[1].Action)
	assert.EqualValues(t, 7, entries[1].Metadata["window_days"])
}

func TestUpsertCluster_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	c := &pattern.ErrorCluster{
		Hash:             "abc123",
		Representative:   "timeout connecting to db",
		Normalized:       "timeout connecting to db",
		OccurrenceCount:  10,
		FingerprintCount: 2,
		FirstSeen:        now.Add(-time.Hour),
		LastSeen:         now,
		Status:           pattern.ClusterPending,
	}
	require.NoError(t, s.UpsertCluster(ctx, c))

	c.OccurrenceCount = 25
	c.Status = pattern.ClusterSuggested
	require.NoError(t, s.UpsertCluster(ctx, c))

	got, err := s.GetCluster(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 25, got.OccurrenceCount)
	assert.Equal(t, pattern.ClusterSuggested, got.Status)
}

func TestAggregateStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	approved := newTestSuggestion(t, rules.KindStatusCode, "429", "rate-limited")
	approved.Status = pattern.StatusApproved
	approved.MatchCount = 12
	require.NoError(t, s.InsertSuggestion(ctx, approved))

	pending := newTestSuggestion(t, rules.KindContains, "timeout", "timeout")
	require.NoError(t, s.InsertSuggestion(ctx, pending))

	stats, err := s.AggregateStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[pattern.StatusApproved])
	assert.Equal(t, 1, stats.ByStatus[pattern.StatusPending])
	assert.EqualValues(t, 12, stats.TotalMatches)
	assert.Equal(t, []string{"rate-limited"}, stats.Categories)
}
