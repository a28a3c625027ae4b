package backtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
	"github.com/fyrsmithlabs/noisegate/internal/rules"
)

type fakeStore struct {
	occurrences []pattern.Occurrence
	gotSince    time.Time
	gotLimit    int
}

func (f *fakeStore) RecentOccurrences(_ context.Context, since time.Time, limit int) ([]pattern.Occurrence, error) {
	f.gotSince = since
	f.gotLimit = limit
	return f.occurrences, nil
}

func occurrencesWithMessages(messages ...string) []pattern.Occurrence {
	out := make([]pattern.Occurrence, len(messages))
	for i, m := range messages {
		out[i] = pattern.Occurrence{
			Fingerprint: fmt.Sprintf("fp-%d", i),
			LogMessage:  m,
			Count:       1,
			LastSeen:    time.Now(),
		}
	}
	return out
}

func TestRun_ComputesMatchRate(t *testing.T) {
	store := &fakeStore{occurrences: occurrencesWithMessages(
		"upstream returned 429 Too Many Requests",
		"upstream returned 429 again",
		"null pointer dereference in handler",
		"disk full on /var",
	)}

	b, err := New(store, nil)
	require.NoError(t, err)

	rule := rules.MustCompile(rules.KindStatusCode, "429", "rate-limited")
	result, err := b.Run(context.Background(), "sg-1", rule)
	require.NoError(t, err)

	assert.Equal(t, "sg-1", result.SuggestionID)
	assert.Equal(t, 2, result.MatchCount)
	assert.Equal(t, 4, result.CorpusSize)
	assert.InDelta(t, 0.5, result.MatchRate, 0.001)
	assert.False(t, result.OverMatching)
	assert.Equal(t, []string{"fp-0", "fp-1"}, result.SampleFingerprints)
}

func TestRun_FlagsOverMatching(t *testing.T) {
	store := &fakeStore{occurrences: occurrencesWithMessages(
		"error: a", "error: b", "error: c", "error: d", "real failure e",
	)}

	b, err := New(store, nil)
	require.NoError(t, err)

	// Matches 4 of 5 (rate 0.8): not over-matching, the gate is strict >.
	rule := rules.MustCompile(rules.KindStartsWith, "error:", "noise")
	result, err := b.Run(context.Background(), "sg-1", rule)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, result.MatchRate, 0.001)
	assert.False(t, result.OverMatching)

	// Matches all 5 (rate 1.0): over-matching.
	broad := rules.MustCompile(rules.KindRegex, `.`, "noise")
	result, err = b.Run(context.Background(), "sg-2", broad)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.MatchRate, 0.001)
	assert.True(t, result.OverMatching)
}

func TestRun_EmptyCorpus(t *testing.T) {
	b, err := New(&fakeStore{}, nil)
	require.NoError(t, err)

	rule := rules.MustCompile(rules.KindContains, "timeout", "timeout")
	result, err := b.Run(context.Background(), "sg-1", rule)
	require.NoError(t, err)

	assert.Zero(t, result.MatchCount)
	assert.Zero(t, result.CorpusSize)
	assert.Zero(t, result.MatchRate)
	assert.False(t, result.OverMatching)
}

func TestRun_UsesLookbackAndLimit(t *testing.T) {
	store := &fakeStore{}
	fixed := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	b, err := New(store, nil,
		WithLookback(7*24*time.Hour),
		WithCorpusLimit(10000),
		WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	rule := rules.MustCompile(rules.KindContains, "timeout", "timeout")
	_, err = b.Run(context.Background(), "sg-1", rule)
	require.NoError(t, err)

	assert.Equal(t, fixed.AddDate(0, 0, -7), store.gotSince)
	assert.Equal(t, 10000, store.gotLimit)
}

func TestRun_CapsSampleFingerprints(t *testing.T) {
	var messages []string
	for i := 0; i < 50; i++ {
		messages = append(messages, "timeout while calling upstream")
	}
	store := &fakeStore{occurrences: occurrencesWithMessages(messages...)}

	b, err := New(store, nil)
	require.NoError(t, err)

	rule := rules.MustCompile(rules.KindContains, "timeout", "timeout")
	result, err := b.Run(context.Background(), "sg-1", rule)
	require.NoError(t, err)

	assert.Equal(t, 50, result.MatchCount)
	assert.Len(t, result.SampleFingerprints, 20)
}
