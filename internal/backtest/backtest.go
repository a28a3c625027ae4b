// Package backtest replays candidate rules against a historical error
// window to measure how much of the corpus they match.
//
// A rule matching more than the over-match threshold of the corpus is too
// broad: it would likely also suppress real errors. Over-matching is a hard
// gate on approval, not a confidence downgrade.
package backtest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
	"github.com/fyrsmithlabs/noisegate/internal/rules"
)

const (
	// DefaultLookback is the historical window replayed per backtest.
	DefaultLookback = 7 * 24 * time.Hour

	// DefaultCorpusLimit caps the records replayed per backtest.
	DefaultCorpusLimit = 10000

	// DefaultOverMatchRate is the match-rate threshold above which a
	// rule is flagged over-matching.
	DefaultOverMatchRate = 0.8

	// maxSampleFingerprints caps the matched-fingerprint sample kept on
	// a result.
	maxSampleFingerprints = 20
)

// Store is the slice of the system of record the backtester needs.
type Store interface {
	RecentOccurrences(ctx context.Context, since time.Time, limit int) ([]pattern.Occurrence, error)
}

// Backtester replays rules over historical occurrences.
type Backtester struct {
	store         Store
	logger        *zap.Logger
	lookback      time.Duration
	corpusLimit   int
	overMatchRate float64
	now           func() time.Time
}

// Option configures a Backtester.
type Option func(*Backtester)

// WithLookback overrides the historical window.
func WithLookback(d time.Duration) Option {
	return func(b *Backtester) { b.lookback = d }
}

// WithCorpusLimit overrides the replay cap.
func WithCorpusLimit(n int) Option {
	return func(b *Backtester) { b.corpusLimit = n }
}

// WithOverMatchRate overrides the over-matching threshold.
func WithOverMatchRate(rate float64) Option {
	return func(b *Backtester) { b.overMatchRate = rate }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Backtester) { b.now = now }
}

// New creates a Backtester over the given store.
func New(store Store, logger *zap.Logger, opts ...Option) (*Backtester, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Backtester{
		store:         store,
		logger:        logger,
		lookback:      DefaultLookback,
		corpusLimit:   DefaultCorpusLimit,
		overMatchRate: DefaultOverMatchRate,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Run replays the rule against the lookback window and returns an
// immutable measurement. Results are superseded by re-running, never
// mutated.
func (b *Backtester) Run(ctx context.Context, suggestionID string, rule *rules.Rule) (*pattern.BacktestResult, error) {
	since := b.now().Add(-b.lookback)
	corpus, err := b.store.RecentOccurrences(ctx, since, b.corpusLimit)
	if err != nil {
		return nil, fmt.Errorf("loading backtest corpus: %w", err)
	}

	result := &pattern.BacktestResult{
		SuggestionID: suggestionID,
		CorpusSize:   len(corpus),
		RanAt:        b.now().UTC(),
	}

	for i := range corpus {
		occ := &corpus[i]
		if !rule.Matches(occ.Message()) {
			continue
		}
		result.MatchCount++
		if len(result.SampleFingerprints) < maxSampleFingerprints {
			result.SampleFingerprints = append(result.SampleFingerprints, occ.Fingerprint)
		}
	}

	if result.CorpusSize > 0 {
		result.MatchRate = float64(result.MatchCount) / float64(result.CorpusSize)
	}
	result.OverMatching = result.MatchRate > b.overMatchRate

	b.logger.Debug("backtest complete",
		zap.String("suggestion_id", suggestionID),
		zap.Int("match_count", result.MatchCount),
		zap.Int("corpus_size", result.CorpusSize),
		zap.Float64("match_rate", result.MatchRate),
		zap.Bool("over_matching", result.OverMatching))

	return result, nil
}
