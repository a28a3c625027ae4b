// Package classifier is the hot-path consumer of the approved rule set.
//
// Classification is first-match-wins across approved rules in insertion
// order. Rules are loaded from the shared cache with a short in-process
// memoization on top, falling back to the system of record on a cache
// miss. Shadow rules are evaluated against the same traffic without
// affecting the returned outcome; their matches feed the lifecycle
// manager's evidence counters asynchronously so the hot path never
// blocks on a store write.
package classifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/noisegate/internal/cache"
	"github.com/fyrsmithlabs/noisegate/internal/metrics"
	"github.com/fyrsmithlabs/noisegate/internal/pattern"
	"github.com/fyrsmithlabs/noisegate/internal/rules"
)

// DefaultMemoTTL bounds how long the in-process rule snapshot is served
// before re-reading the shared cache.
const DefaultMemoTTL = 5 * time.Minute

// recordTimeout bounds the background evidence writes.
const recordTimeout = 5 * time.Second

// RuleSource is the shared cache the classifier reads but never writes.
type RuleSource interface {
	GetRules() ([]cache.CachedRule, error)
}

// Store is the system-of-record fallback for cache misses, and the
// source of the shadow rule set.
type Store interface {
	ListApproved(ctx context.Context) ([]*pattern.Suggestion, error)
	ListByStatus(ctx context.Context, status pattern.Status) ([]*pattern.Suggestion, error)
}

// Recorder receives match evidence. Implemented by the lifecycle manager.
type Recorder interface {
	RecordShadowMatch(ctx context.Context, id, service string, at time.Time) error
	RecordLiveMatch(ctx context.Context, id string, at time.Time) error
}

// Result is one classification outcome. A zero Result means no approved
// rule matched and the message should fall back to standard deduplication.
type Result struct {
	Matched  bool   `json:"matched"`
	RuleID   string `json:"rule_id,omitempty"`
	Category string `json:"category,omitempty"`
}

// compiledRule pairs a recompiled matcher with its rule identity.
type compiledRule struct {
	id   string
	rule *rules.Rule
}

// snapshot is one memoized view of the live and shadow rule sets.
type snapshot struct {
	approved    []compiledRule
	shadow      []compiledRule
	refreshedAt time.Time
}

// Classifier classifies incoming error messages against the approved
// rule set. Safe for concurrent use.
type Classifier struct {
	source   RuleSource
	store    Store
	recorder Recorder
	logger   *zap.Logger
	memoTTL  time.Duration
	now      func() time.Time

	mu   sync.RWMutex
	snap *snapshot

	// wg tracks background evidence writes so Close can drain them.
	wg sync.WaitGroup
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithMemoTTL overrides the in-process memoization window.
func WithMemoTTL(ttl time.Duration) Option {
	return func(c *Classifier) { c.memoTTL = ttl }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// New creates a classifier. The recorder may be nil, in which case match
// evidence is not collected (useful for read-only tooling).
func New(source RuleSource, store Store, recorder Recorder, logger *zap.Logger, opts ...Option) (*Classifier, error) {
	if source == nil {
		return nil, errors.New("rule source cannot be nil")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Classifier{
		source:   source,
		store:    store,
		recorder: recorder,
		logger:   logger,
		memoTTL:  DefaultMemoTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify matches message against the approved rule set, first match
// wins. Rules scoped to a service only apply when the service matches.
// Shadow rules are evaluated against the same message as a side effect;
// they never influence the returned result.
func (c *Classifier) Classify(ctx context.Context, message, service string) (Result, error) {
	started := time.Now()
	snap, err := c.rules(ctx)
	if err != nil {
		return Result{}, err
	}

	result := Result{}
	for _, cr := range snap.approved {
		if !scopeAllows(cr.rule.Scope, service) {
			continue
		}
		if cr.rule.Matches(message) {
			result = Result{Matched: true, RuleID: cr.id, Category: cr.rule.Category}
			c.recordLive(cr.id)
			break
		}
	}

	// Dual-track shadow evaluation: gather evidence off the hot path.
	for _, cr := range snap.shadow {
		if !scopeAllows(cr.rule.Scope, service) {
			continue
		}
		if cr.rule.Matches(message) {
			metrics.ShadowMatchesTotal.Inc()
			c.recordShadow(cr.id, service)
		}
	}

	metrics.RecordClassification(result.Matched, time.Since(started))
	return result, nil
}

// Invalidate drops the memoized snapshot so the next classification
// re-reads the shared cache.
func (c *Classifier) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}

// Close waits for in-flight evidence writes to finish.
func (c *Classifier) Close() {
	c.wg.Wait()
}

// rules returns the current snapshot, refreshing it when the memoization
// window has elapsed. Concurrent callers may race to refresh; the last
// writer wins and both observe a valid snapshot.
func (c *Classifier) rules(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap != nil && c.now().Sub(snap.refreshedAt) < c.memoTTL {
		return snap, nil
	}
	return c.refresh(ctx)
}

func (c *Classifier) refresh(ctx context.Context) (*snapshot, error) {
	approved, err := c.loadApproved(ctx)
	if err != nil {
		return nil, err
	}
	shadow, err := c.loadShadow(ctx)
	if err != nil {
		// Shadow evidence is best-effort; classification proceeds on the
		// approved set alone.
		c.logger.Warn("shadow rule load failed", zap.Error(err))
		shadow = nil
	}

	snap := &snapshot{approved: approved, shadow: shadow, refreshedAt: c.now()}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return snap, nil
}

// loadApproved reads the shared cache, falling back to the system of
// record when the key is absent or expired.
func (c *Classifier) loadApproved(ctx context.Context) ([]compiledRule, error) {
	cached, err := c.source.GetRules()
	if err == nil {
		return c.compileCached(cached), nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		c.logger.Warn("rule cache read failed, falling back to store", zap.Error(err))
	}

	suggestions, err := c.store.ListApproved(ctx)
	if err != nil {
		return nil, err
	}
	return c.compileSuggestions(suggestions), nil
}

func (c *Classifier) loadShadow(ctx context.Context) ([]compiledRule, error) {
	suggestions, err := c.store.ListByStatus(ctx, pattern.StatusShadow)
	if err != nil {
		return nil, err
	}
	return c.compileSuggestions(suggestions), nil
}

func (c *Classifier) compileCached(cached []cache.CachedRule) []compiledRule {
	compiled := make([]compiledRule, 0, len(cached))
	for _, cr := range cached {
		rule, err := rules.Compile(cr.Kind, cr.Value, cr.Category)
		if err != nil {
			// A rule that no longer passes the safety gate is dropped from
			// the runtime set rather than taking classification down.
			c.logger.Warn("dropping uncompilable cached rule",
				zap.String("rule_id", cr.ID), zap.Error(err))
			continue
		}
		rule.ID = cr.ID
		rule.Scope = cr.Scope
		compiled = append(compiled, compiledRule{id: cr.ID, rule: rule})
	}
	return compiled
}

func (c *Classifier) compileSuggestions(suggestions []*pattern.Suggestion) []compiledRule {
	compiled := make([]compiledRule, 0, len(suggestions))
	for _, sg := range suggestions {
		rule, err := rules.Compile(sg.Rule.Kind, sg.Rule.Value, sg.Rule.Category)
		if err != nil {
			c.logger.Warn("dropping uncompilable stored rule",
				zap.String("suggestion_id", sg.ID), zap.Error(err))
			continue
		}
		rule.ID = sg.ID
		rule.Scope = sg.Rule.Scope
		compiled = append(compiled, compiledRule{id: sg.ID, rule: rule})
	}
	return compiled
}

func (c *Classifier) recordLive(id string) {
	if c.recorder == nil {
		return
	}
	at := c.now()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := c.recorder.RecordLiveMatch(ctx, id, at); err != nil {
			c.logger.Warn("live match record failed",
				zap.String("rule_id", id), zap.Error(err))
		}
	}()
}

func (c *Classifier) recordShadow(id, service string) {
	if c.recorder == nil {
		return
	}
	at := c.now()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := c.recorder.RecordShadowMatch(ctx, id, service, at); err != nil {
			c.logger.Warn("shadow match record failed",
				zap.String("suggestion_id", id), zap.Error(err))
		}
	}()
}

func scopeAllows(scope, service string) bool {
	return scope == "" || scope == service
}
