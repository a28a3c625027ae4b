// Package lifecycle owns the suggestion state machine: entry into shadow
// mode, evidence accumulation, promotion-readiness scoring, demotion,
// staleness detection, and audit logging.
//
// Status transitions happen nowhere else. Every transition is a conditional
// update (apply only if the stored status still matches the expected one) so
// overlapping evaluation runs stay safe, and every transition writes an
// audit entry. No code path promotes a suggestion to approved without a
// recorded human reviewer; that guardrail is structural, not a runtime
// check.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/noisegate/internal/cache"
	"github.com/fyrsmithlabs/noisegate/internal/metrics"
	"github.com/fyrsmithlabs/noisegate/internal/pattern"
	"github.com/fyrsmithlabs/noisegate/internal/rules"
)

// Common errors for lifecycle operations.
var (
	ErrNotReviewable = errors.New("suggestion is not in a reviewable state")
	ErrOverMatching  = errors.New("rule is over-matching and cannot be approved")
	ErrNotStale      = errors.New("suggestion is not stale")
	ErrEmptyReviewer = errors.New("reviewer identity required")
)

const (
	// ShadowEntryAge is how old a pending suggestion must be before it
	// enters shadow mode automatically.
	ShadowEntryAge = 24 * time.Hour

	// ShadowEntryMinConfidence gates automatic shadow entry.
	ShadowEntryMinConfidence = 0.5

	// DefaultMinShadowMatches is the evidence floor at window end.
	DefaultMinShadowMatches = 5

	// DefaultMinMatchDays is the minimum distinct-day spread at window end.
	DefaultMinMatchDays = 3

	// DefaultStaleAfter is the no-match period after which an approved,
	// non-protected rule goes stale.
	DefaultStaleAfter = 30 * 24 * time.Hour

	// actorLifecycle tags automated transitions in the audit log.
	actorLifecycle = "system:lifecycle"
)

// Store is the slice of the system of record the lifecycle manager needs.
type Store interface {
	InsertSuggestion(ctx context.Context, sg *pattern.Suggestion) error
	GetSuggestion(ctx context.Context, id string) (*pattern.Suggestion, error)
	ListByStatus(ctx context.Context, status pattern.Status) ([]*pattern.Suggestion, error)
	ListApproved(ctx context.Context) ([]*pattern.Suggestion, error)
	UpdateIfStatus(ctx context.Context, sg *pattern.Suggestion, expected pattern.Status) error
	RecordShadowMatch(ctx context.Context, id, service string, at time.Time) error
	RecordLiveMatch(ctx context.Context, id string, at time.Time) error
	AppendAudit(ctx context.Context, e *pattern.AuditLogEntry) error
}

// Backtester replays a rule against the historical corpus.
type Backtester interface {
	Run(ctx context.Context, suggestionID string, rule *rules.Rule) (*pattern.BacktestResult, error)
}

// Explainer produces a plain-language summary of shadow evidence.
// Best-effort: failures fall back to a templated explanation.
type Explainer interface {
	Explain(ctx context.Context, sg *pattern.Suggestion) (string, error)
}

// RuleCache receives the approved rule set after every change.
type RuleCache interface {
	SetRules(cached []cache.CachedRule) error
}

// Manager drives the suggestion state machine.
type Manager struct {
	store            Store
	backtester       Backtester
	ruleCache        RuleCache
	explainer        Explainer
	logger           *zap.Logger
	minShadowMatches int64
	minMatchDays     int
	staleAfter       time.Duration
	now              func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithExplainer sets the optional evidence explainer.
func WithExplainer(e Explainer) Option {
	return func(m *Manager) { m.explainer = e }
}

// WithMinShadowMatches overrides the window-end evidence floor.
func WithMinShadowMatches(n int64) Option {
	return func(m *Manager) { m.minShadowMatches = n }
}

// WithMinMatchDays overrides the distinct-day spread floor.
func WithMinMatchDays(n int) Option {
	return func(m *Manager) { m.minMatchDays = n }
}

// WithStaleAfter overrides the staleness period.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lifecycle manager.
func NewManager(store Store, backtester Backtester, ruleCache RuleCache, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if backtester == nil {
		return nil, fmt.Errorf("backtester cannot be nil")
	}
	if ruleCache == nil {
		return nil, fmt.Errorf("rule cache cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		store:            store,
		backtester:       backtester,
		ruleCache:        ruleCache,
		logger:           logger,
		minShadowMatches: DefaultMinShadowMatches,
		minMatchDays:     DefaultMinMatchDays,
		staleAfter:       DefaultStaleAfter,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ShadowWindow returns the confidence-tiered shadow window length: higher
// confidence proposals need less real-world confirmation before reaching
// a human.
func ShadowWindow(confidence float64) time.Duration {
	switch {
	case confidence >= 0.9:
		return 3 * 24 * time.Hour
	case confidence >= 0.7:
		return 7 * 24 * time.Hour
	default:
		return 14 * 24 * time.Hour
	}
}

// Create persists a new pending suggestion and its audit entry. Returns
// pattern.ErrDuplicateRule when an active suggestion already carries the
// same (kind, value) pair.
func (m *Manager) Create(ctx context.Context, sg *pattern.Suggestion, actor string) error {
	if err := m.store.InsertSuggestion(ctx, sg); err != nil {
		return err
	}
	m.audit(ctx, sg.ID, pattern.AuditCreated, actor,
		fmt.Sprintf("suggested %s rule %q for category %s", sg.Rule.Kind, sg.Rule.Value, sg.Rule.Category),
		map[string]any{"confidence": sg.Confidence, "source": string(sg.Source)})
	return nil
}

// Approve promotes a reviewable suggestion to approved. The backtest is
// re-run first; an over-matching rule is refused regardless of confidence
// or shadow evidence. Requires a human reviewer identity.
func (m *Manager) Approve(ctx context.Context, id, reviewer, reason string) (*pattern.Suggestion, error) {
	if reviewer == "" {
		return nil, ErrEmptyReviewer
	}

	sg, err := m.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.Status != pattern.StatusShadow && sg.Status != pattern.StatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReviewable, sg.Status)
	}

	result, err := m.backtester.Run(ctx, sg.ID, &sg.Rule)
	if err != nil {
		return nil, fmt.Errorf("approval backtest: %w", err)
	}
	sg.Backtest = result
	m.auditBacktest(ctx, sg.ID, actorFromReviewer(reviewer), result)

	if result.OverMatching {
		return nil, fmt.Errorf("%w: match rate %.2f", ErrOverMatching, result.MatchRate)
	}

	previous := sg.Status
	now := m.now().UTC()
	sg.Status = pattern.StatusApproved
	sg.ReviewedBy = reviewer
	sg.ReviewedAt = &now
	sg.ReviewReason = reason
	sg.EnabledAt = &now

	if err := m.store.UpdateIfStatus(ctx, sg, previous); err != nil {
		return nil, err
	}
	m.audit(ctx, sg.ID, pattern.AuditApproved, reviewer, reason,
		map[string]any{"match_rate": result.MatchRate, "shadow_matches": sg.ShadowMatches})

	if err := m.RefreshCache(ctx); err != nil {
		m.logger.Warn("cache refresh after approval failed", zap.Error(err))
	}
	return sg, nil
}

// Reject moves a suggestion from any state to rejected with the reviewer's
// reason.
func (m *Manager) Reject(ctx context.Context, id, reviewer, reason string) (*pattern.Suggestion, error) {
	if reviewer == "" {
		return nil, ErrEmptyReviewer
	}

	sg, err := m.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := sg.Status
	now := m.now().UTC()
	sg.Status = pattern.StatusRejected
	sg.ReviewedBy = reviewer
	sg.ReviewedAt = &now
	sg.ReviewReason = reason

	if err := m.store.UpdateIfStatus(ctx, sg, previous); err != nil {
		return nil, err
	}
	m.audit(ctx, sg.ID, pattern.AuditRejected, reviewer, reason, nil)

	if previous == pattern.StatusApproved {
		if err := m.RefreshCache(ctx); err != nil {
			m.logger.Warn("cache refresh after rejection failed", zap.Error(err))
		}
	}
	return sg, nil
}

// MoveToShadow manually moves a pending suggestion into shadow mode,
// bypassing the age gate but not the window.
func (m *Manager) MoveToShadow(ctx context.Context, id, actor string) (*pattern.Suggestion, error) {
	sg, err := m.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.Status != pattern.StatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReviewable, sg.Status)
	}
	if err := m.enterShadow(ctx, sg, actor); err != nil {
		return nil, err
	}
	return sg, nil
}

// Reactivate returns a stale rule to approved.
func (m *Manager) Reactivate(ctx context.Context, id, reviewer string) (*pattern.Suggestion, error) {
	if reviewer == "" {
		return nil, ErrEmptyReviewer
	}

	sg, err := m.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.Status != pattern.StatusStale {
		return nil, fmt.Errorf("%w: status is %s", ErrNotStale, sg.Status)
	}

	now := m.now().UTC()
	sg.Status = pattern.StatusApproved
	sg.EnabledAt = &now
	sg.DisabledAt = nil

	if err := m.store.UpdateIfStatus(ctx, sg, pattern.StatusStale); err != nil {
		return nil, err
	}
	m.audit(ctx, sg.ID, pattern.AuditReactivated, reviewer, "reactivated from stale", nil)

	if err := m.RefreshCache(ctx); err != nil {
		m.logger.Warn("cache refresh after reactivation failed", zap.Error(err))
	}
	return sg, nil
}

// Import persists rules directly as approved and protected, skipping
// discovery. Intended for core infrastructure categories that must never
// be auto-demoted. Each rule re-passes the safety gate; failures are
// dropped silently and only the accepted count is reported.
func (m *Manager) Import(ctx context.Context, triples []ImportRule, actor string) (int, error) {
	accepted := 0
	for _, t := range triples {
		kind, err := rules.ParseKind(t.Kind)
		if err != nil {
			m.logger.Warn("import dropped rule with bad kind",
				zap.String("kind", t.Kind), zap.Error(err))
			continue
		}
		rule, err := rules.Compile(kind, t.Value, t.Category)
		if err != nil {
			m.logger.Warn("import dropped rule failing safety gate",
				zap.String("value", t.Value), zap.Error(err))
			continue
		}
		rule.Scope = t.Scope

		sg, err := pattern.NewSuggestion(*rule, 1.0, pattern.SourceImport)
		if err != nil {
			continue
		}
		now := m.now().UTC()
		sg.Status = pattern.StatusApproved
		sg.Protected = true
		sg.EnabledAt = &now

		if err := m.store.InsertSuggestion(ctx, sg); err != nil {
			if errors.Is(err, pattern.ErrDuplicateRule) {
				continue
			}
			return accepted, fmt.Errorf("importing rule %q: %w", t.Value, err)
		}
		m.audit(ctx, sg.ID, pattern.AuditImported, actor,
			fmt.Sprintf("imported %s rule %q", kind, t.Value), nil)
		accepted++
	}

	if accepted > 0 {
		if err := m.RefreshCache(ctx); err != nil {
			m.logger.Warn("cache refresh after import failed", zap.Error(err))
		}
	}
	return accepted, nil
}

// ImportRule is one rule in an import bundle, re-validated on entry.
type ImportRule struct {
	Kind     string `json:"kind"`
	Value    string `json:"value"`
	Category string `json:"category"`
	Scope    string `json:"scope,omitempty"`
}

// Export returns the approved rule set as an opaque bundle for
// cross-environment sync.
func (m *Manager) Export(ctx context.Context) ([]ImportRule, error) {
	approved, err := m.store.ListApproved(ctx)
	if err != nil {
		return nil, err
	}
	bundle := make([]ImportRule, 0, len(approved))
	for _, sg := range approved {
		bundle = append(bundle, ImportRule{
			Kind:     string(sg.Rule.Kind),
			Value:    sg.Rule.Value,
			Category: sg.Rule.Category,
			Scope:    sg.Rule.Scope,
		})
	}
	return bundle, nil
}

// RecordShadowMatch accumulates shadow evidence for a live match observed
// by the runtime classifier's dual-track evaluation.
func (m *Manager) RecordShadowMatch(ctx context.Context, id, service string, at time.Time) error {
	return m.store.RecordShadowMatch(ctx, id, service, at)
}

// RecordLiveMatch records a match against an approved rule.
func (m *Manager) RecordLiveMatch(ctx context.Context, id string, at time.Time) error {
	return m.store.RecordLiveMatch(ctx, id, at)
}

// RefreshCache rebuilds the runtime rule cache from the approved set.
func (m *Manager) RefreshCache(ctx context.Context) error {
	approved, err := m.store.ListApproved(ctx)
	if err != nil {
		return fmt.Errorf("listing approved rules: %w", err)
	}

	cached := make([]cache.CachedRule, 0, len(approved))
	for _, sg := range approved {
		cached = append(cached, cache.CachedRule{
			ID:       sg.ID,
			Kind:     sg.Rule.Kind,
			Value:    sg.Rule.Value,
			Category: sg.Rule.Category,
			Scope:    sg.Rule.Scope,
		})
	}
	if err := m.ruleCache.SetRules(cached); err != nil {
		return fmt.Errorf("refreshing rule cache: %w", err)
	}
	metrics.ApprovedRules.Set(float64(len(cached)))
	return nil
}

func (m *Manager) enterShadow(ctx context.Context, sg *pattern.Suggestion, actor string) error {
	window := ShadowWindow(sg.Confidence)
	start := m.now().UTC()
	end := start.Add(window)

	sg.Status = pattern.StatusShadow
	sg.ShadowStart = &start
	sg.ShadowEnd = &end

	if err := m.store.UpdateIfStatus(ctx, sg, pattern.StatusPending); err != nil {
		return err
	}
	m.audit(ctx, sg.ID, pattern.AuditShadowStarted, actor,
		fmt.Sprintf("shadow window %s", window),
		map[string]any{"confidence": sg.Confidence, "window_days": int(window.Hours() / 24)})
	return nil
}

func (m *Manager) audit(ctx context.Context, suggestionID string, action pattern.AuditAction, actor, reason string, metadata map[string]any) {
	switch action {
	case pattern.AuditShadowStarted:
		metrics.RecordTransition(string(pattern.StatusShadow))
	case pattern.AuditApproved, pattern.AuditReactivated, pattern.AuditImported:
		metrics.RecordTransition(string(pattern.StatusApproved))
	case pattern.AuditRejected, pattern.AuditAutoDemoted:
		metrics.RecordTransition(string(pattern.StatusRejected))
	case pattern.AuditStale:
		metrics.RecordTransition(string(pattern.StatusStale))
	}

	entry := pattern.NewAuditEntry(suggestionID, action, actor, reason)
	entry.Metadata = metadata
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		// An audit write failure must not abort the transition that
		// already happened; it is logged loudly instead.
		m.logger.Error("audit append failed",
			zap.String("suggestion_id", suggestionID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}

func (m *Manager) auditBacktest(ctx context.Context, suggestionID, actor string, result *pattern.BacktestResult) {
	action := pattern.AuditBacktestPassed
	reason := fmt.Sprintf("matched %d of %d (rate %.2f)", result.MatchCount, result.CorpusSize, result.MatchRate)
	if result.OverMatching {
		action = pattern.AuditBacktestFailed
		reason = fmt.Sprintf("over-matching: rate %.2f exceeds threshold", result.MatchRate)
	}
	m.audit(ctx, suggestionID, action, actor, reason, map[string]any{
		"match_count": result.MatchCount,
		"corpus_size": result.CorpusSize,
		"match_rate":  result.MatchRate,
	})
}

func actorFromReviewer(reviewer string) string {
	if reviewer == "" {
		return actorLifecycle
	}
	return reviewer
}
