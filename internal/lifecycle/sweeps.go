package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
)

// ShadowEntrySweep moves eligible pending suggestions into shadow mode: a
// pending suggestion older than the entry age with sufficient confidence
// enters automatically. Returns the number of suggestions moved.
//
// One suggestion's failure never blocks the others.
func (m *Manager) ShadowEntrySweep(ctx context.Context) (int, error) {
	pending, err := m.store.ListByStatus(ctx, pattern.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("listing pending suggestions: %w", err)
	}

	cutoff := m.now().Add(-ShadowEntryAge)
	moved := 0
	for _, sg := range pending {
		if sg.Confidence < ShadowEntryMinConfidence {
			continue
		}
		if sg.CreatedAt.After(cutoff) {
			continue
		}
		if err := m.enterShadow(ctx, sg, actorLifecycle); err != nil {
			m.logger.Warn("shadow entry failed",
				zap.String("suggestion_id", sg.ID), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// EvaluationSweep evaluates shadow suggestions whose window has elapsed.
//
// Decision order per suggestion: over-matching demotes; too few shadow
// matches demotes; too few distinct match days demotes; otherwise the
// suggestion is marked ready for review with an evidence bundle attached.
// Promotion to approved never happens here: human approval is mandatory
// even when every statistical criterion passes.
//
// A rule that matched zero times waits out its full window like any other;
// there is no early demotion.
func (m *Manager) EvaluationSweep(ctx context.Context) (*SweepResult, error) {
	shadows, err := m.store.ListByStatus(ctx, pattern.StatusShadow)
	if err != nil {
		return nil, fmt.Errorf("listing shadow suggestions: %w", err)
	}

	result := &SweepResult{}
	now := m.now()

	for _, sg := range shadows {
		if sg.ShadowEnd == nil || now.Before(*sg.ShadowEnd) {
			continue // window still open
		}
		if sg.ReadyForReview() {
			continue // already evaluated, waiting on a human
		}

		if err := m.evaluateOne(ctx, sg, result); err != nil {
			m.logger.Warn("shadow evaluation failed",
				zap.String("suggestion_id", sg.ID), zap.Error(err))
			result.Failed++
		}
	}
	return result, nil
}

// SweepResult summarizes one evaluation sweep.
type SweepResult struct {
	Evaluated      int `json:"evaluated"`
	Demoted        int `json:"demoted"`
	ReadyForReview int `json:"ready_for_review"`
	Failed         int `json:"failed"`
}

func (m *Manager) evaluateOne(ctx context.Context, sg *pattern.Suggestion, result *SweepResult) error {
	result.Evaluated++

	backtestResult, err := m.backtester.Run(ctx, sg.ID, &sg.Rule)
	if err != nil {
		return fmt.Errorf("evaluation backtest: %w", err)
	}
	sg.Backtest = backtestResult
	m.auditBacktest(ctx, sg.ID, actorLifecycle, backtestResult)

	switch {
	case backtestResult.OverMatching:
		result.Demoted++
		return m.demote(ctx, sg,
			fmt.Sprintf("over-matching: backtest rate %.2f", backtestResult.MatchRate))

	case sg.ShadowMatches < m.minShadowMatches:
		result.Demoted++
		return m.demote(ctx, sg,
			fmt.Sprintf("insufficient evidence: %d shadow matches, need %d", sg.ShadowMatches, m.minShadowMatches))

	case len(sg.ShadowMatchDays) < m.minMatchDays:
		result.Demoted++
		return m.demote(ctx, sg,
			fmt.Sprintf("insufficient spread: matches on %d days, need %d", len(sg.ShadowMatchDays), m.minMatchDays))

	default:
		result.ReadyForReview++
		return m.markReadyForReview(ctx, sg)
	}
}

// demote auto-rejects a shadow suggestion with the failing reason.
func (m *Manager) demote(ctx context.Context, sg *pattern.Suggestion, reason string) error {
	sg.Status = pattern.StatusRejected
	sg.ReviewReason = reason

	if err := m.store.UpdateIfStatus(ctx, sg, pattern.StatusShadow); err != nil {
		return err
	}
	m.audit(ctx, sg.ID, pattern.AuditAutoDemoted, actorLifecycle, reason, map[string]any{
		"shadow_matches": sg.ShadowMatches,
		"match_days":     len(sg.ShadowMatchDays),
	})
	return nil
}

// markReadyForReview attaches the evidence bundle and flags the suggestion
// for human review. The status stays shadow; readiness is the presence of
// the review context.
func (m *Manager) markReadyForReview(ctx context.Context, sg *pattern.Suggestion) error {
	review := &pattern.ReviewContext{
		MatchesByService: sg.ShadowServices,
		SampleMessages:   sg.SampleMessages,
		FirstMatchAt:     sg.ShadowFirstMatch,
		LastMatchAt:      sg.ShadowLastMatch,
		GeneratedAt:      m.now().UTC(),
	}
	review.Explainer = m.explain(ctx, sg)
	sg.Review = review

	if err := m.store.UpdateIfStatus(ctx, sg, pattern.StatusShadow); err != nil {
		return err
	}
	m.audit(ctx, sg.ID, pattern.AuditReadyForReview, actorLifecycle,
		"shadow window passed all criteria", map[string]any{
			"shadow_matches": sg.ShadowMatches,
			"match_days":     len(sg.ShadowMatchDays),
			"match_rate":     sg.Backtest.MatchRate,
		})
	return nil
}

// explain asks the oracle for a plain-language summary, falling back to a
// templated explanation when the oracle is unavailable.
func (m *Manager) explain(ctx context.Context, sg *pattern.Suggestion) string {
	if m.explainer != nil {
		text, err := m.explainer.Explain(ctx, sg)
		if err == nil && text != "" {
			return text
		}
		if err != nil {
			m.logger.Debug("explainer unavailable, using template",
				zap.String("suggestion_id", sg.ID), zap.Error(err))
		}
	}
	return fmt.Sprintf(
		"Rule %q (%s) matched %d errors across %d distinct days during its shadow window. "+
			"Backtest matched %d of %d recent errors (rate %.2f). Approving will classify matching errors as %q.",
		sg.Rule.Value, sg.Rule.Kind, sg.ShadowMatches, len(sg.ShadowMatchDays),
		sg.Backtest.MatchCount, sg.Backtest.CorpusSize, sg.Backtest.MatchRate,
		sg.Rule.Category)
}

// StalenessSweep moves approved, non-protected rules with no matches in
// the staleness period to stale and refreshes the cache so they stop being
// served. Run weekly.
func (m *Manager) StalenessSweep(ctx context.Context) (int, error) {
	approved, err := m.store.ListApproved(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing approved rules: %w", err)
	}

	cutoff := m.now().Add(-m.staleAfter)
	moved := 0

	for _, sg := range approved {
		if sg.Protected {
			continue
		}
		lastActivity := sg.EnabledAt
		if sg.LastMatchedAt != nil {
			lastActivity = sg.LastMatchedAt
		}
		if lastActivity == nil || lastActivity.After(cutoff) {
			continue
		}

		now := m.now().UTC()
		sg.Status = pattern.StatusStale
		sg.DisabledAt = &now

		if err := m.store.UpdateIfStatus(ctx, sg, pattern.StatusApproved); err != nil {
			m.logger.Warn("staleness transition failed",
				zap.String("suggestion_id", sg.ID), zap.Error(err))
			continue
		}
		m.audit(ctx, sg.ID, pattern.AuditStale, actorLifecycle,
			fmt.Sprintf("no matches since %s", formatTimePtr(sg.LastMatchedAt)), nil)
		moved++
	}

	if moved > 0 {
		if err := m.RefreshCache(ctx); err != nil {
			m.logger.Warn("cache refresh after staleness sweep failed", zap.Error(err))
		}
	}
	return moved, nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "approval"
	}
	return t.UTC().Format(time.RFC3339)
}
