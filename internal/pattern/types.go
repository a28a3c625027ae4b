// Package pattern defines the data model for the pattern discovery and
// lifecycle engine: suggestions, their status machine, backtest results,
// audit entries, and the transient error clusters produced by discovery.
package pattern

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/noisegate/internal/rules"
)

// Common errors for pattern operations.
var (
	ErrSuggestionNotFound = errors.New("suggestion not found")
	ErrInvalidConfidence  = errors.New("confidence must be between 0.0 and 1.0")
	ErrStatusConflict     = errors.New("suggestion status changed concurrently")
	ErrDuplicateRule      = errors.New("an active suggestion with this kind and value already exists")
)

// Status is the lifecycle state of a suggestion.
type Status string

const (
	// StatusPending is a freshly created suggestion awaiting shadow entry.
	StatusPending Status = "pending"

	// StatusShadow is a suggestion being evaluated against live traffic
	// without affecting classification outcomes. A suggestion stays in
	// shadow after its window elapses if it is ready for human review.
	StatusShadow Status = "shadow"

	// StatusApproved is the only status whose rules are loaded by the
	// runtime classifier. Requires a recorded human reviewer.
	StatusApproved Status = "approved"

	// StatusRejected is a demoted or human-rejected suggestion.
	StatusRejected Status = "rejected"

	// StatusStale is an approved rule with no matches in the staleness
	// window. Stale rules are not served; they can be reactivated.
	StatusStale Status = "stale"

	// StatusDisabled is an administratively switched-off suggestion.
	StatusDisabled Status = "disabled"
)

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusShadow, StatusApproved, StatusRejected, StatusStale, StatusDisabled:
		return Status(s), nil
	default:
		return "", errors.New("unknown status: " + s)
	}
}

// ActiveStatuses are the statuses counted for duplicate detection:
// a new (kind, value) pair is skipped if any suggestion in one of these
// statuses already carries it.
var ActiveStatuses = []Status{StatusPending, StatusShadow, StatusApproved}

// Source tags where a suggestion came from.
type Source string

const (
	// SourceOracle marks suggestions discovered via the suggestion oracle.
	SourceOracle Source = "oracle"

	// SourceImport marks statically imported rules.
	SourceImport Source = "import"

	// SourceManual marks manually authored rules.
	SourceManual Source = "manual"
)

// Suggestion is the mutable lifecycle record for one candidate rule.
type Suggestion struct {
	// ID is the unique suggestion identifier (UUID).
	ID string `json:"id"`

	// Rule is the embedded compiled-checked matcher definition.
	Rule rules.Rule `json:"rule"`

	// Confidence is the oracle's score (0.0-1.0) for this rule.
	Confidence float64 `json:"confidence"`

	// Reasoning is the oracle's explanation for proposing the rule.
	Reasoning string `json:"reasoning,omitempty"`

	// SampleMessages are the messages the rule was derived from.
	SampleMessages []string `json:"sample_messages,omitempty"`

	// ClusterHash references the originating cluster, if any.
	ClusterHash string `json:"cluster_hash,omitempty"`

	// Status is the lifecycle state. Transitions are owned exclusively
	// by the lifecycle manager.
	Status Status `json:"status"`

	// ReviewedBy, ReviewedAt, ReviewReason record the human decision.
	ReviewedBy   string     `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	ReviewReason string     `json:"review_reason,omitempty"`

	// Backtest holds the most recent backtest measurement.
	Backtest *BacktestResult `json:"backtest,omitempty"`

	// ShadowStart and ShadowEnd bound the shadow evaluation window.
	ShadowStart *time.Time `json:"shadow_start,omitempty"`
	ShadowEnd   *time.Time `json:"shadow_end,omitempty"`

	// ShadowMatches counts live matches observed during shadow mode.
	ShadowMatches int64 `json:"shadow_matches"`

	// ShadowMatchDays is the deduplicated set of calendar days
	// (YYYY-MM-DD) on which shadow matches occurred.
	ShadowMatchDays []string `json:"shadow_match_days,omitempty"`

	// ShadowServices tallies shadow matches per service name.
	ShadowServices map[string]int64 `json:"shadow_services,omitempty"`

	// ShadowFirstMatch and ShadowLastMatch bound the observed shadow
	// matches.
	ShadowFirstMatch *time.Time `json:"shadow_first_match,omitempty"`
	ShadowLastMatch  *time.Time `json:"shadow_last_match,omitempty"`

	// EnabledAt and DisabledAt record approval and disabling times.
	EnabledAt  *time.Time `json:"enabled_at,omitempty"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`

	// LastMatchedAt is the most recent live match while approved.
	LastMatchedAt *time.Time `json:"last_matched_at,omitempty"`

	// MatchCount is the cumulative live match count while approved.
	MatchCount int64 `json:"match_count"`

	// Protected rules are never auto-demoted by the staleness sweep.
	Protected bool `json:"protected"`

	// Source tags how this suggestion entered the system.
	Source Source `json:"source"`

	// Review is the evidence bundle attached when the suggestion
	// becomes ready for review.
	Review *ReviewContext `json:"review,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSuggestion creates a pending suggestion for a compiled rule.
func NewSuggestion(rule rules.Rule, confidence float64, source Source) (*Suggestion, error) {
	if confidence < 0 || confidence > 1 {
		return nil, ErrInvalidConfidence
	}
	now := time.Now().UTC()
	return &Suggestion{
		ID:         uuid.New().String(),
		Rule:       rule,
		Confidence: confidence,
		Status:     StatusPending,
		Source:     source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// ReadyForReview reports whether the suggestion has finished its shadow
// window with a review bundle attached and is awaiting a human decision.
func (s *Suggestion) ReadyForReview() bool {
	return s.Status == StatusShadow && s.Review != nil
}

// ReviewContext is the evidence bundle attached to a suggestion that
// passed shadow evaluation, to support the human decision.
type ReviewContext struct {
	// MatchesByService breaks shadow matches down by service name.
	MatchesByService map[string]int64 `json:"matches_by_service,omitempty"`

	// SampleMessages are matched messages captured during shadow mode.
	SampleMessages []string `json:"sample_messages,omitempty"`

	// FirstMatchAt and LastMatchAt bound the observed matches.
	FirstMatchAt *time.Time `json:"first_match_at,omitempty"`
	LastMatchAt  *time.Time `json:"last_match_at,omitempty"`

	// Explainer is a plain-language summary of the evidence. Produced by
	// the suggestion oracle when available, templated otherwise.
	Explainer string `json:"explainer,omitempty"`

	// GeneratedAt is when the bundle was assembled.
	GeneratedAt time.Time `json:"generated_at"`
}

// BacktestResult is an immutable measurement of a rule against a
// historical error window. Superseded by re-running, never mutated.
type BacktestResult struct {
	// SuggestionID is the candidate rule that was replayed.
	SuggestionID string `json:"suggestion_id"`

	// MatchCount is how many corpus records the rule matched.
	MatchCount int `json:"match_count"`

	// CorpusSize is the number of records replayed.
	CorpusSize int `json:"corpus_size"`

	// MatchRate is MatchCount / CorpusSize (0 when the corpus is empty).
	MatchRate float64 `json:"match_rate"`

	// SampleFingerprints is a capped sample of matched fingerprints.
	SampleFingerprints []string `json:"sample_fingerprints,omitempty"`

	// OverMatching flags a rule so broad it likely also catches real
	// errors. Approval of an over-matching rule is always refused.
	OverMatching bool `json:"over_matching"`

	// RanAt is when the backtest executed.
	RanAt time.Time `json:"ran_at"`
}

// AuditAction enumerates the recorded lifecycle actions.
type AuditAction string

const (
	AuditCreated        AuditAction = "created"
	AuditApproved       AuditAction = "approved"
	AuditRejected       AuditAction = "rejected"
	AuditBacktestPassed AuditAction = "backtest_passed"
	AuditBacktestFailed AuditAction = "backtest_failed"
	AuditShadowStarted  AuditAction = "shadow_started"
	AuditReadyForReview AuditAction = "ready_for_review"
	AuditAutoDemoted    AuditAction = "auto_demoted"
	AuditStale          AuditAction = "stale"
	AuditImported       AuditAction = "imported"
	AuditReactivated    AuditAction = "reactivated"
)

// AuditLogEntry is an append-only record of one lifecycle action.
// Entries are never deleted; they are the sole source of "why did this
// rule get here" for operators.
type AuditLogEntry struct {
	// ID is the unique entry identifier (UUID).
	ID string `json:"id"`

	// SuggestionID is the target suggestion.
	SuggestionID string `json:"suggestion_id"`

	// Action is what happened.
	Action AuditAction `json:"action"`

	// Actor is a human identity or a "system:<component>" tag.
	Actor string `json:"actor"`

	// Reason is a free-text explanation.
	Reason string `json:"reason,omitempty"`

	// Metadata holds structured details (counts, rates, windows).
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewAuditEntry creates an audit entry for a suggestion action.
func NewAuditEntry(suggestionID string, action AuditAction, actor, reason string) *AuditLogEntry {
	return &AuditLogEntry{
		ID:           uuid.New().String(),
		SuggestionID: suggestionID,
		Action:       action,
		Actor:        actor,
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
	}
}

// ClusterStatus tracks a cluster within one discovery run, only to avoid
// reprocessing. Clusters are bookkeeping, not long-lived state.
type ClusterStatus string

const (
	ClusterPending    ClusterStatus = "pending"
	ClusterProcessing ClusterStatus = "processing"
	ClusterSuggested  ClusterStatus = "suggested"
	ClusterIgnored    ClusterStatus = "ignored"
)

// ErrorCluster is a transient grouping of similar unclassified errors.
type ErrorCluster struct {
	// Hash identifies the cluster: a cheap hash of the normalized
	// representative message. Stable across runs for idempotence.
	Hash string `json:"hash"`

	// Representative is the highest-occurrence member message.
	Representative string `json:"representative"`

	// Normalized is the normalized form shared by all members.
	Normalized string `json:"normalized"`

	// OccurrenceCount is the combined occurrence count of all members.
	OccurrenceCount int64 `json:"occurrence_count"`

	// FingerprintCount is the number of distinct underlying fingerprints.
	FingerprintCount int `json:"fingerprint_count"`

	// SampleMessages holds up to a handful of distinct member messages.
	SampleMessages []string `json:"sample_messages,omitempty"`

	// Services are the contributing service names.
	Services []string `json:"services,omitempty"`

	// FirstSeen and LastSeen bound the cluster's time range.
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Status avoids reprocessing within one discovery run.
	Status ClusterStatus `json:"status"`
}

// Occurrence is one error-occurrence record from the system of record.
type Occurrence struct {
	// Fingerprint is the stable hash identifying the underlying error.
	Fingerprint string `json:"fingerprint"`

	// ExceptionMessage is the crash-style message, if any.
	ExceptionMessage string `json:"exception_message,omitempty"`

	// LogMessage is the normalized log-style message, if any.
	LogMessage string `json:"log_message,omitempty"`

	// Service is the originating script or service name.
	Service string `json:"service,omitempty"`

	// Count is the occurrence count.
	Count int64 `json:"count"`

	// LastSeen is the most recent occurrence time.
	LastSeen time.Time `json:"last_seen"`

	// Category is the assigned classification, empty if uncategorized.
	Category string `json:"category,omitempty"`
}

// Message returns the message used for clustering and matching:
// the exception message when present, the log message otherwise. Both
// crash-style and log-style errors participate in discovery this way.
func (o *Occurrence) Message() string {
	if o.ExceptionMessage != "" {
		return o.ExceptionMessage
	}
	return o.LogMessage
}
