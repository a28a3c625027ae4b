// Package oracle is the client for the external suggestion oracle: a
// rate-limited, possibly-unavailable text-classification service that
// proposes candidate match-rules from sample error text.
//
// The oracle is never trusted. Its response is treated as untyped data
// until it passes strict shape validation, and every surviving proposal is
// still compiled through the safety gate before persistence. A response
// that fails validation is discarded entirely: fail closed, not partially.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
)

// Common errors for oracle operations.
var (
	ErrEmptyResponse    = errors.New("oracle returned an empty response")
	ErrResponseTooLarge = errors.New("oracle response exceeds size cap")
	ErrMalformedShape   = errors.New("oracle response failed shape validation")
)

const (
	// DefaultTimeout bounds one oracle request. Kept well under the
	// orchestrator's own execution budget.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResponseBytes caps the accepted response size.
	DefaultMaxResponseBytes = 64 * 1024

	// MinConfidence is the floor below which proposals are ignored.
	MinConfidence = 0.5

	// maxSampleLength truncates individual sample messages in prompts.
	maxSampleLength = 300

	// retryAttempts bounds transient-failure retries per request.
	retryAttempts = 2
)

// Completer generates a completion from a prompt. Implementations wrap an
// LLM backend; see NewLangchainCompleter.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Proposal is one shape-validated candidate rule from the oracle. It has
// not yet passed the safety gate; callers compile it before persisting.
type Proposal struct {
	Kind       string   `json:"kind"`
	Value      string   `json:"value"`
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Examples   []string `json:"examples"`

	// Cluster is the 1-based number of the prompted cluster the rule was
	// derived from, validated against the request. It links an accepted
	// suggestion back to its originating cluster.
	Cluster int `json:"cluster"`
}

// Client talks to the suggestion oracle.
type Client struct {
	completer        Completer
	logger           *zap.Logger
	timeout          time.Duration
	maxResponseBytes int
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxResponseBytes overrides the response size cap.
func WithMaxResponseBytes(n int) Option {
	return func(c *Client) { c.maxResponseBytes = n }
}

// NewClient creates an oracle client over the given completer.
func NewClient(completer Completer, logger *zap.Logger, opts ...Option) (*Client, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		completer:        completer,
		logger:           logger,
		timeout:          DefaultTimeout,
		maxResponseBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Suggest sends bounded cluster summaries to the oracle and returns the
// shape-validated proposals with confidence >= MinConfidence.
//
// Oracle unavailability, timeout, or a malformed response returns an
// error; callers treat it as non-fatal and proceed with zero suggestions.
func (c *Client) Suggest(ctx context.Context, clusters []*pattern.ErrorCluster) ([]Proposal, error) {
	if len(clusters) == 0 {
		return nil, nil
	}

	prompt := buildSuggestionPrompt(clusters)
	response, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("requesting suggestions: %w", err)
	}

	proposals, err := parseProposals(response, len(clusters))
	if err != nil {
		return nil, err
	}

	kept := proposals[:0]
	for _, p := range proposals {
		if p.Confidence < MinConfidence {
			c.logger.Debug("ignoring low-confidence proposal",
				zap.String("value", p.Value),
				zap.Float64("confidence", p.Confidence))
			continue
		}
		kept = append(kept, p)
	}
	return kept, nil
}

// Explain asks the oracle for a plain-language summary of a suggestion's
// shadow evidence for the review bundle. Best-effort: callers fall back to
// a templated explanation on error.
func (c *Client) Explain(ctx context.Context, sg *pattern.Suggestion) (string, error) {
	prompt := buildExplainPrompt(sg)
	response, err := c.complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("requesting explainer: %w", err)
	}
	return strings.TrimSpace(response), nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var response string
	err := retry.Do(
		func() error {
			var err error
			response, err = c.completer.Complete(ctx, prompt)
			return err
		},
		retry.Attempts(retryAttempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(response) == "" {
		return "", ErrEmptyResponse
	}
	if len(response) > c.maxResponseBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, len(response))
	}
	return response, nil
}

// parseProposals validates the oracle response shape, including that each
// proposal references one of the clusterCount prompted clusters. Any
// malformed element discards the whole response.
func parseProposals(response string, clusterCount int) ([]Proposal, error) {
	raw := extractJSONArray(response)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON array found", ErrMalformedShape)
	}

	var proposals []Proposal
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&proposals); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedShape, err)
	}

	for i, p := range proposals {
		if strings.TrimSpace(p.Kind) == "" {
			return nil, fmt.Errorf("%w: proposal %d missing kind", ErrMalformedShape, i)
		}
		if strings.TrimSpace(p.Value) == "" {
			return nil, fmt.Errorf("%w: proposal %d missing value", ErrMalformedShape, i)
		}
		if strings.TrimSpace(p.Category) == "" {
			return nil, fmt.Errorf("%w: proposal %d missing category", ErrMalformedShape, i)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return nil, fmt.Errorf("%w: proposal %d confidence %v out of range", ErrMalformedShape, i, p.Confidence)
		}
		if p.Cluster < 1 || p.Cluster > clusterCount {
			return nil, fmt.Errorf("%w: proposal %d references cluster %d of %d", ErrMalformedShape, i, p.Cluster, clusterCount)
		}
	}
	return proposals, nil
}

// extractJSONArray strips code fences and surrounding prose, returning the
// outermost JSON array in the response.
func extractJSONArray(response string) string {
	s := strings.TrimSpace(response)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
