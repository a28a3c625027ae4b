package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
)

type fakeCompleter struct {
	response string
	err      error
	prompts  []string
	calls    int
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func testClusters() []*pattern.ErrorCluster {
	return []*pattern.ErrorCluster{
		{
			Hash:             "h1",
			Representative:   "upstream returned 429 Too Many Requests",
			OccurrenceCount:  40,
			FingerprintCount: 3,
			SampleMessages:   []string{"upstream returned 429 Too Many Requests"},
			Services:         []string{"api"},
		},
	}
}

const validResponse = `[
  {"kind": "status_code", "value": "429", "category": "rate-limited",
   "confidence": 0.9, "reasoning": "HTTP rate limiting is transient",
   "examples": ["upstream returned 429 Too Many Requests"], "cluster": 1}
]`

func TestSuggest_ParsesValidResponse(t *testing.T) {
	completer := &fakeCompleter{response: validResponse}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	proposals, err := c.Suggest(context.Background(), testClusters())
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, "status_code", proposals[0].Kind)
	assert.Equal(t, "429", proposals[0].Value)
	assert.Equal(t, "rate-limited", proposals[0].Category)
	assert.InDelta(t, 0.9, proposals[0].Confidence, 0.001)
	assert.Equal(t, 1, proposals[0].Cluster)
}

func TestSuggest_StripsCodeFences(t *testing.T) {
	completer := &fakeCompleter{response: "```json\n" + validResponse + "\n```"}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	proposals, err := c.Suggest(context.Background(), testClusters())
	require.NoError(t, err)
	assert.Len(t, proposals, 1)
}

func TestSuggest_DropsLowConfidence(t *testing.T) {
	completer := &fakeCompleter{response: `[
		{"kind": "contains", "value": "timeout", "category": "timeout",
		 "confidence": 0.4, "reasoning": "maybe", "examples": [], "cluster": 1},
		{"kind": "status_code", "value": "429", "category": "rate-limited",
		 "confidence": 0.9, "reasoning": "yes", "examples": [], "cluster": 1}
	]`}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	proposals, err := c.Suggest(context.Background(), testClusters())
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, "429", proposals[0].Value)
}

func TestSuggest_FailsClosedOnMalformedElement(t *testing.T) {
	// One bad element discards the entire response.
	completer := &fakeCompleter{response: `[
		{"kind": "status_code", "value": "429", "category": "rate-limited",
		 "confidence": 0.9, "reasoning": "", "examples": [], "cluster": 1},
		{"kind": "contains", "value": "", "category": "x",
		 "confidence": 0.8, "reasoning": "", "examples": [], "cluster": 1}
	]`}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	_, err = c.Suggest(context.Background(), testClusters())
	assert.ErrorIs(t, err, ErrMalformedShape)
}

func TestSuggest_FailsClosedOnUnknownFields(t *testing.T) {
	completer := &fakeCompleter{response: `[
		{"kind": "status_code", "value": "429", "category": "rate-limited",
		 "confidence": 0.9, "reasoning": "", "examples": [], "cluster": 1, "surprise": true}
	]`}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	_, err = c.Suggest(context.Background(), testClusters())
	assert.ErrorIs(t, err, ErrMalformedShape)
}

func TestSuggest_RejectsOutOfRangeConfidence(t *testing.T) {
	completer := &fakeCompleter{response: `[
		{"kind": "status_code", "value": "429", "category": "rate-limited",
		 "confidence": 1.5, "reasoning": "", "examples": [], "cluster": 1}
	]`}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	_, err = c.Suggest(context.Background(), testClusters())
	assert.ErrorIs(t, err, ErrMalformedShape)
}

func TestSuggest_RejectsUnknownClusterReference(t *testing.T) {
	// The request carried one cluster, so a proposal claiming to come from
	// cluster 7 is fabricated provenance.
	completer := &fakeCompleter{response: `[
		{"kind": "status_code", "value": "429", "category": "rate-limited",
		 "confidence": 0.9, "reasoning": "", "examples": [], "cluster": 7}
	]`}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	_, err = c.Suggest(context.Background(), testClusters())
	assert.ErrorIs(t, err, ErrMalformedShape)
}

func TestSuggest_RejectsProse(t *testing.T) {
	completer := &fakeCompleter{response: "I could not find any transient patterns."}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	_, err = c.Suggest(context.Background(), testClusters())
	assert.ErrorIs(t, err, ErrMalformedShape)
}

func TestSuggest_EmptyArrayIsValid(t *testing.T) {
	completer := &fakeCompleter{response: "[]"}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	proposals, err := c.Suggest(context.Background(), testClusters())
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestSuggest_ResponseSizeCap(t *testing.T) {
	completer := &fakeCompleter{response: "[" + strings.Repeat(" ", 100) + "]"}
	c, err := NewClient(completer, nil, WithMaxResponseBytes(50))
	require.NoError(t, err)

	_, err = c.Suggest(context.Background(), testClusters())
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestSuggest_NoClustersNoCall(t *testing.T) {
	completer := &fakeCompleter{response: validResponse}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	proposals, err := c.Suggest(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, proposals)
	assert.Zero(t, completer.calls)
}

func TestSuggest_PromptContainsClusterEvidence(t *testing.T) {
	completer := &fakeCompleter{response: "[]"}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	_, err = c.Suggest(context.Background(), testClusters())
	require.NoError(t, err)
	require.Len(t, completer.prompts, 1)
	assert.Contains(t, completer.prompts[0], "429 Too Many Requests")
	assert.Contains(t, completer.prompts[0], "api")
}

func TestSuggest_OracleFailureSurfaces(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("connection refused")}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	_, err = c.Suggest(context.Background(), testClusters())
	assert.Error(t, err)
	// Bounded retries, then give up.
	assert.Equal(t, 2, completer.calls)
}

func TestExplain_ReturnsTrimmedText(t *testing.T) {
	completer := &fakeCompleter{response: "  Matches HTTP 429 errors, seen daily in shadow.  \n"}
	c, err := NewClient(completer, nil)
	require.NoError(t, err)

	sg := &pattern.Suggestion{ShadowMatches: 9, ShadowMatchDays: []string{"2026-08-29"}}
	text, err := c.Explain(context.Background(), sg)
	require.NoError(t, err)
	assert.Equal(t, "Matches HTTP 429 errors, seen daily in shadow.", text)
}
