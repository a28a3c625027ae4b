package oracle

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/noisegate/internal/pattern"
)

// buildSuggestionPrompt renders cluster representatives and samples into a
// bounded-size request for the oracle. Sample messages are truncated so a
// single pathological message cannot blow up the request.
func buildSuggestionPrompt(clusters []*pattern.ErrorCluster) string {
	var b strings.Builder

	b.WriteString(`You classify recurring operational error messages as transient
(expected, self-resolving: rate limits, timeouts, quota exhaustion) versus
real (needs investigation).

For each error cluster below, propose at most one match rule when the
errors look transient. Respond with ONLY a JSON array, no prose. Each
element must have exactly these fields:

  {"kind": "contains|starts_with|status_code|regex",
   "value": "<match value>",
   "category": "<short label like rate-limited, quota-exhausted, timeout>",
   "confidence": <0.0-1.0>,
   "reasoning": "<one sentence>",
   "examples": ["<matching sample>"],
   "cluster": <number of the cluster the rule was derived from>}

Rules:
- contains: whitespace-separated tokens, ALL must appear in the message
- starts_with: case-insensitive message prefix
- status_code: exactly 3 digits
- regex: Go syntax, under 200 characters, keep it simple
- cluster: the cluster number exactly as listed below
- Skip clusters that look like real bugs. An empty array is a valid answer.

Error clusters:
`)

	for i, cl := range clusters {
		fmt.Fprintf(&b, "\n--- Cluster %d (seen %d times across %d errors) ---\n",
			i+1, cl.OccurrenceCount, cl.FingerprintCount)
		fmt.Fprintf(&b, "Representative: %s\n", truncate(cl.Representative, maxSampleLength))
		if len(cl.Services) > 0 {
			fmt.Fprintf(&b, "Services: %s\n", strings.Join(cl.Services, ", "))
		}
		for _, sample := range cl.SampleMessages {
			fmt.Fprintf(&b, "Sample: %s\n", truncate(sample, maxSampleLength))
		}
	}

	return b.String()
}

// buildExplainPrompt renders a suggestion's shadow evidence into a request
// for a short operator-facing explanation.
func buildExplainPrompt(sg *pattern.Suggestion) string {
	var b strings.Builder

	b.WriteString(`Write a short plain-language explanation (2-3 sentences) for an
operator reviewing an error-suppression rule candidate. Cover what the rule
matches and what the shadow-mode evidence shows. No markdown, no preamble.

`)
	fmt.Fprintf(&b, "Rule: kind=%s value=%q category=%s\n",
		sg.Rule.Kind, sg.Rule.Value, sg.Rule.Category)
	fmt.Fprintf(&b, "Oracle confidence: %.2f\n", sg.Confidence)
	fmt.Fprintf(&b, "Shadow matches: %d across %d distinct days\n",
		sg.ShadowMatches, len(sg.ShadowMatchDays))
	if sg.Backtest != nil {
		fmt.Fprintf(&b, "Backtest: matched %d of %d historical errors (rate %.2f)\n",
			sg.Backtest.MatchCount, sg.Backtest.CorpusSize, sg.Backtest.MatchRate)
	}
	for _, sample := range sg.SampleMessages {
		fmt.Fprintf(&b, "Sample: %s\n", truncate(sample, maxSampleLength))
	}

	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
