package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Contains(t *testing.T) {
	r, err := Compile(KindContains, "quota exceeded", "quota-exhausted")
	require.NoError(t, err)

	// All tokens must be present, case-insensitively.
	assert.True(t, r.Matches("Error: Daily quota exceeded for API"))

	// "exceeded" is absent, so the AND semantics fail.
	assert.False(t, r.Matches("quota configuration updated"))

	// Token order does not matter.
	assert.True(t, r.Matches("limit exceeded: project quota"))
}

func TestCompile_ContainsSingleToken(t *testing.T) {
	r, err := Compile(KindContains, "TIMEOUT", "timeout")
	require.NoError(t, err)

	assert.True(t, r.Matches("upstream timeout after 30s"))
	assert.False(t, r.Matches("request completed"))
}

func TestCompile_StartsWith(t *testing.T) {
	r, err := Compile(KindStartsWith, "rate limit", "rate-limited")
	require.NoError(t, err)

	assert.True(t, r.Matches("Rate limit hit for tenant abc"))
	assert.False(t, r.Matches("hit a rate limit"))
}

func TestCompile_StatusCode(t *testing.T) {
	r, err := Compile(KindStatusCode, "429", "rate-limited")
	require.NoError(t, err)

	assert.True(t, r.Matches("upstream returned 429 Too Many Requests"))
	assert.False(t, r.Matches("processed 14293 items"))
	assert.True(t, r.Matches("429"))
}

func TestCompile_StatusCodeRejectsNonCode(t *testing.T) {
	for _, value := range []string{"42", "4290", "4a9", "", "429 "} {
		_, err := Compile(KindStatusCode, value, "rate-limited")
		assert.Error(t, err, "value %q should be rejected", value)
	}
}

func TestCompile_Regex(t *testing.T) {
	r, err := Compile(KindRegex, `connection (reset|refused)`, "network-transient")
	require.NoError(t, err)

	assert.True(t, r.Matches("dial tcp: Connection Refused"))
	assert.False(t, r.Matches("connection established"))
}

func TestCompile_RejectsEmpty(t *testing.T) {
	_, err := Compile(KindContains, "  ", "x")
	assert.ErrorIs(t, err, ErrEmptyValue)

	_, err = Compile(KindContains, "timeout", "")
	assert.ErrorIs(t, err, ErrEmptyCategory)
}

func TestCompile_UnknownKind(t *testing.T) {
	_, err := Compile(Kind("glob"), "x*", "y")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"contains", KindContains},
		{"starts-with", KindStartsWith},
		{"starts_with", KindStartsWith},
		{"STATUS-CODE", KindStatusCode},
		{"regex", KindRegex},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseKind("prefix")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestSafetyGate_RejectsLongRegex(t *testing.T) {
	_, err := Compile(KindRegex, strings.Repeat("a", 201), "x")
	assert.ErrorIs(t, err, ErrRegexTooLong)

	// Exactly at the limit is accepted.
	_, err = Compile(KindRegex, strings.Repeat("a", 200), "x")
	assert.NoError(t, err)
}

func TestSafetyGate_RejectsDangerousShapes(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"nested quantified group", `(a+)+`},
		{"nested star group", `(ab*)*`},
		{"nested brace-quantified group", `(a{2,10})+`},
		{"brace-quantified nested group", `(a+){2,}`},
		{"quantified alternation", `(a|aa)+`},
		{"lookbehind", `(?<=foo)bar`},
		{"negative lookbehind", `(?<!foo)bar`},
		{"backreference", `(a)\1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(KindRegex, tt.source, "x")
			assert.ErrorIs(t, err, ErrRegexDangerous)
		})
	}
}

func TestSafetyGate_RejectsExcessiveAlternation(t *testing.T) {
	source := "a" + strings.Repeat("|b", 11)
	_, err := Compile(KindRegex, source, "x")
	assert.ErrorIs(t, err, ErrRegexTooComplex)
}

func TestSafetyGate_RejectsNonCompiling(t *testing.T) {
	_, err := Compile(KindRegex, `[unclosed`, "x")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRegexDangerous)
}

func TestSafetyGate_AcceptsReasonablePatterns(t *testing.T) {
	sources := []string{
		`timeout after \d+ms`,
		`rate.?limit`,
		`quota exceeded for project [a-z0-9-]+`,
		`50[023] (bad gateway|service unavailable)`,
	}
	for _, source := range sources {
		_, err := Compile(KindRegex, source, "transient")
		assert.NoError(t, err, source)
	}
}

func TestMustCompile_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() {
		MustCompile(KindStatusCode, "12345", "x")
	})
}
