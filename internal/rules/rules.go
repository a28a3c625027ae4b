// Package rules compiles pattern rules into executable matchers.
//
// A rule is a (kind, value, category) triple from any source: the suggestion
// oracle, a static import, or manual entry. Compilation is the single
// chokepoint every rule passes through before it can run in the hot
// classification path, so the package also owns the safety gate that rejects
// malformed or dangerous rules (see safety.go).
//
// Compilation is pure validation: it has no side effects and callers are
// responsible for persisting accepted rules.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Common errors for rule compilation.
var (
	ErrEmptyValue      = errors.New("rule value cannot be empty")
	ErrEmptyCategory   = errors.New("rule category cannot be empty")
	ErrUnknownKind     = errors.New("unknown rule kind")
	ErrBadStatusCode   = errors.New("status-code value must be exactly 3 digits")
	ErrRegexTooLong    = errors.New("regex source exceeds maximum length")
	ErrRegexDangerous  = errors.New("regex contains a dangerous construct")
	ErrRegexTooComplex = errors.New("regex exceeds alternation limit")
	ErrRegexTimeout    = errors.New("regex exceeded evaluation time budget")
)

// Kind identifies how a rule's value is matched against a message.
//
// The set is closed: the compiler switches exhaustively over kinds so the
// safety gate can validate every one of them.
type Kind string

const (
	// KindContains matches when every whitespace-separated token of the
	// value appears as a substring of the message (AND semantics).
	KindContains Kind = "contains"

	// KindStartsWith matches a case-insensitive prefix.
	KindStartsWith Kind = "starts_with"

	// KindStatusCode matches a 3-digit HTTP status code delimited by
	// word boundaries, so "429" does not match inside "14293".
	KindStatusCode Kind = "status_code"

	// KindRegex matches a case-insensitive regular expression that has
	// passed the safety gate.
	KindRegex Kind = "regex"
)

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))) {
	case KindContains:
		return KindContains, nil
	case KindStartsWith:
		return KindStartsWith, nil
	case KindStatusCode:
		return KindStatusCode, nil
	case KindRegex:
		return KindRegex, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Rule is a compiled, safety-checked matcher.
//
// Invariant: a Rule of KindRegex only exists if its source passed the
// length, dangerous-construct, complexity, and adversarial-timing checks.
// Invalid rules never reach this type.
type Rule struct {
	// ID is the identifier of the suggestion this rule was compiled from.
	// Empty for rules that have not been persisted yet.
	ID string `json:"id,omitempty"`

	// Kind selects the matcher behavior.
	Kind Kind `json:"kind"`

	// Value is the token string, prefix, 3-digit code, or regex source.
	Value string `json:"value"`

	// Category is the classification label applied on match
	// (e.g. "rate-limited", "quota-exhausted").
	Category string `json:"category"`

	// Scope restricts the rule to a named service or upstream.
	// Empty means global.
	Scope string `json:"scope,omitempty"`

	match func(string) bool
}

// Matches reports whether the rule matches the given message.
func (r *Rule) Matches(message string) bool {
	if r.match == nil {
		return false
	}
	return r.match(message)
}

// Compile validates a (kind, value, category) triple and returns an
// executable Rule, or the reason the rule was rejected.
func Compile(kind Kind, value, category string) (*Rule, error) {
	if strings.TrimSpace(value) == "" {
		return nil, ErrEmptyValue
	}
	if strings.TrimSpace(category) == "" {
		return nil, ErrEmptyCategory
	}

	r := &Rule{Kind: kind, Value: value, Category: category}

	switch kind {
	case KindContains:
		tokens := strings.Fields(strings.ToLower(value))
		if len(tokens) == 0 {
			return nil, ErrEmptyValue
		}
		r.match = func(msg string) bool {
			lower := strings.ToLower(msg)
			for _, tok := range tokens {
				if !strings.Contains(lower, tok) {
					return false
				}
			}
			return true
		}

	case KindStartsWith:
		prefix := strings.ToLower(value)
		r.match = func(msg string) bool {
			return strings.HasPrefix(strings.ToLower(msg), prefix)
		}

	case KindStatusCode:
		if !statusCodeValue.MatchString(value) {
			return nil, fmt.Errorf("%w: %q", ErrBadStatusCode, value)
		}
		// Word-boundary delimited so the code never matches inside a
		// longer number.
		re := regexp.MustCompile(`\b` + value + `\b`)
		r.match = re.MatchString

	case KindRegex:
		re, err := compileSafeRegex(value)
		if err != nil {
			return nil, err
		}
		r.match = re.MatchString

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	return r, nil
}

// MustCompile is like Compile but panics on error. Intended for static
// rule tables in tests and built-in imports.
func MustCompile(kind Kind, value, category string) *Rule {
	r, err := Compile(kind, value, category)
	if err != nil {
		panic(fmt.Sprintf("rules: MustCompile(%s, %q): %v", kind, value, err))
	}
	return r
}

var statusCodeValue = regexp.MustCompile(`^\d{3}$`)
