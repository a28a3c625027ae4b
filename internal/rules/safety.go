package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// maxRegexLength is the maximum accepted regex source length.
	maxRegexLength = 200

	// maxAlternations is the maximum number of alternation operators
	// allowed in a regex source.
	maxAlternations = 10

	// evalBudget is the per-evaluation time budget for the adversarial
	// timing battery. A single evaluation exceeding this fails the rule.
	evalBudget = 10 * time.Millisecond
)

// dangerousShapes are regex constructs known to cause catastrophic
// backtracking or that are unsupported and unsafe to forward to other
// engines. Checked before compilation and before any timing test runs.
//
// Order matters only for the reported reason; all shapes are rejected.
var dangerousShapes = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	// Nested quantified groups, e.g. (a+)+, (\d*)+ or (a{2,10})+
	{regexp.MustCompile(`\([^()]*[+*}]\)[+*{]`), "nested quantified group"},
	// Quantified alternation, e.g. (a|aa)+
	{regexp.MustCompile(`\([^()]*\|[^()]*\)[+*{]`), "quantified alternation"},
	// Lookbehind, e.g. (?<=x) or (?<!x)
	{regexp.MustCompile(`\(\?<[=!]`), "lookbehind"},
	// Backreferences, e.g. \1
	{regexp.MustCompile(`\\[1-9]`), "backreference"},
}

// adversarialInputs is a fixed battery of inputs designed to trigger
// pathological evaluation time in susceptible patterns.
var adversarialInputs = []string{
	strings.Repeat("a", 10000),
	strings.Repeat("a", 5000) + "!",
	strings.Repeat("ab", 5000),
	strings.Repeat("a1b2", 2500),
	strings.Repeat(" ", 5000) + "x",
	strings.Repeat("error: connection timed out ", 300),
}

// compileSafeRegex validates a regex source against the safety gate and
// returns the compiled case-insensitive pattern.
//
// All four checks must pass: length, dangerous-construct deny-list,
// alternation complexity, and the adversarial timing battery. This is the
// single chokepoint that keeps an untrusted suggestion or a careless manual
// entry from introducing a denial of service into the classification path.
func compileSafeRegex(source string) (*regexp.Regexp, error) {
	if len(source) > maxRegexLength {
		return nil, fmt.Errorf("%w: %d > %d chars", ErrRegexTooLong, len(source), maxRegexLength)
	}

	for _, shape := range dangerousShapes {
		if shape.pattern.MatchString(source) {
			return nil, fmt.Errorf("%w: %s", ErrRegexDangerous, shape.reason)
		}
	}

	if n := strings.Count(source, "|"); n > maxAlternations {
		return nil, fmt.Errorf("%w: %d alternations > %d", ErrRegexTooComplex, n, maxAlternations)
	}

	re, err := regexp.Compile("(?i)" + source)
	if err != nil {
		return nil, fmt.Errorf("regex does not compile: %w", err)
	}

	for _, input := range adversarialInputs {
		start := time.Now()
		re.MatchString(input)
		if elapsed := time.Since(start); elapsed > evalBudget {
			return nil, fmt.Errorf("%w: %v on adversarial input", ErrRegexTimeout, elapsed)
		}
	}

	return re, nil
}
